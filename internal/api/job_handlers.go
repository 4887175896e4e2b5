package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/httpx"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

type scheduleRequest struct {
	URL string `json:"url" validate:"required"`
}

type scheduleResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.checkBody(req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	claims, _ := claimsFrom(r.Context())
	job, err := s.queue.Enqueue(r.Context(), scrape.EnqueueRequest{URL: req.URL, SubmittedBy: claims.UserID()})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("user_id", claims.UserID()),
	)
	httpx.WriteJSON(w, http.StatusOK, scheduleResponse{JobID: job.ID})
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	page, err := s.results.ListResults(r.Context(), scrape.ListResultsQuery{
		Limit:  scrape.ClampLimit(limit, s.cfg.DefaultPageSize, s.cfg.MaxPageSize),
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if page.NextCursor != "" {
		w.Header().Set("X-Next-Cursor", page.NextCursor)
	}
	results := page.Results
	if results == nil {
		results = []scrape.ScrapeResult{}
	}
	httpx.WriteJSON(w, http.StatusOK, results)
}

// getJob hides other users' jobs behind 404 unless the caller is an admin.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	claims, _ := claimsFrom(r.Context())
	if claims.Role != scrape.RoleAdmin && job.SubmittedBy != "" && job.SubmittedBy != claims.UserID() {
		httpx.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}
