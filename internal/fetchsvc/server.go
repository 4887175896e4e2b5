// Package fetchsvc serves the Fetch Service contract, GET /fetch?url= returning
// {"content": ...}, on top of any scrape.Fetcher (normally headless Chrome).
package fetchsvc

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/httpx"
	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Server renders pages on request.
type Server struct {
	router  chi.Router
	fetcher scrape.Fetcher
	logger  *zap.Logger
}

type fetchResponse struct {
	Content string `json:"content"`
}

// NewServer wires the routes. requestTimeout bounds each render.
func NewServer(fetcher scrape.Fetcher, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	s := &Server{fetcher: fetcher, logger: logger.Named("fetchsvc")}

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.Logging(s.logger))
	r.Use(httpx.Recover(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	r.With(httpx.Timeout(requestTimeout)).Get("/fetch", s.fetch)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	target, err := scrape.ValidateURL(r.URL.Query().Get("url"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.fetcher.Fetch(r.Context(), target)
	if err != nil {
		s.logger.Warn("render failed", zap.String("url", target), zap.Error(err))
		httpx.WriteError(w, http.StatusBadGateway, "could not render page")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, fetchResponse{Content: outcome.Content})
}
