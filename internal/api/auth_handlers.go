package api

import (
	"errors"
	"net/http"

	"github.com/JakeFAU/scrape-dispatch/internal/auth"
	"github.com/JakeFAU/scrape-dispatch/internal/httpx"
	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

const refreshCookie = "refresh_token"

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

func (s *Server) decodeCredentials(r *http.Request) (credentialsRequest, error) {
	var req credentialsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return req, &scrape.ValidationError{Reason: "invalid JSON"}
	}
	if err := s.checkBody(req); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeCredentials(r)
	if err != nil {
		metrics.ObserveAuth("register", "rejected")
		s.writeErr(w, r, err)
		return
	}
	user, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		metrics.ObserveAuth("register", outcome(err))
		s.writeErr(w, r, err)
		return
	}
	metrics.ObserveAuth("register", "success")
	httpx.WriteJSON(w, http.StatusOK, registerResponse{ID: user.ID, Email: user.Email})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeCredentials(r)
	if err != nil {
		metrics.ObserveAuth("login", "rejected")
		s.writeErr(w, r, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		metrics.ObserveAuth("login", outcome(err))
		s.writeErr(w, r, err)
		return
	}
	metrics.ObserveAuth("login", "success")
	s.setRefreshCookie(w, res.RefreshToken)
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{AccessToken: res.AccessToken})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		metrics.ObserveAuth("refresh", "rejected")
		httpx.WriteError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}
	access, err := s.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		metrics.ObserveAuth("refresh", outcome(err))
		s.writeErr(w, r, err)
		return
	}
	metrics.ObserveAuth("refresh", "success")
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{AccessToken: access})
}

// logout always clears the cookie. An already revoked or unreadable token
// still yields 204.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err == nil && cookie.Value != "" {
		if err := s.auth.Logout(r.Context(), cookie.Value); err != nil && !errors.Is(err, auth.ErrInvalidToken) {
			metrics.ObserveAuth("logout", "error")
			s.writeErr(w, r, err)
			return
		}
	}
	metrics.ObserveAuth("logout", "success")
	s.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/auth",
		MaxAge:   int(s.auth.Tokens().RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func outcome(err error) string {
	status, _ := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		return "error"
	default:
		return "rejected"
	}
}
