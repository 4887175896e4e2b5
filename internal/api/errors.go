package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/auth"
	"github.com/JakeFAU/scrape-dispatch/internal/httpx"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// statusFor maps domain errors to a status and a client-safe message.
func statusFor(err error) (int, string) {
	var vErr *scrape.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, vErr.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid or expired token"
	case errors.Is(err, scrape.ErrConflict):
		return http.StatusConflict, "already exists"
	case errors.Is(err, scrape.ErrNotFound):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", httpx.RequestIDFrom(r.Context())),
			zap.Error(err),
		)
	}
	httpx.WriteError(w, status, msg)
}

// checkBody runs struct validation and converts failures to a ValidationError.
func (s *Server) checkBody(body any) error {
	err := s.validate.Struct(body)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &scrape.ValidationError{Reason: "invalid request body"}
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return &scrape.ValidationError{Reason: strings.Join(parts, "; ")}
}
