// Package api exposes the HTTP gateway for the scrape dispatch service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/auth"
	"github.com/JakeFAU/scrape-dispatch/internal/httpx"
	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Config tunes the gateway.
type Config struct {
	RequestTimeout  time.Duration
	DefaultPageSize int
	MaxPageSize     int
	// CookieSecure marks the refresh cookie Secure. Enable behind TLS.
	CookieSecure bool
}

// OverviewFunc summarizes store contents for /admin/overview.
type OverviewFunc func(ctx context.Context) (scrape.Overview, error)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the auth service, queue and result store.
type Server struct {
	router   chi.Router
	auth     *auth.Service
	queue    scrape.Queue
	results  scrape.ResultStore
	overview OverviewFunc
	checks   []ReadinessCheck
	validate *validator.Validate
	cfg      Config
	logger   *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithOverview enables GET /admin/overview.
func WithOverview(fn OverviewFunc) Option {
	return func(s *Server) {
		s.overview = fn
	}
}

// WithReadinessChecks adds dependencies to GET /readyz.
func WithReadinessChecks(checks ...ReadinessCheck) Option {
	return func(s *Server) {
		s.checks = append(s.checks, checks...)
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	authSvc *auth.Service,
	queue scrape.Queue,
	results scrape.ResultStore,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		auth:     authSvc,
		queue:    queue,
		results:  results,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.Logging(s.logger))
	r.Use(httpx.Recover(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpx.Timeout(cfg.RequestTimeout))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.register)
			r.Post("/login", s.login)
			r.Post("/refresh", s.refresh)
			r.Post("/logout", s.logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/schedule", s.scheduleJob)
				r.Get("/results", s.listResults)
				r.Get("/{job_id}", s.getJob)
			})
			r.With(requireRole(scrape.RoleAdmin)).Get("/admin/overview", s.adminOverview)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "check": c.Name})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) adminOverview(w http.ResponseWriter, r *http.Request) {
	if s.overview == nil {
		httpx.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	overview, err := s.overview(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, overview)
}
