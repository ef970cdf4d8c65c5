// Package web provides the HTTP server for the version control API.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/metrics"
	mw "github.com/JonMunkholm/sheetvc/internal/web/middleware"
)

// Pinger is a backend whose reachability is reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the version control API.
type Server struct {
	service  *core.Service
	cfg      *config.Config
	metrics  *metrics.Metrics
	checks   map[string]Pinger
	router   *chi.Mux
	server   *http.Server
	limiters []*rateLimiter
}

// NewServer creates a new Server instance. checks are pinged by /healthz.
func NewServer(service *core.Service, cfg *config.Config, m *metrics.Metrics, checks map[string]Pinger) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		metrics: m,
		checks:  checks,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Metrics(s.metrics))
	s.router.Use(withActor)
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	// Security hardening
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled && s.cfg.Rate.RequestsPerMinute > 0 {
		s.router.Use(s.newLimiter(s.cfg.Rate.RequestsPerMinute).middleware)
	}
}

func (s *Server) newLimiter(perMinute int) *rateLimiter {
	rl := newRateLimiter(perMinute, time.Minute)
	s.limiters = append(s.limiters, rl)
	return rl
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", "ERR404")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "ERR405")
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(&s.cfg.Security))

		// Versions
		r.Group(func(r chi.Router) {
			if s.cfg.Rate.Enabled && s.cfg.Rate.IngestLimit > 0 {
				r.Use(s.newLimiter(s.cfg.Rate.IngestLimit).middleware)
			}
			r.Post("/versions", s.handleCreateVersion)
		})
		r.Get("/versions/{id}", s.handleGetVersion)
		r.Get("/versions/{id}/data", s.handleVersionData)
		r.Get("/versions/{id}/export", s.handleExportVersion)
		r.Get("/versions/{id}/ancestor/{other}", s.handleCommonAncestor)
		r.Get("/spreadsheets/{id}/versions", s.handleListVersions)
		r.Get("/content/{hash}/versions", s.handleVersionsByHash)

		// Diff and conflict detection
		r.Post("/diff/compare", s.handleCompare)
		r.Post("/diff/conflicts", s.handleDetectConflicts)

		// Merges
		r.Post("/merges", s.handleMerge)
		r.Get("/merge-requests/{id}", s.handleGetMergeRequest)
		r.Post("/merge-requests/{id}/resolve", s.handleResolveMerge)
		r.Post("/merge-requests/{id}/merge", s.handleFinalizeMerge)
		r.Post("/merge-requests/{id}/abandon", s.handleAbandonMerge)
		r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and its rate limiters.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, rl := range s.limiters {
		rl.Stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// healthResponse reports backend reachability and ingest capacity.
type healthResponse struct {
	Status string                   `json:"status"`
	Checks map[string]string        `json:"checks,omitempty"`
	Ingest core.IngestLimiterStatus `json:"ingest"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Checks: make(map[string]string, len(s.checks)),
		Ingest: s.service.Limiter().Status(),
	}
	status := http.StatusOK
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSONStatus(w, status, resp)
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// The API serves JSON only
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
