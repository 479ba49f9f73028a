package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"concierge/internal/api/health"
	"concierge/internal/metrics"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// ServerConfig contains configuration for HTTP server
type ServerConfig struct {
	Port         int
	ServiceName  string
	Version      string
	AdminToken   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Middlewares wrap every route, outermost first
	Middlewares []Middleware
}

// Server wraps HTTP server with lifecycle management
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates and configures HTTP server with all routes
func NewServer(cfg ServerConfig, healthHandler *health.Handler, h *Handlers, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", portOrDefault(cfg.Port)),
			Handler:      NewMux(cfg, healthHandler, h, log),
			ReadTimeout:  durationOr(cfg.ReadTimeout, 15*time.Second),
			WriteTimeout: durationOr(cfg.WriteTimeout, 120*time.Second),
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// NewMux builds the route table. Split out of NewServer so tests can drive it with httptest.
func NewMux(cfg ServerConfig, healthHandler *health.Handler, h *Handlers, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Kubernetes probes
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReadiness)
	mux.HandleFunc("GET /live", healthHandler.HandleLiveness)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/route", h.HandleRoute)
	mux.HandleFunc("GET /v1/users/{userID}/usage", h.HandleUsage)
	mux.HandleFunc("GET /v1/users/{userID}/budget", h.HandleBudget)

	admin := AdminAuth(cfg.AdminToken, log)
	mux.Handle("GET /v1/admin/usage/breakdown", admin(http.HandlerFunc(h.HandleBreakdown)))
	mux.Handle("GET /v1/admin/registry", admin(http.HandlerFunc(h.HandleRegistrySnapshot)))
	mux.Handle("POST /v1/admin/registry/refresh", admin(http.HandlerFunc(h.HandleRegistryRefresh)))
	mux.Handle("GET /v1/admin/chain/{taskType}", admin(http.HandlerFunc(h.HandleChain)))
	mux.Handle("GET /v1/admin/workers", admin(http.HandlerFunc(h.HandleWorkers)))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": cfg.ServiceName,
			"version": cfg.Version,
			"status":  "running",
		})
	})

	return chain(mux, cfg.Middlewares...)
}

// Start begins listening for HTTP requests.
// Blocks until server is stopped or encounters an error.
func (s *Server) Start() error {
	s.log.Infow("Starting HTTP server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}

	s.log.Info("✓ HTTP server stopped")
	return nil
}

func portOrDefault(p int) int {
	if p > 0 {
		return p
	}
	return 8080
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
