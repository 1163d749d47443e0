// Package web serves the import run API: submit a file with its spec, follow
// the run, read outcomes, cancel, and browse history.
package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/jobs"
	"github.com/JonMunkholm/csvimport/internal/web/middleware"
)

// Server is the HTTP front of a jobs.Service.
type Server struct {
	jobs   *jobs.Service
	cfg    config.ServerConfig
	router *chi.Mux
	server *http.Server
}

// NewServer creates a Server for svc.
func NewServer(svc *jobs.Service, cfg config.ServerConfig) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 100 << 20
	}
	s := &Server{
		jobs:   svc,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)

	// CORS must run before auth so pre-flight requests are answered.
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-API-Key", "Last-Event-ID"},
			ExposedHeaders: []string{"Location", "Retry-After", "X-Request-Id"},
		}).Handler)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.APIKeys))

		r.Post("/imports", s.handleSubmit)
		r.Get("/imports", s.handleList)
		r.Get("/imports/{runID}", s.handleGet)
		r.Get("/imports/{runID}/outcomes", s.handleOutcomes)
		r.Get("/imports/{runID}/events", s.handleEvents)
		r.Post("/imports/{runID}/cancel", s.handleCancel)

		r.Get("/history", s.handleHistory)
		r.Get("/history/{runID}/failures", s.handleHistoryFailures)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	slog.Info("server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
