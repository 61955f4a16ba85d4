package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/convoy/internal/audit"
	"github.com/mattjoyce/convoy/internal/events"
	"github.com/mattjoyce/convoy/internal/lock"
	"github.com/mattjoyce/convoy/internal/orchestrator"
	"github.com/mattjoyce/convoy/internal/ratelimit"
	"github.com/mattjoyce/convoy/internal/reaper"
)

// LockView defines the lock operations the API exposes.
type LockView interface {
	List(ctx context.Context, f lock.Filter) ([]lock.Record, error)
	ScanForDeadlocks(ctx context.Context) (lock.ScanReport, error)
}

// ExecutionLister reads the execution log.
type ExecutionLister interface {
	List(ctx context.Context, f orchestrator.ExecutionFilter) ([]orchestrator.ExecutionRecord, error)
}

// AuditLister reads the audit trail.
type AuditLister interface {
	List(ctx context.Context, f audit.ListFilter) ([]audit.Entry, error)
}

// BucketLister reports token bucket state.
type BucketLister interface {
	Buckets(ctx context.Context) ([]ratelimit.Bucket, error)
}

// ReaperStatus reports the background scanner's last pass.
type ReaperStatus interface {
	Status() reaper.Status
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token guards POST endpoints. Empty leaves them open.
	Token string
}

// Deps are the read models behind the endpoints. Nil members make the
// matching endpoint answer 503.
type Deps struct {
	Locks      LockView
	Executions ExecutionLister
	Audit      AuditLister
	Buckets    BucketLister
	Reaper     ReaperStatus
	Events     *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// /events streams indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Get("/locks", s.handleListLocks)
	r.Get("/executions", s.handleListExecutions)
	r.Get("/audit", s.handleListAudit)
	r.Get("/ratelimits", s.handleListBuckets)
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/scan", s.handleScan)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
