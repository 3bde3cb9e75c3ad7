package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/logrun/internal/events"
	"github.com/mattjoyce/logrun/internal/run"
)

// StatusProvider reports the state of the run being served.
type StatusProvider interface {
	Status() run.Status
}

// EventSource returns buffered run events newer than an id.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
}

// Config holds status server configuration
type Config struct {
	Listen string
	// Token, when set, must be presented as a bearer token on /status,
	// /events and /metrics.
	Token   string
	Version string
}

// Server is the read-only HTTP status endpoint of a run.
type Server struct {
	config    Config
	status    StatusProvider
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a status server. events may be nil.
func New(config Config, status StatusProvider, events EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		status:    status,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status server shutting down")
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

	r.Group(func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
