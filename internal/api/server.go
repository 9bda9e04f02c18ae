package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/notify"
	"github.com/mattjoyce/herald/internal/state"
	"github.com/mattjoyce/herald/internal/workitem"
)

// Notifier delivers notifications and lists targets. *notify.Dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, name string, items []workitem.Item) (notify.Result, error)
	Targets() []notify.TargetInfo
}

// DeliveryLog lists recorded deliveries. *state.Store implements it.
type DeliveryLog interface {
	Recent(ctx context.Context, target string, limit int) ([]state.Delivery, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// MaxBodyBytes caps POST bodies; 0 means 1 MiB.
	MaxBodyBytes int64
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	notifier   Notifier
	deliveries DeliveryLog
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance. deliveries and hub may be nil, in which
// case their endpoints answer 404.
func New(config Config, notifier Notifier, deliveries DeliveryLog, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	return &Server{
		config:     config,
		notifier:   notifier,
		deliveries: deliveries,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: a notify request lasts as long as the agent's turn.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/notify/{target}", s.handleNotify)
		r.Get("/targets", s.handleTargets)
		r.Get("/deliveries", s.handleDeliveries)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)
	})

	return r
}

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
