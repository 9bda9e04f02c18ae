package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/herald/internal/workitem"
)

// shutdownWait bounds how long Start waits for background deliveries after
// cancelling them.
const shutdownWait = 10 * time.Second

// Server represents the webhook HTTP server.
type Server struct {
	config   Config
	notifier Notifier
	logger   *slog.Logger
	server   *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig

	// base parents every background delivery; cancel stops them at shutdown.
	base     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a new webhook server instance.
func New(config Config, notifier Notifier, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = 1 << 20
		}
		endpoints[ep.Path] = ep
	}

	base, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		notifier:  notifier,
		logger:    logger,
		endpoints: endpoints,
		base:      base,
		cancel:    cancel,
	}
}

// Start serves webhooks until ctx is done, then cancels background deliveries
// and waits for them to finish.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.Close()
		if err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Close cancels background deliveries and waits up to shutdownWait for them.
func (s *Server) Close() {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		s.logger.Warn("webhook deliveries still running at shutdown")
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if err := verifySignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature rejected",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
			"present", signature != "",
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	items, err := workitem.Parse(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	items = workitem.FilterState(items, endpoint.States...)

	requestID := middleware.GetReqID(r.Context())
	s.inflight.Add(1)
	go s.deliver(endpoint, requestID, items)

	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{
		RequestID: requestID,
		Target:    endpoint.Target,
		Items:     len(items),
	})
}

func (s *Server) deliver(endpoint *EndpointConfig, requestID string, items []workitem.Item) {
	defer s.inflight.Done()

	logger := s.logger.With("path", endpoint.Path, "target", endpoint.Target, "request_id", requestID)
	res, err := s.notifier.Notify(s.base, endpoint.Target, items)
	switch {
	case err != nil:
		logger.Error("webhook delivery rejected", "error", err)
	case !res.Success:
		logger.Warn("webhook delivery failed", "error", res.Error)
	default:
		logger.Info("webhook delivery complete", "items", len(items))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
