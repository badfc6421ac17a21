// Package api exposes the registration, query and live-subscription HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"trove-guardian/internal/events"
	"trove-guardian/internal/registry"
	"trove-guardian/internal/stream"
)

// Watcher is the subset of the monitor the API drives.
type Watcher interface {
	Register(address, strategyName, agentID string) (registry.WatchedPosition, error)
	Deregister(address string) bool
	Count() int
	Query(agentID string, limit int) []events.RiskEvent
}

// Options configure the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wires routes onto a mux router.
type Server struct {
	opts    Options
	router  *mux.Router
	server  *http.Server
	watcher Watcher
	stream  *stream.Handler
	logger  zerolog.Logger
}

// NewServer builds the router. gatherer may be nil to omit /metrics.
func NewServer(opts Options, watcher Watcher, streamHandler *stream.Handler, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		watcher: watcher,
		stream:  streamHandler,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes(gatherer)

	// WriteTimeout applies to /api/v1 only; websocket connections outlive any fixed deadline.
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: opts.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.accessLogMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.stream != nil {
		s.router.HandleFunc("/ws/events/{address}", s.handleStream).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonContentTypeMiddleware)
	if opts := s.opts; opts.WriteTimeout > 0 {
		v1.Use(func(next http.Handler) http.Handler {
			return http.TimeoutHandler(next, opts.WriteTimeout, `{"error":"request timed out"}`)
		})
	}
	v1.HandleFunc("/watch", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/watch/count", s.handleCount).Methods(http.MethodGet)
	v1.HandleFunc("/watch/{address}", s.handleDeregister).Methods(http.MethodDelete)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
