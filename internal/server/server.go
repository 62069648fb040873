package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/orderlist/internal/version"
)

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimit    float64 // requests per second; 0 disables
	RateBurst    int
	// Gatherer backs GET /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
}

// Server is the orderlist HTTP server.
type Server struct {
	httpServer *http.Server
	store      ItemStore
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server serving store.
func New(opts Options, store ItemStore, logger *zap.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	logger = logger.Named("http")
	mux := http.NewServeMux()

	s := &Server{
		store:  store,
		logger: logger,
		mux:    mux,
	}
	s.httpServer = &http.Server{
		Addr: opts.Addr,
		Handler: chain(mux,
			requestID,
			accessLog(logger),
			recoverer(logger),
			cors(opts.CORSOrigins),
			rateLimit(opts.RateLimit, opts.RateBurst),
		),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	mux.HandleFunc("GET /api/health", s.handleHealth)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	NewItemsHandler(store, logger).RegisterRoutes(mux)

	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports build info and whether the backing store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, backend, code := "ok", "ok", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: backend unreachable", zap.Error(err))
		status, backend, code = "degraded", err.Error(), http.StatusServiceUnavailable
	}

	w.Header().Set(version.Header, version.Short())
	writeJSON(w, code, map[string]any{
		"status":  status,
		"service": "orderlist",
		"backend": backend,
		"version": version.Map(),
	})
}
