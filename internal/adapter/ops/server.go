// Package ops serves the operational HTTP endpoints: Prometheus metrics,
// liveness and a JSON status snapshot.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatewayd/internal/infra/logger"
	"gatewayd/internal/infra/middleware"
)

// Options configures a Server.
type Options struct {
	Addr        string
	MetricsPath string
	Gatherer    prometheus.Gatherer // default prometheus.DefaultGatherer
	Status      StatusFunc          // nil disables /status and makes /healthz always ok
	RateLimit   middleware.RateLimitConfig
	Logger      *slog.Logger
}

// Server exposes metrics and health over HTTP.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RateLimit.RequestsPerMin <= 0 {
		opts.RateLimit = middleware.RateLimitConfig{RequestsPerMin: 600, BurstSize: 60}
	}
	return &Server{opts: opts, logger: logger.OrDiscard(opts.Logger).With("component", "ops")}
}

// Handler builds the routed, wrapped handler. ctx bounds the rate
// limiter's eviction goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}
	return middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, s.opts.RateLimit),
	)
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(ctx), ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	s.logger.Info("ops server started", "addr", s.BoundAddr(), "metrics", s.opts.MetricsPath)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops serve: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server listens on. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
