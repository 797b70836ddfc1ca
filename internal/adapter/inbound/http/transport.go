package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policyshield/policyshield/internal/service"
)

// Defaults for the HTTP boundary.
const (
	DefaultAddr                = "127.0.0.1:8080"
	DefaultMaxBodyBytes        = 1 << 20
	DefaultMaxConcurrentChecks = 64

	shutdownTimeout = 10 * time.Second
)

// Server is the inbound REST adapter over the engine.
type Server struct {
	engine *service.Engine

	addr                string
	apiToken            string
	corsOrigins         []string
	maxBodyBytes        int64
	maxConcurrentChecks int
	failOpen            bool
	readiness           ReadinessFunc
	logger              *slog.Logger

	metrics  *Metrics
	registry *prometheus.Registry
	checkSem chan struct{}
	server   *http.Server
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is localhost only.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAPIToken enables bearer authentication on every route except the
// health probe. Empty disables authentication.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = token }
}

// WithCORSOrigins sets the allowed CORS origins. Empty means no
// cross-origin access.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxBodyBytes caps request body size. Oversized bodies get 413.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithMaxConcurrentChecks bounds concurrent /check handlers; overflow
// answers 503 with a BLOCK verdict.
func WithMaxConcurrentChecks(n int) Option {
	return func(s *Server) { s.maxConcurrentChecks = n }
}

// WithFailOpen selects the verdict the panic recovery layer reports.
func WithFailOpen(failOpen bool) Option {
	return func(s *Server) { s.failOpen = failOpen }
}

// WithReadiness wires a dependency probe into /readyz.
func WithReadiness(fn ReadinessFunc) Option {
	return func(s *Server) { s.readiness = fn }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the REST adapter wrapping the given engine.
func NewServer(engine *service.Engine, opts ...Option) *Server {
	s := &Server{
		engine:              engine,
		addr:                DefaultAddr,
		maxBodyBytes:        DefaultMaxBodyBytes,
		maxConcurrentChecks: DefaultMaxConcurrentChecks,
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.checkSem = make(chan struct{}, s.maxConcurrentChecks)

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)

	return s
}

// Handler builds the full middleware chain and route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/check", s.handleCheck)
	mux.HandleFunc("POST /api/v1/post-check", s.handlePostCheck)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/reload", s.handleReload)
	mux.HandleFunc("POST /api/v1/kill", s.handleKill)
	mux.HandleFunc("POST /api/v1/resume", s.handleResume)
	mux.HandleFunc("GET /api/v1/constraints", s.handleConstraints)
	mux.HandleFunc("POST /api/v1/check-approval", s.handleCheckApproval)
	mux.HandleFunc("POST /api/v1/respond-approval", s.handleRespondApproval)
	mux.HandleFunc("GET /api/v1/pending-approvals", s.handlePendingApprovals)
	mux.HandleFunc("POST /api/v1/clear-taint", s.handleClearTaint)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	// Middleware order, outermost first: metrics wraps everything so
	// durations are honest; recovery sits inside request-ID so its JSON
	// carries the ID; auth runs before content-type and body checks.
	var handler http.Handler = mux
	handler = BodyLimitMiddleware(s.maxBodyBytes)(handler)
	handler = JSONContentTypeMiddleware(handler)
	handler = BearerAuthMiddleware(s.apiToken, "/api/v1/health", "/readyz", "/metrics")(handler)
	if len(s.corsOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		})(handler)
	}
	handler = RecoveryMiddleware(s.failOpen)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)

	return handler
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests with a bounded grace period.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close shuts the server down outside of Start's lifecycle.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
