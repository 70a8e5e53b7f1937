// Package server accepts WebSocket connections and runs one relay, with its
// own engine instance, per connection. It also serves health, metrics and a
// small connection admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/perspective-dev/psprelay/lifecycle"
	"github.com/perspective-dev/psprelay/relay"
)

const readHeaderTimeout = 10 * time.Second

// Server routes WebSocket connections to per-connection relays.
type Server struct {
	cfg      serverConfig
	router   *chi.Mux
	upgrader websocket.Upgrader
	loader   lifecycle.Loader
	logger   *zap.Logger
	limiter  *rate.Limiter // nil = unlimited

	registry     *prometheus.Registry
	metrics      *serverMetrics
	relayMetrics *relay.Metrics

	conns  *registry
	active atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a server that loads engines with loader.
func New(loader lifecycle.Loader, opts ...Option) (*Server, error) {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	metrics, err := newServerMetrics(cfg.registry)
	if err != nil {
		return nil, fmt.Errorf("register server metrics: %w", err)
	}
	relayMetrics, err := relay.NewMetrics(cfg.registry)
	if err != nil {
		return nil, fmt.Errorf("register relay metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		router:       chi.NewRouter(),
		loader:       loader,
		logger:       cfg.logger,
		registry:     cfg.registry,
		metrics:      metrics,
		relayMetrics: relayMetrics,
		conns:        newRegistry(),
		ctx:          ctx,
		cancel:       cancel,
	}
	if cfg.acceptRate > 0 {
		s.limiter = rate.NewLimiter(cfg.acceptRate, max(cfg.acceptBurst, 1))
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.allowedOrigins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()

	return s, nil
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router.Get("/ws", s.handleWebSocket)

	s.router.Route("/v1/connections", func(r chi.Router) {
		r.Get("/", s.handleListConnections)
		r.Delete("/{id}", s.handleCloseConnection)
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.conns.len()
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down: the
// listener stops, every relay is closed and in-flight HTTP requests get up to
// the shutdown timeout to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", zap.Int("connections", s.conns.len()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		// Shutdown does not track hijacked WebSocket connections.
		s.Close()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}

// Close closes every relay and waits for them to stop. New connections are
// refused afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conns.closeAll()
	s.wg.Wait()
	return nil
}

// admit reserves a connection slot. It reports the HTTP status and reason to
// reject with when the connection is refused.
func (s *Server) admit() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return http.StatusServiceUnavailable, "closed", false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return http.StatusTooManyRequests, "rate", false
	}
	if n := s.active.Add(1); s.cfg.maxConnections > 0 && n > int64(s.cfg.maxConnections) {
		s.active.Add(-1)
		return http.StatusServiceUnavailable, "capacity", false
	}
	s.wg.Add(1)
	return 0, "", true
}

func (s *Server) release() {
	s.active.Add(-1)
	s.wg.Done()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
