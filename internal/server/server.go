package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
	"github.com/giantswarm/cluster-bridge/internal/server/middleware"
)

// DefaultAddr binds the bridge to a random loopback port.
const DefaultAddr = "127.0.0.1:0"

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

var (
	// ErrMissingManager is returned when no cluster manager is given.
	ErrMissingManager = errors.New("cluster manager is required")

	// ErrMissingRouter is returned when no cluster router is given.
	ErrMissingRouter = errors.New("cluster router is required")
)

// Config holds the settings of the local HTTP server.
type Config struct {
	// Addr is the listen address. Defaults to DefaultAddr.
	Addr string

	// Version is reported by the health endpoints.
	Version string

	// AllowedOrigins may call the bridge API from a browser.
	AllowedOrigins []string

	// EnableHSTS sets Strict-Transport-Security on bridge API responses.
	EnableHSTS bool

	// ShutdownTimeout defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// Server is the single local HTTP endpoint of the bridge. Requests that
// route to a cluster go to the cluster router, everything else to the
// bridge's own API and health endpoints.
type Server struct {
	cfg      Config
	manager  *cluster.Manager
	router   http.Handler
	logger   *slog.Logger
	provider *instrumentation.Provider
	health   *HealthChecker
	local    http.Handler

	mu   sync.Mutex
	addr string
}

// Option configures a Server.
type Option func(*Server) error

// WithConfig sets the server configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithInstrumentation records request metrics through provider.
func WithInstrumentation(provider *instrumentation.Provider) Option {
	return func(s *Server) error {
		s.provider = provider
		return nil
	}
}

// New creates the server for manager with router serving cluster requests.
func New(manager *cluster.Manager, router http.Handler, opts ...Option) (*Server, error) {
	if manager == nil {
		return nil, ErrMissingManager
	}
	if router == nil {
		return nil, ErrMissingRouter
	}

	s := &Server{
		cfg:     Config{Addr: DefaultAddr},
		manager: manager,
		router:  router,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.cfg.Addr == "" {
		s.cfg.Addr = DefaultAddr
	}
	if s.cfg.ShutdownTimeout <= 0 {
		s.cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s.logger = logging.WithComponent(s.logger, "server")
	s.health = NewHealthChecker(manager, s.provider, s.cfg.Version)

	mux := http.NewServeMux()
	s.health.RegisterHealthEndpoints(mux)
	newAPI(manager, s.logger).register(mux)

	var local http.Handler = mux
	local = middleware.CORS(s.cfg.AllowedOrigins)(local)
	local = middleware.SecurityHeaders(middleware.SecurityHeadersConfig{EnableHSTS: s.cfg.EnableHSTS})(local)
	local = middleware.HTTPMetrics(s.provider)(local)
	s.local = local
	return s, nil
}

// Health returns the health checker.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Addr returns the bound address once the server is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.manager.Route(r); ok {
		s.router.ServeHTTP(w, r)
		return
	}
	s.local.ServeHTTP(w, r)
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled. The manager learns the
// bound URL so that watch multiplexers can stream through this server.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	addr := listener.Addr().String()
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	s.manager.SetRouterURL("http://" + addr)

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	s.health.SetReady(true)
	s.logger.Info("bridge serving", slog.String("address", addr))

	select {
	case err := <-errCh:
		s.health.SetReady(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Watches and shells hold their connections open.
			s.logger.Debug("graceful shutdown incomplete", logging.Err(err))
			_ = srv.Close()
		}
		s.logger.Info("bridge stopped")
		return nil
	}
}
