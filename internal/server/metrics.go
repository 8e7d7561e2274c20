package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
)

// DefaultMetricsAddr is the default listen address of the metrics server.
const DefaultMetricsAddr = "127.0.0.1:9090"

// MetricsServerConfig configures a MetricsServer.
type MetricsServerConfig struct {
	// Addr defaults to DefaultMetricsAddr.
	Addr string

	// InstrumentationProvider must be set.
	InstrumentationProvider *instrumentation.Provider
}

// MetricsServer exposes Prometheus metrics on a separate listener so that
// scraping never competes with cluster traffic.
type MetricsServer struct {
	addr   string
	server *http.Server
}

// NewMetricsServer creates a metrics server.
func NewMetricsServer(cfg MetricsServerConfig) (*MetricsServer, error) {
	if cfg.InstrumentationProvider == nil {
		return nil, errors.New("instrumentation provider is required")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultMetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", cfg.InstrumentationProvider.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the configured listen address.
func (s *MetricsServer) Addr() string {
	return s.addr
}

// Start listens on Addr and blocks until the server is shut down.
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// Serve serves on listener and blocks until the server is shut down.
func (s *MetricsServer) Serve(listener net.Listener) error {
	return s.server.Serve(listener)
}

// Shutdown stops the server gracefully.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
