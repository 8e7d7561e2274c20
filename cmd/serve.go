package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
	"github.com/giantswarm/cluster-bridge/internal/server"
	"github.com/giantswarm/cluster-bridge/internal/server/middleware"
)

// newServeCmd creates the Cobra command for starting the bridge.
func newServeCmd() *cobra.Command {
	config := defaultServeConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cluster bridge",
		Long: `Start the cluster bridge on a local HTTP endpoint.

Every context of the watched kubeconfig files becomes a cluster with a
stable ID. Requests for a connected cluster are routed either by path
(/clusters/<id>/...) or by the X-Cluster-ID header and forwarded through
the cluster's auth proxy. The bridge's own API lives under /bridge.

Kubeconfig files are re-read whenever they change on disk. Clusters whose
context disappears from a file are removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadServeEnvVars(cmd, &config)
			if err := config.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), config)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&config.Addr, "addr", config.Addr, "Listen address of the bridge (port 0 picks a free port)")
	flags.StringSliceVar(&config.KubeconfigPaths, "kubeconfig", nil, "Kubeconfig files or directories to watch (default: $KUBECONFIG or ~/.kube/config)")
	flags.StringVar(&config.StoreDir, "store-dir", "", "Directory for per-cluster kubeconfigs (default: <user config dir>/cluster-bridge/kubeconfigs)")
	flags.DurationVar(&config.HealthInterval, "health-interval", config.HealthInterval, "How often cluster reachability is re-checked")
	flags.DurationVar(&config.ConnectivityTimeout, "connectivity-timeout", config.ConnectivityTimeout, "Timeout of a single reachability check")
	flags.IntVar(&config.RetryAttempts, "retry-attempts", config.RetryAttempts, "Reachability checks made when connecting")
	flags.DurationVar(&config.RetryBackoff, "retry-backoff", config.RetryBackoff, "Initial delay between reachability checks when connecting")
	flags.DurationVar(&config.ProxyReadyTimeout, "proxy-ready-timeout", config.ProxyReadyTimeout, "How long an auth proxy may take to become ready")
	flags.DurationVar(&config.ShutdownTimeout, "shutdown-timeout", config.ShutdownTimeout, "Graceful shutdown timeout")
	flags.StringVar(&config.AllowedOrigins, "allowed-origins", "", "Comma-separated browser origins allowed to call the bridge API (can also be set via ALLOWED_ORIGINS env var)")
	flags.BoolVar(&config.EnableHSTS, "enable-hsts", false, "Send Strict-Transport-Security on bridge API responses")
	flags.StringVar(&config.MetricsAddr, "metrics-addr", config.MetricsAddr, "Metrics server address, used when INSTRUMENTATION_ENABLED=true")
	flags.BoolVar(&config.Debug, "debug", false, "Enable debug logging, including client-go logs")
	flags.StringVar(&config.LogFormat, "log-format", config.LogFormat, "Log format: text or json")

	return cmd
}

// runServe wires the cluster manager, router and local server and runs
// them until SIGINT or SIGTERM.
func runServe(parent context.Context, config ServeConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(os.Stderr, config.LogFormat, config.Debug)
	slog.SetDefault(logger)
	logging.RouteKlog(logger, config.Debug)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instrumentationConfig := instrumentation.DefaultConfig()
	instrumentationConfig.ServiceVersion = rootCmd.Version
	provider, err := instrumentation.NewProvider(ctx, instrumentationConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if shutdownErr := provider.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("error during instrumentation shutdown", logging.Err(shutdownErr))
		}
	}()

	if provider.Enabled() {
		logger.Info("OpenTelemetry instrumentation enabled",
			slog.String("metrics", instrumentationConfig.MetricsExporter),
			slog.String("tracing", instrumentationConfig.TracingExporter))
		if instrumentationConfig.MetricsExporter == instrumentation.ExporterPrometheus {
			metricsServer, err := startMetricsServer(config.MetricsAddr, provider, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}()
		}
	}

	manager, err := newManager(config, provider, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("error while closing clusters", logging.Err(err))
		}
	}()

	router := cluster.NewRouter(manager,
		cluster.WithRouterLogger(logger),
		cluster.WithRouterMetrics(provider.Metrics()))

	origins, err := middleware.ValidateAllowedOrigins(config.AllowedOrigins)
	if err != nil {
		return err
	}
	srv, err := server.New(manager, router,
		server.WithLogger(logger),
		server.WithInstrumentation(provider),
		server.WithConfig(server.Config{
			Addr:            config.Addr,
			Version:         rootCmd.Version,
			AllowedOrigins:  origins,
			EnableHSTS:      config.EnableHSTS,
			ShutdownTimeout: config.ShutdownTimeout,
		}))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := manager.WatchKubeconfigs(ctx, config.KubeconfigPaths...); err != nil {
		logger.Warn("kubeconfig watching is incomplete", logging.Err(err))
	}
	manager.Start(ctx)

	logger.Info("starting cluster bridge",
		slog.String("version", rootCmd.Version),
		slog.Any("kubeconfigs", config.KubeconfigPaths))
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("cluster bridge stopped")
	return nil
}

// newManager builds the cluster manager. Auth proxies are this binary
// re-executed with the auth-proxy subcommand.
func newManager(config ServeConfig, provider *instrumentation.Provider, logger *slog.Logger) (*cluster.Manager, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	managerConfig := cluster.DefaultConfig()
	managerConfig.StoreDir = config.StoreDir
	managerConfig.HealthInterval = config.HealthInterval
	managerConfig.Connectivity.ConnectionTimeout = config.ConnectivityTimeout
	managerConfig.Connectivity.RetryAttempts = config.RetryAttempts
	managerConfig.Connectivity.RetryBackoff = config.RetryBackoff
	managerConfig.AuthProxy = cluster.AuthProxyConfig{
		Executable:   executable,
		ReadyTimeout: config.ProxyReadyTimeout,
	}

	manager, err := cluster.NewManager(managerConfig,
		cluster.WithLogger(logger),
		cluster.WithMetrics(provider.Metrics()))
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster manager: %w", err)
	}
	return manager, nil
}

// startMetricsServer starts the dedicated metrics server on a separate port.
func startMetricsServer(addr string, provider *instrumentation.Provider, logger *slog.Logger) (*server.MetricsServer, error) {
	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    addr,
		InstrumentationProvider: provider,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	go func() {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", logging.Err(err))
		}
	}()

	logger.Info("metrics server started", slog.String("addr", metricsServer.Addr()), slog.String("endpoint", "/metrics"))
	return metricsServer, nil
}
