package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/server"
	"github.com/giantswarm/cluster-bridge/internal/server/middleware"
)

// envValueTrue is the string value used to enable boolean environment variables.
const envValueTrue = "true"

// Log formats accepted by --log-format.
const (
	logFormatText = "text"
	logFormatJSON = "json"
)

// ServeConfig holds all configuration for the serve command.
type ServeConfig struct {
	// Addr is the listen address of the bridge endpoint.
	Addr string

	// KubeconfigPaths are watched for clusters. Defaults to $KUBECONFIG or
	// ~/.kube/config.
	KubeconfigPaths []string

	// StoreDir holds the per-cluster kubeconfigs handed to auth proxies.
	StoreDir string

	HealthInterval      time.Duration
	ConnectivityTimeout time.Duration
	RetryAttempts       int
	RetryBackoff        time.Duration
	ProxyReadyTimeout   time.Duration
	ShutdownTimeout     time.Duration

	// AllowedOrigins is a comma-separated list of browser origins.
	AllowedOrigins string
	EnableHSTS     bool

	// MetricsAddr serves /metrics when instrumentation is enabled.
	MetricsAddr string

	Debug     bool
	LogFormat string
}

// defaultServeConfig returns the flag defaults.
func defaultServeConfig() ServeConfig {
	cc := cluster.DefaultConnectivityConfig()
	return ServeConfig{
		Addr:                server.DefaultAddr,
		HealthInterval:      cluster.DefaultHealthInterval,
		ConnectivityTimeout: cc.ConnectionTimeout,
		RetryAttempts:       cc.RetryAttempts,
		RetryBackoff:        cc.RetryBackoff,
		ProxyReadyTimeout:   30 * time.Second,
		ShutdownTimeout:     server.DefaultShutdownTimeout,
		MetricsAddr:         server.DefaultMetricsAddr,
		LogFormat:           logFormatText,
	}
}

// Validate checks the configuration and fills in path defaults.
func (c *ServeConfig) Validate() error {
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", c.HealthInterval)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.ConnectivityTimeout <= 0 || c.ProxyReadyTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	switch c.LogFormat {
	case logFormatText, logFormatJSON:
	default:
		return fmt.Errorf("unsupported log format: %s (supported: %s, %s)", c.LogFormat, logFormatText, logFormatJSON)
	}
	if _, err := middleware.ValidateAllowedOrigins(c.AllowedOrigins); err != nil {
		return err
	}

	if len(c.KubeconfigPaths) == 0 {
		c.KubeconfigPaths = defaultKubeconfigPaths()
	}
	if c.StoreDir == "" {
		dir, err := defaultStoreDir()
		if err != nil {
			return err
		}
		c.StoreDir = dir
	}
	return nil
}

// defaultKubeconfigPaths follows kubectl: every entry of $KUBECONFIG, or
// ~/.kube/config when it is unset.
func defaultKubeconfigPaths() []string {
	return clientcmd.NewDefaultClientConfigLoadingRules().GetLoadingPrecedence()
}

func defaultStoreDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return filepath.Join(base, "cluster-bridge", "kubeconfigs"), nil
}

// loadServeEnvVars loads configuration from environment variables.
// Environment variables only override flag values when the flag was not explicitly set.
func loadServeEnvVars(cmd *cobra.Command, config *ServeConfig) {
	flags := cmd.Flags()

	if !flags.Changed("addr") {
		loadEnvIfSet(&config.Addr, "BRIDGE_ADDR")
	}
	if !flags.Changed("store-dir") {
		loadEnvIfSet(&config.StoreDir, "BRIDGE_STORE_DIR")
	}
	if !flags.Changed("allowed-origins") {
		loadEnvIfSet(&config.AllowedOrigins, "ALLOWED_ORIGINS")
	}
	if !flags.Changed("metrics-addr") {
		loadEnvIfSet(&config.MetricsAddr, "METRICS_ADDR")
	}
	if !flags.Changed("log-format") {
		loadEnvIfSet(&config.LogFormat, "LOG_FORMAT")
	}
	if !flags.Changed("enable-hsts") && os.Getenv("ENABLE_HSTS") == envValueTrue {
		config.EnableHSTS = true
	}
	if !flags.Changed("debug") && os.Getenv("DEBUG") == envValueTrue {
		config.Debug = true
	}

	if !flags.Changed("health-interval") {
		if d, ok := parseDurationEnv(os.Getenv("HEALTH_INTERVAL"), "HEALTH_INTERVAL"); ok {
			config.HealthInterval = d
		}
	}
	if !flags.Changed("connectivity-timeout") {
		if d, ok := parseDurationEnv(os.Getenv("CONNECTIVITY_TIMEOUT"), "CONNECTIVITY_TIMEOUT"); ok {
			config.ConnectivityTimeout = d
		}
	}
	if !flags.Changed("retry-attempts") {
		if n, ok := parseIntEnv(os.Getenv("CONNECTIVITY_RETRY_ATTEMPTS"), "CONNECTIVITY_RETRY_ATTEMPTS"); ok {
			config.RetryAttempts = n
		}
	}
	if !flags.Changed("retry-backoff") {
		if d, ok := parseDurationEnv(os.Getenv("CONNECTIVITY_RETRY_BACKOFF"), "CONNECTIVITY_RETRY_BACKOFF"); ok {
			config.RetryBackoff = d
		}
	}
	if !flags.Changed("proxy-ready-timeout") {
		if d, ok := parseDurationEnv(os.Getenv("AUTH_PROXY_READY_TIMEOUT"), "AUTH_PROXY_READY_TIMEOUT"); ok {
			config.ProxyReadyTimeout = d
		}
	}
}

// loadEnvIfSet copies an environment variable into target when it is set.
func loadEnvIfSet(target *string, envKey string) {
	if value := os.Getenv(envKey); value != "" {
		*target = value
	}
}

// parseDurationEnv parses a duration from an environment variable value.
// Returns the parsed duration and true if successful, or zero and false if parsing fails.
// Logs a warning if the value is present but invalid.
func parseDurationEnv(value, envName string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in environment", slog.String("env", envName), slog.String("value", value), slog.Any("error", err))
		return 0, false
	}
	return d, true
}

// parseIntEnv parses an integer from an environment variable value.
// Returns the parsed int and true if successful, or zero and false if parsing fails.
func parseIntEnv(value, envName string) (int, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer in environment", slog.String("env", envName), slog.String("value", value), slog.Any("error", err))
		return 0, false
	}
	return n, true
}

// newLogger builds the process logger. Logs go to w, which is stderr in
// practice: the auth-proxy subcommand owns stdout.
func newLogger(w io.Writer, format string, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	if strings.EqualFold(format, logFormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
