package contexthandler

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/authproxy"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// Request timeouts handed out with API targets.
const (
	DefaultTimeout     = 30 * time.Second
	LongRunningTimeout = 4 * time.Hour
)

// ProxyLaunchError is returned when the auth proxy cannot be started.
type ProxyLaunchError = authproxy.LaunchError

// ErrProxyLaunch is matched by every ProxyLaunchError.
var ErrProxyLaunch = authproxy.ErrProxyLaunch

// ProxyServer is the auth proxy of one cluster. *authproxy.Process
// implements it.
type ProxyServer interface {
	Start(ctx context.Context) (int, error)
	Restart(ctx context.Context) (int, error)
	Stop() error
	Ready() bool
	Port() int
}

// APITarget describes where and how to forward a request for the cluster.
type APITarget struct {
	Host    string
	Port    int
	Path    string
	Timeout time.Duration
}

// URL returns the plain HTTP base URL of the target.
func (t APITarget) URL() string {
	return "http://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) + t.Path
}

// ClientFactory builds a Kubernetes client that talks to the cluster
// through target.
type ClientFactory func(target *APITarget) (kubernetes.Interface, error)

// Handler owns the auth proxy of one cluster and everything derived from it.
type Handler struct {
	clusterID string
	proxy     ProxyServer
	logger    *slog.Logger

	newClient         ClientFactory
	providers         []PrometheusProvider
	preferredProvider string
	prometheusService *PrometheusService

	mu         sync.Mutex
	target     *APITarget
	prometheus *PrometheusDetails
	client     kubernetes.Interface
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClientFactory overrides how Kubernetes clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(h *Handler) {
		if f != nil {
			h.newClient = f
		}
	}
}

// WithPrometheusProviders replaces the default providers.
func WithPrometheusProviders(providers ...PrometheusProvider) Option {
	return func(h *Handler) {
		h.providers = providers
	}
}

// WithPreferredPrometheus makes the provider with the given ID the only one
// queried. An empty ID races all providers.
func WithPreferredPrometheus(id string) Option {
	return func(h *Handler) {
		h.preferredProvider = id
	}
}

// WithPrometheusService skips detection and always reports svc.
func WithPrometheusService(svc *PrometheusService) Option {
	return func(h *Handler) {
		h.prometheusService = svc
	}
}

// New creates a handler for clusterID around proxy.
func New(clusterID string, proxy ProxyServer, opts ...Option) *Handler {
	h := &Handler{
		clusterID: clusterID,
		proxy:     proxy,
		logger:    slog.Default(),
		newClient: defaultClientFactory,
		providers: DefaultPrometheusProviders(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.WithCluster(logging.WithComponent(h.logger, "contexthandler"), clusterID)
	return h
}

// ClusterID returns the cluster this handler belongs to.
func (h *Handler) ClusterID() string {
	return h.clusterID
}

// EnsureServer starts the auth proxy unless it is already running and ready.
// It returns once the proxy accepts connections.
func (h *Handler) EnsureServer(ctx context.Context) error {
	if h.proxy.Ready() {
		return nil
	}
	port, err := h.proxy.Start(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.target != nil && h.target.Port != port {
		h.target = nil
		h.client = nil
	}
	h.mu.Unlock()
	return nil
}

// GetAPITarget returns where to forward a request. Long-running requests
// such as watches get a fresh target with a multi-hour timeout; all other
// requests share a cached target with the default timeout.
func (h *Handler) GetAPITarget(ctx context.Context, longRunning bool) (*APITarget, error) {
	if err := h.EnsureServer(ctx); err != nil {
		return nil, err
	}

	if longRunning {
		return h.newTarget(LongRunningTimeout), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target == nil {
		h.target = h.newTarget(DefaultTimeout)
	}
	t := *h.target
	return &t, nil
}

func (h *Handler) newTarget(timeout time.Duration) *APITarget {
	return &APITarget{
		Host:    "127.0.0.1",
		Port:    h.proxy.Port(),
		Path:    "/",
		Timeout: timeout,
	}
}

// RestartServer relaunches the auth proxy, e.g. after proxy or CA settings
// changed. Cached targets and clients are dropped.
func (h *Handler) RestartServer(ctx context.Context) error {
	h.clear()
	if _, err := h.proxy.Restart(ctx); err != nil {
		return err
	}
	h.logger.Info("auth proxy restarted")
	return nil
}

// StopServer stops the auth proxy and clears all cached state. It is safe
// to call more than once.
func (h *Handler) StopServer() error {
	h.clear()
	if err := h.proxy.Stop(); err != nil {
		return fmt.Errorf("failed to stop auth proxy for cluster %s: %w", h.clusterID, err)
	}
	return nil
}

func (h *Handler) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = nil
	h.prometheus = nil
	h.client = nil
}

// Client returns a Kubernetes client that talks through the auth proxy.
func (h *Handler) Client(ctx context.Context) (kubernetes.Interface, error) {
	target, err := h.GetAPITarget(ctx, false)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}
	client, err := h.newClient(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for cluster %s: %w", h.clusterID, err)
	}
	h.client = client
	return client, nil
}

func defaultClientFactory(target *APITarget) (kubernetes.Interface, error) {
	return kubernetes.NewForConfig(&rest.Config{
		Host:    target.URL(),
		Timeout: target.Timeout,
		QPS:     50,
		Burst:   100,
	})
}
