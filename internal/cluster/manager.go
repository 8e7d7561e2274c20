package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/cluster-bridge/internal/authproxy"
	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/events"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// DefaultHealthInterval is how often reachability is re-checked.
const DefaultHealthInterval = 30 * time.Second

// AuthProxyConfig configures the auth proxy subprocesses.
type AuthProxyConfig struct {
	// Executable defaults to the running binary.
	Executable   string
	PrefixArgs   []string
	ReadyTimeout time.Duration
}

// Config configures a Manager.
type Config struct {
	// StoreDir holds the materialized per-cluster kubeconfigs.
	StoreDir string

	// HealthInterval defaults to DefaultHealthInterval.
	HealthInterval time.Duration

	Connectivity ConnectivityConfig
	AuthProxy    AuthProxyConfig
}

// DefaultConfig returns the default manager configuration without a store
// directory.
func DefaultConfig() Config {
	return Config{
		HealthInterval: DefaultHealthInterval,
		Connectivity:   DefaultConnectivityConfig(),
	}
}

// ProxyFactory creates the auth proxy of a cluster.
type ProxyFactory func(cfg authproxy.Config, onExit authproxy.ExitHandler) contexthandler.ProxyServer

// ReachabilityCheck reports whether the API server of conn can be reached.
type ReachabilityCheck func(ctx context.Context, conn *Connection) error

// Manager is the registry of cluster connections. It owns every
// connection's lifecycle and is the only place connections are created or
// destroyed.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	bus     *events.Bus

	newProxy      ProxyFactory
	clientFactory contexthandler.ClientFactory
	check         ReachabilityCheck
	extensions    []Extension

	mu          sync.RWMutex
	connections map[string]*Connection
	routerURL   string
	closed      bool

	watcher    *kubeconfig.Watcher
	stopHealth context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records cluster state transitions and everything below.
func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithEventBus publishes registry and lifecycle events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithProxyFactory overrides how auth proxies are created.
func WithProxyFactory(f ProxyFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.newProxy = f
		}
	}
}

// WithClientFactory overrides how context handlers build Kubernetes clients.
func WithClientFactory(f contexthandler.ClientFactory) Option {
	return func(m *Manager) {
		m.clientFactory = f
	}
}

// WithReachabilityCheck overrides the API server reachability check.
func WithReachabilityCheck(check ReachabilityCheck) Option {
	return func(m *Manager) {
		if check != nil {
			m.check = check
		}
	}
}

// NewManager creates an empty registry.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("cluster manager requires a store directory")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Connectivity == (ConnectivityConfig{}) {
		cfg.Connectivity = DefaultConnectivityConfig()
	}

	m := &Manager{
		cfg:         cfg,
		logger:      slog.Default(),
		bus:         events.NewBus(),
		connections: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithComponent(m.logger, "cluster-manager")
	if m.newProxy == nil {
		m.newProxy = m.defaultProxy
	}
	if m.check == nil {
		m.check = m.checkDirect
	}
	return m, nil
}

func (m *Manager) defaultProxy(cfg authproxy.Config, onExit authproxy.ExitHandler) contexthandler.ProxyServer {
	return authproxy.NewProcess(cfg,
		authproxy.WithLogger(m.logger),
		authproxy.WithMetrics(m.metrics),
		authproxy.WithExitHandler(onExit))
}

// Bus returns the event bus the manager publishes on.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// SetRouterURL tells connections where the local router serves watches.
func (m *Manager) SetRouterURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routerURL = url
}

// RouterURL returns the URL set with SetRouterURL.
func (m *Manager) RouterURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routerURL
}

func (m *Manager) checkClosed() error {
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// Add registers the cluster of src. A second Add for the same kubeconfig
// path and context updates the existing connection instead of creating
// another one: the kubeconfig is materialized again, preferences are
// replaced and a running auth proxy is restarted to pick up the change.
func (m *Manager) Add(ctx context.Context, src Source, prefs Preferences) (*Connection, error) {
	return m.upsert(ctx, src, &prefs)
}

// upsert registers or updates a connection. nil prefs keeps the existing
// preferences of an update.
func (m *Manager) upsert(ctx context.Context, src Source, prefs *Preferences) (*Connection, error) {
	if src.Config == nil {
		return nil, errors.New("cluster source without kubeconfig")
	}
	if prefs != nil {
		if _, err := prefs.prometheusService(); err != nil {
			return nil, err
		}
	}
	if src.ContextName == "" {
		src.ContextName = src.Config.CurrentContext
	}
	// The materialized file holds the registered context only.
	single, err := kubeconfig.ExtractContext(src.Config, src.ContextName)
	if err != nil {
		return nil, err
	}
	src.Config = single
	id := ID(src.KubeconfigPath, src.ContextName)

	m.mu.Lock()
	if err := m.checkClosed(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if existing, ok := m.connections[id]; ok {
		m.mu.Unlock()
		return existing, m.update(ctx, existing, src.Config, prefs)
	}

	materialized, err := kubeconfig.Materialize(m.cfg.StoreDir, id, src.Config)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	conn := &Connection{
		id:           id,
		path:         src.KubeconfigPath,
		contextName:  src.ContextName,
		logger:       logging.WithCluster(m.logger, id).With(logging.Context(src.ContextName)),
		metrics:      m.metrics,
		bus:          m.bus,
		cfg:          src.Config,
		materialized: materialized,
		state:        StateDisconnected,
		watchURL:     m.RouterURL,
	}
	if prefs != nil {
		conn.prefs = prefs.clone()
	}
	m.attachHandler(conn, 0)
	m.connections[id] = conn
	m.mu.Unlock()

	conn.logger.Info("cluster added", logging.Host(conn.Status().Server))
	m.bus.Publish(events.Event{Type: events.EventClusterAdded, ClusterID: id})
	m.publishCatalog()
	return conn, nil
}

// attachHandler builds the auth proxy and context handler of conn from its
// current kubeconfig and preferences. A non-zero port is kept for the new
// proxy. The caller holds m.mu or owns conn exclusively.
func (m *Manager) attachHandler(conn *Connection, port int) {
	prefs := conn.Preferences()
	proxy := m.newProxy(authproxy.Config{
		ClusterID:      conn.id,
		KubeconfigPath: conn.MaterializedPath(),
		Executable:     m.cfg.AuthProxy.Executable,
		PrefixArgs:     m.cfg.AuthProxy.PrefixArgs,
		Port:           port,
		HTTPSProxy:     prefs.HTTPSProxy,
		ReadyTimeout:   m.cfg.AuthProxy.ReadyTimeout,
	}, func(err error) { m.onProxyExit(conn, err) })

	opts := []contexthandler.Option{
		contexthandler.WithLogger(m.logger),
		contexthandler.WithPreferredPrometheus(prefs.PrometheusProvider),
	}
	// Validated by Add and SetPreferences.
	if svc, err := prefs.prometheusService(); err == nil && svc != nil {
		opts = append(opts, contexthandler.WithPrometheusService(svc))
	}
	if m.clientFactory != nil {
		opts = append(opts, contexthandler.WithClientFactory(m.clientFactory))
	}

	conn.mu.Lock()
	conn.proxy = proxy
	conn.handler = contexthandler.New(conn.id, proxy, opts...)
	conn.mu.Unlock()
}

func (m *Manager) update(ctx context.Context, conn *Connection, cfg *kubeconfig.Config, prefs *Preferences) error {
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	if _, err := kubeconfig.Materialize(m.cfg.StoreDir, conn.id, cfg); err != nil {
		return err
	}

	conn.mu.Lock()
	old := conn.prefs
	conn.cfg = cfg
	if prefs != nil {
		conn.prefs = prefs.clone()
	}
	rebuild := conn.prefs.HTTPSProxy != old.HTTPSProxy ||
		conn.prefs.PrometheusProvider != old.PrometheusProvider ||
		conn.prefs.PrometheusService != old.PrometheusService
	connected := conn.state == StateConnected
	port := conn.proxy.Port()
	conn.mu.Unlock()

	if rebuild {
		// Proxy environment and Prometheus settings are fixed per handler.
		if err := conn.Handler().StopServer(); err != nil {
			conn.logger.Warn("failed to stop auth proxy", logging.Err(err))
		}
		conn.dropClients()
		m.attachHandler(conn, port)
	}

	if connected {
		conn.dropClients()
		if err := conn.Handler().RestartServer(ctx); err != nil {
			conn.setOnline(false)
			conn.setState(StateError, err)
			return err
		}
	}

	conn.logger.Info("cluster updated")
	m.bus.Publish(events.Event{Type: events.EventClusterUpdated, ClusterID: conn.id})
	m.publishCatalog()
	return nil
}

// SetPreferences replaces the preferences of a cluster. A connected cluster
// gets its auth proxy restarted.
func (m *Manager) SetPreferences(ctx context.Context, id string, prefs Preferences) error {
	if _, err := prefs.prometheusService(); err != nil {
		return err
	}
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.update(ctx, conn, conn.config(), &prefs)
}

// Closed reports whether Close was called.
func (m *Manager) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Get returns the connection with the given ID.
func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	if !ok {
		return nil, &ClusterNotFoundError{ClusterID: id}
	}
	return conn, nil
}

func (m *Manager) lookup(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[id]
}

// List returns all connections ordered by name, then ID.
func (m *Manager) List() []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		out = append(out, conn)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Connection) int {
		if c := strings.Compare(a.Name(), b.Name()); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

// Connect starts the auth proxy of a cluster, checks that the API server
// answers through it and discovers the accessible namespaces. Any failure
// leaves the cluster in StateError with the message retained.
func (m *Manager) Connect(ctx context.Context, id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	if conn.State() == StateConnected {
		return nil
	}

	ctx, span := instrumentation.StartClusterSpan(ctx, "connect", conn.id, conn.contextName)
	defer span.End()

	conn.setState(StateConnecting, nil)

	fail := func(err error) error {
		if stopErr := conn.Handler().StopServer(); stopErr != nil {
			conn.logger.Warn("failed to stop auth proxy", logging.Err(stopErr))
		}
		conn.dropClients()
		conn.setOnline(false)
		conn.setState(StateError, err)
		instrumentation.SetSpanError(span, err)
		if traceID := instrumentation.GetTraceID(ctx); traceID != "" {
			conn.logger.Debug("connect failed", slog.String("trace_id", traceID), logging.SanitizedErr(err))
		}
		return err
	}

	if err := kubeconfig.ValidateContext(conn.config(), conn.contextName); err != nil {
		return fail(err)
	}

	handler := conn.Handler()
	if err := handler.EnsureServer(ctx); err != nil {
		return fail(err)
	}
	port := conn.proxyPort()
	instrumentation.AddSpanEvent(span, "auth_proxy_ready", attribute.Int("port", port))
	m.bus.Publish(events.Event{Type: events.EventAuthProxyReady, ClusterID: conn.id, Port: port})

	if err := m.check(ctx, conn); err != nil {
		return fail(err)
	}
	conn.setOnline(true)

	conn.setNamespaces(m.accessibleNamespaces(ctx, conn))
	conn.setState(StateConnected, nil)
	m.enableExtensions(ctx, conn)
	instrumentation.SetSpanSuccess(span)
	m.publishCatalog()
	return nil
}

// Disconnect stops the auth proxy of a cluster and drops every client built
// on it. Disconnecting a disconnected cluster is a no-op.
func (m *Manager) Disconnect(id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	conn.opMu.Lock()
	defer conn.opMu.Unlock()
	return m.disconnect(conn)
}

func (m *Manager) disconnect(conn *Connection) error {
	m.disableExtensions(conn)
	conn.dropClients()
	err := conn.Handler().StopServer()
	conn.setNamespaces(nil)
	conn.setOnline(false)
	if conn.State() != StateDisconnected {
		conn.setState(StateDisconnected, nil)
		m.publishCatalog()
	}
	return err
}

// Reconnect disconnects and connects a cluster again. This is the only way
// out of StateError after an auth proxy crash.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	if err := m.Disconnect(id); err != nil {
		return err
	}
	return m.Connect(ctx, id)
}

// Remove stops the auth proxy of a cluster, deletes its materialized
// kubeconfig and only then drops it from the registry.
func (m *Manager) Remove(id string) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	if err := m.disconnect(conn); err != nil {
		return fmt.Errorf("failed to stop auth proxy of cluster %s: %w", id, err)
	}
	if err := kubeconfig.RemoveMaterialized(m.cfg.StoreDir, id); err != nil {
		conn.logger.Warn("failed to remove materialized kubeconfig", logging.Err(err))
	}

	m.mu.Lock()
	delete(m.connections, id)
	m.mu.Unlock()
	conn.mu.Lock()
	conn.removed = true
	conn.mu.Unlock()

	conn.logger.Info("cluster removed")
	m.bus.Publish(events.Event{Type: events.EventClusterRemoved, ClusterID: id})
	m.publishCatalog()
	return nil
}

// onProxyExit marks a cluster failed when its auth proxy dies. The proxy is
// not respawned; Reconnect starts a new one.
func (m *Manager) onProxyExit(conn *Connection, err error) {
	conn.mu.RLock()
	removed := conn.removed
	conn.mu.RUnlock()
	if removed {
		return
	}

	conn.dropClients()
	conn.setOnline(false)
	conn.setState(StateError, fmt.Errorf("auth proxy exited: %w", err))
	m.bus.Publish(events.Event{Type: events.EventAuthProxyExited, ClusterID: conn.id, Err: err})
	m.publishCatalog()
}

// Close stops background work and every auth proxy. The registry can not be
// used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.stopHealth
	watcher := m.watcher
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	m.wg.Wait()

	var errs []error
	for _, conn := range conns {
		conn.opMu.Lock()
		if err := m.disconnect(conn); err != nil {
			errs = append(errs, err)
		}
		conn.opMu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *Connection) proxyPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxy.Port()
}
