package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/apiversion"
	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/events"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/kubeapi"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
	"github.com/giantswarm/cluster-bridge/internal/watch"
)

// Connection is one registered cluster: a single kubeconfig context with its
// auth proxy, context handler and all per-cluster caches. Nothing cached by
// a Connection is shared with another one.
type Connection struct {
	id          string
	path        string
	contextName string

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	bus     *events.Bus

	// opMu serializes Connect, Disconnect and Remove.
	opMu sync.Mutex
	// enabled extensions, guarded by opMu.
	enabled []Extension

	mu           sync.RWMutex
	cfg          *kubeconfig.Config
	prefs        Preferences
	materialized string
	proxy        contexthandler.ProxyServer
	handler      *contexthandler.Handler
	state        State
	lastErr      string
	online       bool
	namespaces   []string
	lastSeen     time.Time
	removed      bool

	apiMu      sync.Mutex
	restClient rest.Interface
	negotiator *apiversion.Negotiator
	mux        *watch.Multiplexer
	watchURL   func() string
}

// ID returns the stable cluster ID.
func (c *Connection) ID() string { return c.id }

// ContextName returns the kubeconfig context of the cluster.
func (c *Connection) ContextName() string { return c.contextName }

// KubeconfigPath returns the kubeconfig file the cluster was found in.
func (c *Connection) KubeconfigPath() string { return c.path }

// Name returns the display name.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.prefs.Name != "" {
		return c.prefs.Name
	}
	return c.contextName
}

// MaterializedPath returns the isolated kubeconfig the auth proxy reads.
func (c *Connection) MaterializedPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.materialized
}

// Preferences returns a copy of the cluster preferences.
func (c *Connection) Preferences() Preferences {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefs.clone()
}

// State returns the connection state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Online reports whether the last reachability check succeeded.
func (c *Connection) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// Handler returns the context handler that owns the auth proxy.
func (c *Connection) Handler() *contexthandler.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		ID:             c.id,
		Name:           c.contextName,
		ContextName:    c.contextName,
		KubeconfigPath: c.path,
		State:          c.state,
		LastError:      c.lastErr,
		Online:         c.online,
		Namespaces:     slices.Clone(c.namespaces),
		LastSeen:       c.lastSeen,
	}
	if c.prefs.Name != "" {
		st.Name = c.prefs.Name
	}
	if ctx, ok := c.cfg.Context(c.contextName); ok {
		if cl, ok := c.cfg.Cluster(ctx.Context.Cluster); ok {
			st.Server = cl.Server()
		}
		if u, ok := c.cfg.User(ctx.Context.User); ok {
			st.AuthMethod = u.AuthMethod()
		}
	}
	return st
}

// defaultNamespace is the namespace of the kubeconfig context, or "default".
func (c *Connection) defaultNamespace() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ctx, ok := c.cfg.Context(c.contextName); ok && ctx.Context.Namespace != "" {
		return ctx.Context.Namespace
	}
	return "default"
}

func (c *Connection) config() *kubeconfig.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// setState moves the connection to a new state. err is kept as the last
// error message when moving to StateError and cleared otherwise.
func (c *Connection) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if to == StateError && err != nil {
		c.lastErr = err.Error()
	} else if to != StateError {
		c.lastErr = ""
	}
	c.mu.Unlock()

	if from == to && err == nil {
		return
	}
	c.metrics.RecordClusterState(context.Background(), c.contextName, string(from), string(to))
	attrs := []any{slog.String("from", string(from)), logging.Status(string(to))}
	if err != nil {
		attrs = append(attrs, logging.SanitizedErr(err))
	}
	c.logger.Info("cluster state changed", attrs...)
	c.bus.Publish(events.Event{Type: events.EventClusterStateChanged, ClusterID: c.id, State: string(to), Err: err})
}

// setOnline records a reachability result and reports whether it changed.
func (c *Connection) setOnline(online bool) bool {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	if online {
		c.lastSeen = time.Now()
	}
	c.mu.Unlock()

	if changed {
		c.logger.Info("cluster reachability changed", slog.Bool("online", online))
		c.bus.Publish(events.Event{Type: events.EventClusterOnlineChanged, ClusterID: c.id, Online: online})
	}
	return changed
}

func (c *Connection) setNamespaces(namespaces []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespaces = namespaces
}

// RESTClient returns a REST client that talks to the cluster through its
// auth proxy.
func (c *Connection) RESTClient(ctx context.Context) (rest.Interface, error) {
	if st := c.State(); st != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, c.id, st)
	}

	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.restClient != nil {
		return c.restClient, nil
	}

	target, err := c.Handler().GetAPITarget(ctx, false)
	if err != nil {
		return nil, err
	}
	client, err := rest.UnversionedRESTClientFor(&rest.Config{
		Host:    target.URL(),
		Timeout: target.Timeout,
		QPS:     50,
		Burst:   100,
		ContentConfig: rest.ContentConfig{
			NegotiatedSerializer: scheme.Codecs.WithoutConversion(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rest client for cluster %s: %w", c.id, err)
	}
	c.restClient = client
	return client, nil
}

// Negotiator returns the API version negotiator of the cluster. Its cache
// lives until the connection is torn down.
func (c *Connection) Negotiator(ctx context.Context) (*apiversion.Negotiator, error) {
	client, err := c.RESTClient(ctx)
	if err != nil {
		return nil, err
	}

	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.negotiator == nil {
		c.negotiator = apiversion.NewNegotiator(client,
			apiversion.WithLogger(c.logger),
			apiversion.WithMetrics(c.metrics))
	}
	return c.negotiator, nil
}

// Multiplexer returns the watch multiplexer of the cluster. It streams
// through the local router, which must be serving.
func (c *Connection) Multiplexer() (*watch.Multiplexer, error) {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.mux != nil {
		return c.mux, nil
	}
	base := ""
	if c.watchURL != nil {
		base = c.watchURL()
	}
	if base == "" {
		return nil, fmt.Errorf("no router serving watches for cluster %s", c.id)
	}
	c.mux = watch.NewMultiplexer(watch.Config{
		BaseURL:      base,
		ClusterID:    c.id,
		WatchTimeout: contexthandler.LongRunningTimeout,
	}, watch.WithLogger(c.logger), watch.WithMetrics(c.metrics))
	return c.mux, nil
}

// ResourceClient builds a typed client for one resource kind of conn.
func ResourceClient[T any](ctx context.Context, conn *Connection, d apiversion.Descriptor) (*kubeapi.Client[T], error) {
	client, err := conn.RESTClient(ctx)
	if err != nil {
		return nil, err
	}
	negotiator, err := conn.Negotiator(ctx)
	if err != nil {
		return nil, err
	}
	return kubeapi.New[T](d, client, negotiator,
		kubeapi.WithLogger(conn.logger),
		kubeapi.WithMetrics(conn.metrics)), nil
}

// dropClients disconnects the multiplexer and forgets every client and
// negotiation result built on the current auth proxy.
func (c *Connection) dropClients() {
	c.apiMu.Lock()
	mux := c.mux
	if c.negotiator != nil {
		c.negotiator.Reset()
	}
	c.mux = nil
	c.negotiator = nil
	c.restClient = nil
	c.apiMu.Unlock()

	if mux != nil {
		mux.Disconnect()
	}
}
