package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
	"github.com/giantswarm/cluster-bridge/internal/watch"
)

// longRunningSubresources never finish on their own.
var longRunningSubresources = map[string]bool{
	"exec":        true,
	"attach":      true,
	"portforward": true,
}

// IsLongRunning reports whether a Kubernetes API request is expected to stay
// open: watches, followed logs, exec, attach, port forwards and upgrades.
func IsLongRunning(r *http.Request) bool {
	q := r.URL.Query()
	if w := q.Get("watch"); w == "1" || w == "true" {
		return true
	}
	if q.Get("follow") == "true" {
		return true
	}
	if websocket.IsWebSocketUpgrade(r) || r.Header.Get("Upgrade") != "" {
		return true
	}
	segment := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	return longRunningSubresources[segment]
}

// Router is the local HTTP surface. Every request is routed to a cluster
// and forwarded to its auth proxy, except the multiplexed watch endpoint
// and shell upgrades which are served here.
type Router struct {
	manager   *Manager
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	shell     ShellOpener
	upgrader  websocket.Upgrader
	watches   *watch.StreamHandler
	transport http.RoundTripper
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRouterMetrics records routed requests.
func WithRouterMetrics(metrics *instrumentation.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithShellOpener enables shell sessions on ShellPath.
func WithShellOpener(opener ShellOpener) RouterOption {
	return func(r *Router) {
		r.shell = opener
	}
}

// WithTransport overrides the transport to the auth proxies.
func WithTransport(rt http.RoundTripper) RouterOption {
	return func(r *Router) {
		if rt != nil {
			r.transport = rt
		}
	}
}

// NewRouter creates the router for m.
func NewRouter(m *Manager, opts ...RouterOption) *Router {
	r := &Router{
		manager:   m,
		logger:    slog.Default(),
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "router")
	r.upgrader = websocket.Upgrader{CheckOrigin: isLocalOrigin}
	r.watches = watch.NewStreamHandler(r.resolveWatch, r.logger)
	return r
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := rt.manager.Route(r)
	if !ok {
		http.Error(w, "cluster not found", http.StatusNotFound)
		return
	}
	conn := route.Connection

	// Downstream handlers see the cluster-relative path and an explicit
	// cluster header.
	req := r.Clone(r.Context())
	req.URL.Path = route.Path
	req.URL.RawPath = ""
	req.Header.Set(ClusterIDHeader, conn.ID())

	switch {
	case route.Path == ShellPath && websocket.IsWebSocketUpgrade(r):
		rt.serveShell(w, req, conn)
	case route.Path == watch.WatchPath:
		rt.watches.ServeHTTP(w, req)
	default:
		rt.proxy(w, req, conn)
	}
}

func (rt *Router) proxy(w http.ResponseWriter, r *http.Request, conn *Connection) {
	if st := conn.Status(); st.State != StateConnected {
		msg := fmt.Sprintf("cluster %s is %s", conn.ID(), st.State)
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}

	longRunning := IsLongRunning(r)
	target, err := conn.Handler().GetAPITarget(r.Context(), longRunning)
	if err != nil {
		if errors.Is(err, contexthandler.ErrProxyLaunch) {
			conn.setState(StateError, err)
			rt.manager.publishCatalog()
		}
		http.Error(w, "auth proxy unavailable: "+err.Error(), http.StatusBadGateway)
		return
	}
	targetURL, err := url.Parse(target.URL())
	if err != nil {
		http.Error(w, "invalid proxy target", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), target.Timeout)
	defer cancel()

	status := http.StatusBadGateway
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(targetURL)
			pr.Out.Header.Del(ClusterIDHeader)
		},
		Transport: rt.transport,
		ModifyResponse: func(resp *http.Response) error {
			status = resp.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if !errors.Is(err, context.Canceled) {
				conn.logger.Warn("proxy request failed",
					slog.String("method", r.Method),
					logging.URL(r.URL.Path),
					logging.SanitizedErr(err))
			}
			http.Error(w, "cluster proxy error", http.StatusBadGateway)
		},
	}
	if longRunning {
		proxy.FlushInterval = -1
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
	rt.metrics.RecordProxyRequest(r.Context(), conn.ContextName(), longRunning, status)
}

// resolveWatch gives the watch handler an upstream that opens each watch
// through the auth proxy of the request's cluster.
func (rt *Router) resolveWatch(r *http.Request) (watch.Upstream, error) {
	conn := rt.manager.GetByRequest(r)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", watch.ErrUnknownCluster, r.Header.Get(ClusterIDHeader))
	}
	if st := conn.State(); st != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, conn.ID(), st)
	}
	client := &http.Client{Transport: rt.transport}
	return watch.UpstreamFunc(func(ctx context.Context, apiURL string) (*http.Response, error) {
		target, err := conn.Handler().GetAPITarget(ctx, true)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(target.URL(), "/")+apiURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return client.Do(req)
	}), nil
}

// isLocalOrigin accepts upgrades from loopback pages and from clients that
// send no Origin at all.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return EndpointType(u.Host) == "local" || strings.HasSuffix(u.Hostname(), ".localhost")
}
