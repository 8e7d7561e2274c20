package cluster

import (
	"context"
	"net"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/giantswarm/cluster-bridge/internal/authproxy"
	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/events"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
)

const twoContexts = `apiVersion: v1
kind: Config
current-context: foo
clusters:
- name: clusterA
  cluster:
    server: https://10.0.0.1:6443
- name: clusterB
  cluster:
    server: https://b.example.com
users:
- name: userA
  user:
    token: token-a
- name: userB
  user:
    token: token-b
contexts:
- name: foo
  context:
    cluster: clusterA
    user: userA
    namespace: team-a
- name: bar
  context:
    cluster: clusterB
    user: userB
`

// fakeProxy stands in for the auth proxy subprocess.
type fakeProxy struct {
	mu       sync.Mutex
	cfg      authproxy.Config
	onExit   authproxy.ExitHandler
	port     int
	ready    bool
	starts   int
	stops    int
	startErr error
	onStop   func()
}

func (p *fakeProxy) Start(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.startErr != nil {
		return 0, p.startErr
	}
	p.ready = true
	return p.port, nil
}

func (p *fakeProxy) Restart(ctx context.Context) (int, error) {
	_ = p.Stop()
	return p.Start(ctx)
}

func (p *fakeProxy) Stop() error {
	p.mu.Lock()
	onStop := p.onStop
	p.stops++
	p.ready = false
	p.mu.Unlock()
	if onStop != nil {
		onStop()
	}
	return nil
}

func (p *fakeProxy) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakeProxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// crash simulates the subprocess dying after it became ready.
func (p *fakeProxy) crash(err error) {
	p.mu.Lock()
	p.ready = false
	onExit := p.onExit
	p.mu.Unlock()
	onExit(err)
}

func (p *fakeProxy) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

// testEnv wires a manager to fake proxies, a fake clientset and a
// controllable reachability check.
type testEnv struct {
	t         *testing.T
	manager   *Manager
	clientset *fake.Clientset
	dir       string

	mu        sync.Mutex
	proxies   map[string]*fakeProxy
	port      int
	startErr  error
	reachable map[string]error
	events    []events.Event
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		clientset: fake.NewClientset(),
		dir:       t.TempDir(),
		proxies:   make(map[string]*fakeProxy),
		reachable: make(map[string]error),
		port:      40100,
	}

	opts = append([]Option{
		WithProxyFactory(env.newProxy),
		WithClientFactory(func(*contexthandler.APITarget) (kubernetes.Interface, error) {
			return env.clientset, nil
		}),
		WithReachabilityCheck(func(_ context.Context, conn *Connection) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.reachable[conn.ID()]
		}),
	}, opts...)
	m, err := NewManager(Config{StoreDir: filepath.Join(env.dir, "store")}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	m.Bus().Subscribe(func(ev events.Event) {
		env.mu.Lock()
		env.events = append(env.events, ev)
		env.mu.Unlock()
	},
		events.EventClusterAdded, events.EventClusterUpdated, events.EventClusterRemoved,
		events.EventClusterStateChanged, events.EventClusterOnlineChanged,
		events.EventAuthProxyReady, events.EventAuthProxyExited, events.EventCatalogChanged)

	env.manager = m
	return env
}

func (e *testEnv) newProxy(cfg authproxy.Config, onExit authproxy.ExitHandler) contexthandler.ProxyServer {
	e.mu.Lock()
	defer e.mu.Unlock()
	port := cfg.Port
	if port == 0 {
		port = e.port
	}
	p := &fakeProxy{cfg: cfg, onExit: onExit, port: port, startErr: e.startErr}
	e.proxies[cfg.ClusterID] = p
	return p
}

func (e *testEnv) proxy(id string) *fakeProxy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxies[id]
}

func (e *testEnv) setReachable(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reachable[id] = err
}

func (e *testEnv) eventsOf(t events.EventType, id string) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, ev := range e.events {
		if ev.Type == t && (id == "" || ev.ClusterID == id) {
			out = append(out, ev)
		}
	}
	return out
}

// writeKubeconfig writes content to a file in the env directory.
func (e *testEnv) writeKubeconfig(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// addContext registers one context of twoContexts.
func (e *testEnv) addContext(contextName string, prefs Preferences) *Connection {
	e.t.Helper()
	path := e.writeKubeconfig("config", twoContexts)
	cfg, err := kubeconfig.Load(path)
	require.NoError(e.t, err)
	for _, single := range kubeconfig.SplitByContext(cfg) {
		if single.CurrentContext == contextName {
			conn, err := e.manager.Add(context.Background(), Source{KubeconfigPath: path, ContextName: contextName, Config: single}, prefs)
			require.NoError(e.t, err)
			return conn
		}
	}
	e.t.Fatalf("context %s not in fixture", contextName)
	return nil
}

// allowNamespaceList makes the fake API server allow listing namespaces and
// serve the given ones.
func (e *testEnv) allowNamespaceList(names ...string) {
	e.clientset.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		review.Status.Allowed = true
		return true, review, nil
	})
	for _, name := range names {
		_, err := e.clientset.CoreV1().Namespaces().Create(context.Background(),
			&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}, metav1.CreateOptions{})
		require.NoError(e.t, err)
	}
}

func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
