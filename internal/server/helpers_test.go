package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/giantswarm/cluster-bridge/internal/authproxy"
	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
)

const devAndProd = `apiVersion: v1
kind: Config
current-context: dev
clusters:
- name: dev
  cluster:
    server: https://dev.example.com
- name: prod
  cluster:
    server: https://prod.example.com
users:
- name: me
  user:
    token: secret
contexts:
- name: dev
  context:
    cluster: dev
    user: me
- name: prod
  context:
    cluster: prod
    user: me
`

type stubProxy struct {
	mu    sync.Mutex
	ready bool
}

func (p *stubProxy) Start(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	return 40200, nil
}

func (p *stubProxy) Restart(ctx context.Context) (int, error) { return p.Start(ctx) }

func (p *stubProxy) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return nil
}

func (p *stubProxy) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *stubProxy) Port() int { return 40200 }

// testBridge is a Server over a manager with stubbed auth proxies.
type testBridge struct {
	t          *testing.T
	manager    *cluster.Manager
	server     *Server
	kubeconfig string

	mu          sync.Mutex
	unreachable bool
}

// routerFunc records that a request reached the cluster router.
type routerFunc func(w http.ResponseWriter, r *http.Request)

func (f routerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) { f(w, r) }

func newTestBridge(t *testing.T, opts ...Option) *testBridge {
	t.Helper()
	dir := t.TempDir()
	b := &testBridge{t: t, kubeconfig: filepath.Join(dir, "config")}
	require.NoError(t, os.WriteFile(b.kubeconfig, []byte(devAndProd), 0o600))

	clientset := fake.NewClientset()
	m, err := cluster.NewManager(cluster.Config{StoreDir: filepath.Join(dir, "store")},
		cluster.WithProxyFactory(func(authproxy.Config, authproxy.ExitHandler) contexthandler.ProxyServer {
			return &stubProxy{}
		}),
		cluster.WithClientFactory(func(*contexthandler.APITarget) (kubernetes.Interface, error) {
			return clientset, nil
		}),
		cluster.WithReachabilityCheck(func(_ context.Context, conn *cluster.Connection) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.unreachable {
				return &cluster.ConnectionError{ClusterID: conn.ID(), Reason: "no route to host"}
			}
			return nil
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	router := routerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route, ok := m.Route(r); ok {
			w.Header().Set("X-Routed", route.Connection.ID())
			w.Header().Set("X-Routed-Path", route.Path)
		}
		w.WriteHeader(http.StatusTeapot)
	})
	s, err := New(m, router, opts...)
	require.NoError(t, err)
	s.Health().SetReady(true)

	b.manager = m
	b.server = s
	return b
}

func (b *testBridge) setUnreachable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = v
}

// do sends a request through the server and decodes a JSON response into out.
func (b *testBridge) do(method, path string, body any, out any) *httptest.ResponseRecorder {
	b.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(b.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	b.server.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(b.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (b *testBridge) add(contextName string) cluster.CatalogEntity {
	b.t.Helper()
	var entity cluster.CatalogEntity
	rec := b.do(http.MethodPost, "/bridge/clusters", AddClusterRequest{KubeconfigPath: b.kubeconfig, Context: contextName}, &entity)
	require.Equal(b.t, http.StatusCreated, rec.Code, rec.Body.String())
	return entity
}
