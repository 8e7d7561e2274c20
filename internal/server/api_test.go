package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
)

func TestAddAndConnectCluster(t *testing.T) {
	b := newTestBridge(t)

	entity := b.add("dev")
	assert.Equal(t, cluster.ID(b.kubeconfig, "dev"), entity.ID)
	assert.Equal(t, "dev", entity.Name)
	assert.Equal(t, cluster.StateDisconnected, entity.Phase)

	var connected cluster.CatalogEntity
	rec := b.do(http.MethodPost, "/bridge/clusters/"+entity.ID+"/connect", nil, &connected)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cluster.StateConnected, connected.Phase)
	assert.True(t, connected.Online)
	assert.Equal(t, []string{"default"}, connected.Namespaces)

	var catalog []cluster.CatalogEntity
	rec = b.do(http.MethodGet, "/bridge/catalog", nil, &catalog)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, catalog, 1)
	assert.Equal(t, "Connected", catalog[0].Status)

	var disconnected cluster.CatalogEntity
	rec = b.do(http.MethodPost, "/bridge/clusters/"+entity.ID+"/disconnect", nil, &disconnected)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cluster.StateDisconnected, disconnected.Phase)
}

func TestConnectFailureReportsEntity(t *testing.T) {
	b := newTestBridge(t)
	b.setUnreachable(true)
	entity := b.add("prod")

	var failed cluster.CatalogEntity
	rec := b.do(http.MethodPost, "/bridge/clusters/"+entity.ID+"/connect", nil, &failed)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, cluster.StateError, failed.Phase)
	assert.NotEmpty(t, failed.Message)

	b.setUnreachable(false)
	var reconnected cluster.CatalogEntity
	rec = b.do(http.MethodPost, "/bridge/clusters/"+entity.ID+"/reconnect", nil, &reconnected)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cluster.StateConnected, reconnected.Phase)
}

func TestAddClusterValidation(t *testing.T) {
	b := newTestBridge(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "missing path", body: AddClusterRequest{Context: "dev"}, status: http.StatusBadRequest},
		{name: "unknown context", body: AddClusterRequest{KubeconfigPath: b.kubeconfig, Context: "staging"}, status: http.StatusBadRequest},
		{name: "unknown field", body: map[string]string{"kubeconfig": b.kubeconfig}, status: http.StatusBadRequest},
		{name: "missing file", body: AddClusterRequest{KubeconfigPath: b.kubeconfig + ".missing"}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp errorResponse
			rec := b.do(http.MethodPost, "/bridge/clusters", tt.body, &resp)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Empty(t, b.manager.List())
}

func TestAddClusterDefaultsToCurrentContext(t *testing.T) {
	b := newTestBridge(t)
	entity := b.add("")
	assert.Equal(t, "dev", entity.Context)
}

func TestPreferencesAndRemove(t *testing.T) {
	b := newTestBridge(t)
	entity := b.add("dev")
	path := "/bridge/clusters/" + entity.ID

	var updated cluster.CatalogEntity
	rec := b.do(http.MethodPut, path+"/preferences", cluster.Preferences{Name: "Development", Namespaces: []string{"team-a"}}, &updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Development", updated.Name)

	rec = b.do(http.MethodPost, path+"/connect", nil, &updated)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"team-a"}, updated.Namespaces)

	rec = b.do(http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = b.do(http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = b.do(http.MethodDelete, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrometheusRequiresConnection(t *testing.T) {
	b := newTestBridge(t)
	entity := b.add("dev")

	rec := b.do(http.MethodGet, "/bridge/clusters/"+entity.ID+"/prometheus", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = b.do(http.MethodPost, "/bridge/clusters/"+entity.ID+"/connect", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The fake API server has no Prometheus service.
	rec = b.do(http.MethodGet, "/bridge/clusters/"+entity.ID+"/prometheus", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncKubeconfigEndpoint(t *testing.T) {
	b := newTestBridge(t)

	var result map[string][]string
	rec := b.do(http.MethodPost, "/bridge/kubeconfigs/sync", SyncRequest{Path: b.kubeconfig}, &result)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, result["added"], 2)
	assert.Len(t, b.manager.List(), 2)

	rec = b.do(http.MethodPost, "/bridge/kubeconfigs/sync", SyncRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNetworkTransition(t *testing.T) {
	b := newTestBridge(t)
	entity := b.add("dev")
	rec := b.do(http.MethodPost, "/bridge/clusters/"+entity.ID+"/connect", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	b.setUnreachable(true)
	var catalog []cluster.CatalogEntity
	rec = b.do(http.MethodPost, "/bridge/network", NetworkRequest{Online: false}, &catalog)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, catalog, 1)
	assert.False(t, catalog[0].Online)
	assert.Equal(t, "Connected (offline)", catalog[0].Status)

	b.setUnreachable(false)
	rec = b.do(http.MethodPost, "/bridge/network", NetworkRequest{Online: true}, &catalog)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, catalog[0].Online)
}

func TestClusterRequestsGoToRouter(t *testing.T) {
	b := newTestBridge(t)
	entity := b.add("dev")

	tests := []struct {
		name     string
		build    func() *http.Request
		routed   bool
		wantPath string
	}{
		{
			name: "cluster header on a bridge path",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
				r.Header.Set(cluster.ClusterIDHeader, entity.ID)
				return r
			},
			routed:   true,
			wantPath: "/healthz",
		},
		{
			name:   "cluster path prefix",
			build:    func() *http.Request { return httptest.NewRequest(http.MethodGet, "/clusters/"+entity.ID+"/version", nil) },
			routed:   true,
			wantPath: "/version",
		},
		{
			name:  "bridge path",
			build: func() *http.Request { return httptest.NewRequest(http.MethodGet, "/healthz", nil) },
		},
		{
			name:  "unknown cluster",
			build: func() *http.Request { return httptest.NewRequest(http.MethodGet, "/clusters/nope/version", nil) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			b.server.ServeHTTP(rec, tt.build())
			if tt.routed {
				assert.Equal(t, http.StatusTeapot, rec.Code)
				assert.Equal(t, entity.ID, rec.Header().Get("X-Routed"))
				assert.Equal(t, tt.wantPath, rec.Header().Get("X-Routed-Path"))
				return
			}
			assert.NotEqual(t, http.StatusTeapot, rec.Code)
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &cluster.ClusterNotFoundError{ClusterID: "x"}, want: http.StatusNotFound},
		{err: fmt.Errorf("%w: none", contexthandler.ErrPrometheusNotFound), want: http.StatusNotFound},
		{err: fmt.Errorf("%w: staging", kubeconfig.ErrContextNotFound), want: http.StatusBadRequest},
		{err: &kubeconfig.ParseError{Source: "inline", Reason: "bad yaml"}, want: http.StatusBadRequest},
		{err: &kubeconfig.ContextError{Context: "orphan", Err: errors.New("user missing")}, want: http.StatusBadRequest},
		{err: contexthandler.ErrUnknownPrometheusProvider, want: http.StatusBadRequest},
		{err: fmt.Errorf("%w \"x\": bad port", contexthandler.ErrInvalidPrometheusService), want: http.StatusBadRequest},
		{err: cluster.ErrNotConnected, want: http.StatusConflict},
		{err: cluster.ErrManagerClosed, want: http.StatusServiceUnavailable},
		{err: &cluster.TLSError{ClusterID: "x"}, want: http.StatusBadGateway},
		{err: &contexthandler.ProxyLaunchError{ClusterID: "x"}, want: http.StatusBadGateway},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
