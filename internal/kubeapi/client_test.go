package kubeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/apiversion"
)

const (
	coreDoc   = `{"kind":"APIVersions","versions":["v1"]}`
	coreV1Doc = `{"kind":"APIResourceList","groupVersion":"v1","resources":[{"name":"pods","namespaced":true,"kind":"Pod","verbs":["get"]},{"name":"namespaces","namespaced":false,"kind":"Namespace","verbs":["get"]}]}`
	appsDoc   = `{"kind":"APIGroup","name":"apps","versions":[{"groupVersion":"apps/v1","version":"v1"}],"preferredVersion":{"groupVersion":"apps/v1","version":"v1"}}`
	appsV1Doc = `{"kind":"APIResourceList","groupVersion":"apps/v1","resources":[{"name":"deployments","namespaced":true,"kind":"Deployment","verbs":["get"]}]}`
)

type testObject struct {
	APIVersion string            `json:"apiVersion,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Metadata   metav1.ObjectMeta `json:"metadata"`
}

type recordedRequest struct {
	Method      string
	Path        string
	Query       url.Values
	ContentType string
	Body        string
}

// fakeAPIServer answers discovery from docs and everything else from routes,
// keyed by "METHOD path".
type fakeAPIServer struct {
	mu       sync.Mutex
	docs     map[string]string
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
	requests []recordedRequest
}

func newFakeAPIServer() *fakeAPIServer {
	return &fakeAPIServer{
		docs: map[string]string{
			"/api":          coreDoc,
			"/api/v1":       coreV1Doc,
			"/apis/apps":    appsDoc,
			"/apis/apps/v1": appsV1Doc,
		},
		routes: map[string]func(w http.ResponseWriter, r *http.Request){},
	}
}

func (f *fakeAPIServer) handle(method, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = fn
}

func (f *fakeAPIServer) respond(method, path string, status int, body string) {
	f.handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (f *fakeAPIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	// Routes read the body again.
	r.Body = io.NopCloser(bytes.NewReader(body))

	f.mu.Lock()
	doc, isDoc := f.docs[r.URL.Path]
	route := f.routes[r.Method+" "+r.URL.Path]
	if !isDoc {
		f.requests = append(f.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Query:       r.URL.Query(),
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(body),
		})
	}
	f.mu.Unlock()

	switch {
	case isDoc && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, doc)
	case route != nil:
		route(w, r)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"kind":"Status","apiVersion":"v1","status":"Failure","reason":"NotFound","message":"not found","code":404}`)
	}
}

func (f *fakeAPIServer) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return recordedRequest{}
	}
	return f.requests[len(f.requests)-1]
}

func newRESTClient(t *testing.T, host string) rest.Interface {
	t.Helper()
	client, err := rest.UnversionedRESTClientFor(&rest.Config{
		Host: host,
		ContentConfig: rest.ContentConfig{
			NegotiatedSerializer: scheme.Codecs.WithoutConversion(),
		},
	})
	require.NoError(t, err)
	return client
}

func newTestClient(t *testing.T, fake *fakeAPIServer, d apiversion.Descriptor) *Client[testObject] {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	rc := newRESTClient(t, server.URL)
	return New[testObject](d, rc, apiversion.NewNegotiator(rc))
}

var (
	podsDescriptor        = apiversion.Descriptor{Kind: "Pod", APIBase: "/api/v1/pods", Namespaced: true}
	namespacesDescriptor  = apiversion.Descriptor{Kind: "Namespace", APIBase: "/api/v1/namespaces"}
	deploymentsDescriptor = apiversion.Descriptor{
		Kind:       "Deployment",
		APIBase:    "/apis/extensions/v1beta1/deployments",
		Fallbacks:  []string{"/apis/apps/v1/deployments"},
		Namespaced: true,
	}
)

func TestNegotiatedBaseIsExposed(t *testing.T) {
	fake := newFakeAPIServer()
	fake.respond(http.MethodGet, "/apis/apps/v1/namespaces/default/deployments", http.StatusOK,
		`{"kind":"DeploymentList","metadata":{"resourceVersion":"7"},"items":[]}`)
	c := newTestClient(t, fake, deploymentsDescriptor)

	assert.Empty(t, c.APIPrefix(), "nothing is known before the first call")

	_, err := c.List(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "/apis", c.APIPrefix())
	assert.Equal(t, "apps", c.APIGroup())
	assert.Equal(t, "v1", c.APIVersion())
	assert.Equal(t, "/apis/apps/v1/namespaces/default/deployments", fake.last().Path)
}

func TestListSetsCursorForWatch(t *testing.T) {
	fake := newFakeAPIServer()
	fake.respond(http.MethodGet, "/api/v1/namespaces/default/pods", http.StatusOK,
		`{"kind":"PodList","metadata":{"resourceVersion":"5"},"items":[{"metadata":{"name":"a","namespace":"default"}},{"metadata":{"name":"b","namespace":"default"}}]}`)
	c := newTestClient(t, fake, podsDescriptor)

	pods, err := c.List(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "a", pods[0].Metadata.Name)
	assert.Equal(t, "5", c.Cursor().Get("default"))
	assert.Equal(t, "5", c.Cursor().Get(AllNamespaces))

	watchURL, err := c.WatchURL(context.Background(), "default", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(watchURL, "/api/v1/namespaces/default/pods?"), watchURL)
	assert.Contains(t, watchURL, "resourceVersion=5")
	assert.Contains(t, watchURL, "watch=1")
}

func TestWatchURLWithoutCursor(t *testing.T) {
	fake := newFakeAPIServer()
	c := newTestClient(t, fake, podsDescriptor)

	watchURL, err := c.WatchURL(context.Background(), "kube-system", url.Values{"labelSelector": {"app=web"}})
	require.NoError(t, err)
	assert.NotContains(t, watchURL, "resourceVersion")
	assert.Contains(t, watchURL, "labelSelector=app%3Dweb")
}

func TestListMultipleNamespaces(t *testing.T) {
	fake := newFakeAPIServer()
	fake.respond(http.MethodGet, "/api/v1/namespaces/one/pods", http.StatusOK,
		`{"metadata":{"resourceVersion":"11"},"items":[{"metadata":{"name":"p1"}}]}`)
	fake.respond(http.MethodGet, "/api/v1/namespaces/two/pods", http.StatusOK,
		`{"metadata":{"resourceVersion":"12"},"items":[{"metadata":{"name":"p2"}},{"metadata":{"name":"p3"}}]}`)
	c := newTestClient(t, fake, podsDescriptor)

	pods, err := c.List(context.Background(), "one", "two")
	require.NoError(t, err)

	names := make([]string, 0, len(pods))
	for _, p := range pods {
		names = append(names, p.Metadata.Name)
	}
	assert.Equal(t, []string{"p1", "p2", "p3"}, names)
	assert.Equal(t, "11", c.Cursor().Get("one"))
	assert.Equal(t, "12", c.Cursor().Get("two"))
	assert.Equal(t, "12", c.Cursor().Get(AllNamespaces))
}

func TestListClusterScopedIgnoresNamespaces(t *testing.T) {
	fake := newFakeAPIServer()
	fake.respond(http.MethodGet, "/api/v1/namespaces", http.StatusOK,
		`{"metadata":{"resourceVersion":"3"},"items":[{"metadata":{"name":"default"}}]}`)
	c := newTestClient(t, fake, namespacesDescriptor)

	items, err := c.List(context.Background(), "ignored")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/api/v1/namespaces", fake.last().Path)
	assert.Equal(t, "3", c.Cursor().Get(AllNamespaces))
}

func TestGetEmptyBodies(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   *testObject
	}{
		{name: "null body", status: http.StatusOK, body: "null"},
		{name: "empty object", status: http.StatusOK, body: "{}"},
		{name: "no content", status: http.StatusNoContent, body: ""},
		{
			name:   "object",
			status: http.StatusOK,
			body:   `{"kind":"Pod","metadata":{"name":"web","namespace":"default"}}`,
			want:   &testObject{Kind: "Pod", Metadata: metav1.ObjectMeta{Name: "web", Namespace: "default"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAPIServer()
			fake.respond(http.MethodGet, "/api/v1/namespaces/default/pods/web", tt.status, tt.body)
			c := newTestClient(t, fake, podsDescriptor)

			got, err := c.Get(context.Background(), "web", "default")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	t.Run("api error carries status and reason", func(t *testing.T) {
		fake := newFakeAPIServer()
		c := newTestClient(t, fake, podsDescriptor)

		obj, err := c.Get(context.Background(), "missing", "default")
		require.Error(t, err)
		assert.Nil(t, obj)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Equal(t, "NotFound", apiErr.Reason)
		assert.True(t, IsNotFound(err))
		assert.True(t, errors.Is(err, ErrAPI))
		assert.False(t, errors.Is(err, ErrTransport))
	})

	t.Run("gone", func(t *testing.T) {
		fake := newFakeAPIServer()
		fake.respond(http.MethodGet, "/api/v1/namespaces/default/pods", http.StatusGone,
			`{"kind":"Status","apiVersion":"v1","status":"Failure","reason":"Expired","message":"too old resource version","code":410}`)
		c := newTestClient(t, fake, podsDescriptor)

		_, err := c.List(context.Background(), "default")
		assert.True(t, IsGone(err))
	})

	t.Run("transport error", func(t *testing.T) {
		fake := newFakeAPIServer()
		server := httptest.NewServer(fake)
		rc := newRESTClient(t, server.URL)
		c := New[testObject](podsDescriptor, rc, apiversion.NewNegotiator(rc))
		_, err := c.Resolve(context.Background())
		require.NoError(t, err)
		server.Close()

		_, err = c.Get(context.Background(), "web", "default")
		require.Error(t, err)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "/api/v1/namespaces/default/pods/web", transportErr.URL)
		assert.True(t, errors.Is(err, ErrTransport))
	})

	t.Run("unreachable server during negotiation", func(t *testing.T) {
		server := httptest.NewServer(newFakeAPIServer())
		rc := newRESTClient(t, server.URL)
		server.Close()
		c := New[testObject](podsDescriptor, rc, apiversion.NewNegotiator(rc))

		_, err := c.Get(context.Background(), "web", "default")
		require.Error(t, err)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "discover", transportErr.Op)
		assert.True(t, errors.Is(err, ErrTransport))
		assert.False(t, errors.Is(err, apiversion.ErrAPINotAvailable))
	})

	t.Run("discovery api error", func(t *testing.T) {
		fake := newFakeAPIServer()
		fake.mu.Lock()
		delete(fake.docs, "/api")
		fake.mu.Unlock()
		fake.respond(http.MethodGet, "/api", http.StatusForbidden,
			`{"kind":"Status","apiVersion":"v1","status":"Failure","reason":"Forbidden","message":"forbidden","code":403}`)
		c := newTestClient(t, fake, podsDescriptor)

		_, err := c.List(context.Background(), "default")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	})

	t.Run("api not available", func(t *testing.T) {
		fake := newFakeAPIServer()
		c := newTestClient(t, fake, apiversion.Descriptor{Kind: "Widget", APIBase: "/apis/example.com/v1/widgets"})

		_, err := c.List(context.Background())
		assert.ErrorIs(t, err, apiversion.ErrAPINotAvailable)
	})
}

func TestCreateFillsTypeAndMetadata(t *testing.T) {
	fake := newFakeAPIServer()
	fake.handle(http.MethodPost, "/apis/apps/v1/namespaces/default/deployments", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	c := newTestClient(t, fake, deploymentsDescriptor)

	created, err := c.Create(context.Background(), "web", "default", map[string]any{
		"spec": map[string]any{"replicas": 2},
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "apps/v1", created.APIVersion)
	assert.Equal(t, "Deployment", created.Kind)
	assert.Equal(t, "web", created.Metadata.Name)
	assert.Equal(t, "default", created.Metadata.Namespace)

	req := fake.last()
	assert.Equal(t, "application/json", req.ContentType)
	assert.Contains(t, req.Body, `"replicas":2`)
}

func TestUpdateUsesPut(t *testing.T) {
	fake := newFakeAPIServer()
	fake.respond(http.MethodPut, "/api/v1/namespaces/default/pods/web", http.StatusOK,
		`{"kind":"Pod","metadata":{"name":"web","namespace":"default","resourceVersion":"9"}}`)
	c := newTestClient(t, fake, podsDescriptor)

	updated, err := c.Update(context.Background(), "web", "default", testObject{Kind: "Pod"})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "9", updated.Metadata.ResourceVersion)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.last().Body), &sent))
	assert.Equal(t, "v1", sent["apiVersion"])
}

func TestPatchContentTypes(t *testing.T) {
	tests := []struct {
		name        string
		strategy    PatchStrategy
		body        any
		contentType string
		wantErr     error
	}{
		{name: "default is strategic", body: map[string]any{"metadata": map[string]any{"labels": map[string]string{"a": "b"}}}, contentType: "application/strategic-merge-patch+json"},
		{name: "merge", strategy: PatchMerge, body: `{"spec":{}}`, contentType: "application/merge-patch+json"},
		{name: "json array", strategy: PatchJSON, body: []map[string]any{{"op": "remove", "path": "/metadata/labels/a"}}, contentType: "application/json-patch+json"},
		{name: "json object rejected", strategy: PatchJSON, body: map[string]any{"op": "remove"}, wantErr: ErrInvalidPatch},
		{name: "unknown strategy", strategy: "apply", body: `{}`, wantErr: ErrInvalidPatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAPIServer()
			fake.respond(http.MethodPatch, "/api/v1/namespaces/default/pods/web", http.StatusOK,
				`{"kind":"Pod","metadata":{"name":"web"}}`)
			c := newTestClient(t, fake, podsDescriptor)

			got, err := c.Patch(context.Background(), "web", "default", tt.body, tt.strategy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, fake.last().Method, "no request must be sent")
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.contentType, fake.last().ContentType)
		})
	}
}

func TestDeletePropagation(t *testing.T) {
	tests := []struct {
		name        string
		propagation metav1.DeletionPropagation
		want        string
	}{
		{name: "default", want: "Background"},
		{name: "foreground", propagation: metav1.DeletePropagationForeground, want: "Foreground"},
		{name: "orphan", propagation: metav1.DeletePropagationOrphan, want: "Orphan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeAPIServer()
			fake.respond(http.MethodDelete, "/api/v1/namespaces/default/pods/web", http.StatusOK,
				`{"kind":"Status","status":"Success"}`)
			c := newTestClient(t, fake, podsDescriptor)

			require.NoError(t, c.Delete(context.Background(), "web", "default", tt.propagation))
			assert.Equal(t, tt.want, fake.last().Query.Get("propagationPolicy"))
		})
	}
}

func TestRelistResetsCursor(t *testing.T) {
	fake := newFakeAPIServer()
	fake.respond(http.MethodGet, "/api/v1/namespaces/default/pods", http.StatusOK,
		`{"metadata":{"resourceVersion":"20"},"items":[{"metadata":{"name":"a"}}]}`)
	c := newTestClient(t, fake, podsDescriptor)
	c.SetResourceVersion("default", "3")

	items, err := c.Relist(context.Background(), "default")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "20", c.Cursor().Get("default"))
	assert.Empty(t, fake.last().Query.Get("resourceVersion"))
}

func TestCursor(t *testing.T) {
	c := NewCursor()
	c.Set("a", "1")
	c.Set("a", "")
	assert.Equal(t, "1", c.Get("a"), "empty versions are ignored")

	c.Set(AllNamespaces, "2")
	assert.Equal(t, "2", c.Get(AllNamespaces))
	assert.Equal(t, "1", c.Get("a"), "namespaces are tracked separately")

	c.Reset("a")
	assert.Empty(t, c.Get("a"))
}
