package watch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cluster-bridge/internal/retry"
)

type fakeSource struct {
	id string

	mu       sync.Mutex
	versions map[string]string
	resets   []string
	relisted int
	items    []json.RawMessage
	relistRV string
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, versions: map[string]string{}}
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) WatchURL(_ context.Context, namespace string, extra url.Values) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("watch", "1")
	if rv := f.versions[namespace]; rv != "" {
		q.Set("resourceVersion", rv)
	}
	return "/api/v1/namespaces/" + namespace + "/" + f.id + "?" + q.Encode(), nil
}

func (f *fakeSource) SetResourceVersion(namespace, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[namespace] = version
}

func (f *fakeSource) ResetResourceVersion(namespace string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.versions, namespace)
	f.resets = append(f.resets, namespace)
}

func (f *fakeSource) Relist(_ context.Context, namespace string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relisted++
	if f.relistRV != "" {
		f.versions[namespace] = f.relistRV
	}
	return f.items, nil
}

func (f *fakeSource) version(namespace string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[namespace]
}

// fakeWatchServer serves the multiplexed endpoint. script writes the lines
// of one connection; returning closes the stream.
type fakeWatchServer struct {
	requests chan Request
	headers  chan http.Header

	mu     sync.Mutex
	calls  int
	status int
	script func(ctx context.Context, call int, req Request, emit func(wireEvent))
}

func newFakeWatchServer(t *testing.T, script func(ctx context.Context, call int, req Request, emit func(wireEvent))) (*fakeWatchServer, *httptest.Server) {
	t.Helper()
	f := &fakeWatchServer{
		requests: make(chan Request, 64),
		headers:  make(chan http.Header, 64),
		script:   script,
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeWatchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls++
	call := f.calls
	status := f.status
	f.mu.Unlock()

	f.requests <- req
	f.headers <- r.Header.Clone()

	if status != 0 {
		http.Error(w, "boom", status)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	var mu sync.Mutex
	f.script(r.Context(), call, req, func(ev wireEvent) {
		mu.Lock()
		defer mu.Unlock()
		data, _ := json.Marshal(ev)
		_, _ = w.Write(append(data, '\n'))
		flusher.Flush()
	})
}

func holdOpen(ctx context.Context, _ int, _ Request, _ func(wireEvent)) {
	<-ctx.Done()
}

func nextRequest(t *testing.T, f *fakeWatchServer) Request {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch request")
		return Request{}
	}
}

func newTestMultiplexer(t *testing.T, server *httptest.Server, cfg Config) *Multiplexer {
	t.Helper()
	cfg.BaseURL = server.URL
	m := NewMultiplexer(cfg)
	t.Cleanup(m.Disconnect)
	return m
}

type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) handle(ev Event) {
	r.ch <- ev
}

func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func queryOf(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	_, server := newFakeWatchServer(t, holdOpen)
	m := newTestMultiplexer(t, server, Config{})
	pods := newFakeSource("pods")

	first := m.Subscribe(pods, "default", func(Event) {})
	second := m.Subscribe(pods, "default", func(Event) {})
	assert.Equal(t, 1, m.Watches())
	assert.Equal(t, 2, m.Subscribers(pods, "default"))

	first.Unsubscribe()
	assert.Equal(t, 1, m.Watches(), "watch stays while a subscriber remains")
	assert.Equal(t, 1, m.Subscribers(pods, "default"))

	first.Unsubscribe()
	assert.Equal(t, 1, m.Subscribers(pods, "default"), "repeated unsubscribe is a no-op")

	second.Unsubscribe()
	assert.Equal(t, 0, m.Watches())
	assert.Equal(t, StateIdle, m.State())
}

func TestSubscribeReconnectsWithFullURLSet(t *testing.T) {
	f, server := newFakeWatchServer(t, holdOpen)
	m := newTestMultiplexer(t, server, Config{ClusterID: "c1", WatchTimeout: time.Hour})
	pods := newFakeSource("pods")
	services := newFakeSource("services")

	m.Subscribe(pods, "default", func(Event) {})
	first := nextRequest(t, f)
	require.Len(t, first.APIs, 1)
	assert.Equal(t, "c1", (<-f.headers).Get(ClusterIDHeader))
	assert.Equal(t, "3600", queryOf(t, first.APIs[0]).Get("timeoutSeconds"))

	m.Subscribe(services, "kube-system", func(Event) {})
	second := nextRequest(t, f)
	assert.Len(t, second.APIs, 2)

	// A second subscriber on an existing watch does not reconnect.
	m.Subscribe(pods, "default", func(Event) {})
	select {
	case req := <-f.requests:
		t.Fatalf("unexpected reconnect with %v", req.APIs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamEndResumesFromLastResourceVersion(t *testing.T) {
	f, server := newFakeWatchServer(t, func(ctx context.Context, call int, req Request, emit func(wireEvent)) {
		if call > 1 {
			<-ctx.Done()
			return
		}
		u := req.APIs[0]
		emit(wireEvent{Type: EventAdded, URL: u, Object: json.RawMessage(`{"kind":"Pod","metadata":{"name":"web","resourceVersion":"10"}}`)})
		emit(wireEvent{Type: EventStreamEnd, URL: u, Status: http.StatusOK})
	})
	m := newTestMultiplexer(t, server, Config{})
	pods := newFakeSource("pods")
	pods.SetResourceVersion("default", "3")
	rec := newEventRecorder()

	m.Subscribe(pods, "default", rec.handle)

	first := nextRequest(t, f)
	assert.Equal(t, "3", queryOf(t, first.APIs[0]).Get("resourceVersion"))

	ev := rec.next(t)
	assert.Equal(t, EventAdded, ev.Type)
	assert.JSONEq(t, `{"kind":"Pod","metadata":{"name":"web","resourceVersion":"10"}}`, string(ev.Object))

	second := nextRequest(t, f)
	require.Len(t, second.APIs, 1)
	assert.Equal(t, "10", queryOf(t, second.APIs[0]).Get("resourceVersion"))
	assert.Equal(t, "10", pods.version("default"))
}

func TestErrorEventsAreForwardedWithoutTouchingCursor(t *testing.T) {
	_, server := newFakeWatchServer(t, func(ctx context.Context, call int, req Request, emit func(wireEvent)) {
		if call == 1 {
			emit(wireEvent{Type: EventError, URL: req.APIs[0], Object: json.RawMessage(`{"kind":"Status","status":"Failure","reason":"Forbidden","message":"nope","code":403}`)})
		}
		<-ctx.Done()
	})
	m := newTestMultiplexer(t, server, Config{})
	pods := newFakeSource("pods")
	pods.SetResourceVersion("default", "7")
	rec := newEventRecorder()

	m.Subscribe(pods, "default", rec.handle)

	ev := rec.next(t)
	assert.Equal(t, EventError, ev.Type)
	require.NotNil(t, ev.Status)
	assert.EqualValues(t, http.StatusForbidden, ev.Status.Code)
	assert.Equal(t, "7", pods.version("default"))
}

func TestGoneForcesRelistAndResync(t *testing.T) {
	f, server := newFakeWatchServer(t, func(ctx context.Context, call int, req Request, emit func(wireEvent)) {
		if call > 1 {
			<-ctx.Done()
			return
		}
		emit(wireEvent{Type: EventError, URL: req.APIs[0], Object: json.RawMessage(`{"kind":"Status","status":"Failure","reason":"Expired","code":410}`)})
	})
	m := newTestMultiplexer(t, server, Config{})
	pods := newFakeSource("pods")
	pods.SetResourceVersion("default", "2")
	pods.items = []json.RawMessage{json.RawMessage(`{"metadata":{"name":"a"}}`)}
	pods.relistRV = "50"
	rec := newEventRecorder()

	m.Subscribe(pods, "default", rec.handle)
	nextRequest(t, f)

	ev := rec.next(t)
	assert.Equal(t, EventResync, ev.Type)
	assert.Len(t, ev.Items, 1)

	second := nextRequest(t, f)
	assert.Equal(t, "50", queryOf(t, second.APIs[0]).Get("resourceVersion"))

	pods.mu.Lock()
	defer pods.mu.Unlock()
	assert.Equal(t, []string{"default"}, pods.resets)
	assert.Equal(t, 1, pods.relisted)
}

func TestEventsAfterUnsubscribeAreDropped(t *testing.T) {
	release := make(chan struct{})
	f, server := newFakeWatchServer(t, func(ctx context.Context, _ int, req Request, emit func(wireEvent)) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		for _, u := range req.APIs {
			emit(wireEvent{Type: EventAdded, URL: u, Object: json.RawMessage(`{"metadata":{"resourceVersion":"1"}}`)})
		}
		<-ctx.Done()
	})
	m := newTestMultiplexer(t, server, Config{})
	pods := newFakeSource("pods")
	services := newFakeSource("services")
	podEvents := newEventRecorder()
	serviceEvents := newEventRecorder()

	m.Subscribe(pods, "default", podEvents.handle)
	nextRequest(t, f)
	sub := m.Subscribe(services, "default", serviceEvents.handle)
	nextRequest(t, f)

	sub.Unsubscribe()
	close(release)

	assert.Equal(t, EventAdded, podEvents.next(t).Type)
	select {
	case ev := <-serviceEvents.ch:
		t.Fatalf("unexpected event after unsubscribe: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectGivesUpAfterConsecutiveFailures(t *testing.T) {
	f, server := newFakeWatchServer(t, holdOpen)
	f.mu.Lock()
	f.status = http.StatusInternalServerError
	f.mu.Unlock()
	m := newTestMultiplexer(t, server, Config{
		MaxConsecutiveFailures: 3,
		Backoff:                retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	rec := newEventRecorder()

	m.Subscribe(newFakeSource("pods"), "default", rec.handle)

	ev := rec.next(t)
	assert.Equal(t, EventError, ev.Type)
	assert.True(t, errors.Is(ev.Err, ErrReconnectExhausted))

	f.mu.Lock()
	assert.Equal(t, 3, f.calls)
	f.mu.Unlock()

	require.Eventually(t, func() bool { return m.State() == StateIdle }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectAbortsStream(t *testing.T) {
	aborted := make(chan struct{})
	f, server := newFakeWatchServer(t, func(ctx context.Context, _ int, _ Request, _ func(wireEvent)) {
		<-ctx.Done()
		close(aborted)
	})
	m := newTestMultiplexer(t, server, Config{})
	sub := m.Subscribe(newFakeSource("pods"), "default", func(Event) {})
	nextRequest(t, f)
	require.Eventually(t, func() bool { return m.State() == StateStreaming }, 5*time.Second, 10*time.Millisecond)

	m.Disconnect()
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not aborted")
	}
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, m.Watches())

	assert.NotPanics(t, sub.Unsubscribe)
}
