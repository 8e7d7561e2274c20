package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
	"github.com/giantswarm/cluster-bridge/internal/retry"
)

// State is the connection state of a Multiplexer.
type State string

// Multiplexer states.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
)

// DefaultMaxConsecutiveFailures bounds reconnect attempts that fail without
// delivering a single line.
const DefaultMaxConsecutiveFailures = 20

// ClusterIDHeader selects the cluster on the local proxy.
const ClusterIDHeader = "X-Cluster-ID"

// WatchPath is the path of the multiplexed watch endpoint.
const WatchPath = "/api/watch"

// ErrReconnectExhausted is delivered to subscribers when a stream could not
// be re-established.
var ErrReconnectExhausted = errors.New("watch stream reconnect attempts exhausted")

// Config configures a Multiplexer.
type Config struct {
	// BaseURL is the local proxy the multiplexed stream is opened against.
	BaseURL string

	// ClusterID is sent in the X-Cluster-ID header when set.
	ClusterID string

	// HTTPClient must not carry a request timeout. Defaults to a plain client.
	HTTPClient *http.Client

	// WatchTimeout is passed to the API server as timeoutSeconds. Zero omits it.
	WatchTimeout time.Duration

	// Backoff controls the delay between failed connection attempts.
	Backoff retry.Config

	// MaxConsecutiveFailures defaults to DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int
}

// Multiplexer carries all watches of one cluster frame over a single
// long-lived HTTP stream.
//
// Watches are reference counted by resource and namespace. The first
// subscription for a new watch reconnects the stream with the full URL set;
// dropping the last subscription removes the watch from the next reconnect.
type Multiplexer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu         sync.Mutex
	state      State
	root       context.Context
	cancelRoot context.CancelFunc
	entries    map[string]*entry
	streams    map[uint64]*stream
	nextID     uint64
}

type entry struct {
	key       string
	source    Source
	namespace string
	handlers  map[uint64]Handler
	// stream is the stream currently carrying this watch, nil if none.
	stream *stream
}

type stream struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	// keys is the set of entries assigned to this stream.
	keys map[string]struct{}
	// urls maps the URLs of the current connection to entry keys.
	urls map[string]string
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records reconnects and dispatched events.
func WithMetrics(metrics *instrumentation.Metrics) Option {
	return func(m *Multiplexer) {
		m.metrics = metrics
	}
}

// NewMultiplexer creates an idle multiplexer.
func NewMultiplexer(cfg Config, opts ...Option) *Multiplexer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	m := &Multiplexer{
		cfg:     cfg,
		logger:  slog.Default(),
		state:   StateIdle,
		entries: make(map[string]*entry),
		streams: make(map[uint64]*stream),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithComponent(m.logger, "watch")
	if cfg.ClusterID != "" {
		m.logger = logging.WithCluster(m.logger, cfg.ClusterID)
	}
	m.root, m.cancelRoot = context.WithCancel(context.Background())
	return m
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	m    *Multiplexer
	key  string
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. It is safe to call more than once and
// after Disconnect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.unsubscribe(s.key, s.id)
	})
}

// Subscribe watches source in namespace and delivers its events to handler.
// Use kubeapi.AllNamespaces ("") for a cluster-wide watch.
func (m *Multiplexer) Subscribe(source Source, namespace string, handler Handler) *Subscription {
	key := entryKey(source.ID(), namespace)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID

	e, ok := m.entries[key]
	if !ok {
		e = &entry{key: key, source: source, namespace: namespace, handlers: make(map[uint64]Handler)}
		m.entries[key] = e
	}
	e.handlers[id] = handler

	if !ok || e.stream == nil {
		if len(m.streams) > 0 {
			m.metrics.RecordWatchReconnect(m.root, instrumentation.ReconnectResubscribe)
		}
		m.reconnectAllLocked()
	}
	return &Subscription{m: m, key: key, id: id}
}

// Disconnect aborts every stream immediately and drops all subscriptions.
func (m *Multiplexer) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelRoot()
	m.root, m.cancelRoot = context.WithCancel(context.Background())
	m.streams = make(map[uint64]*stream)
	m.entries = make(map[string]*entry)
	m.state = StateIdle
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watches returns the number of distinct watched resource and namespace pairs.
func (m *Multiplexer) Watches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Subscribers returns the number of handlers on the watch for source in namespace.
func (m *Multiplexer) Subscribers(source Source, namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[entryKey(source.ID(), namespace)]; ok {
		return len(e.handlers)
	}
	return 0
}

func (m *Multiplexer) unsubscribe(key string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(e.handlers, id)
	if len(e.handlers) > 0 {
		return
	}
	delete(m.entries, key)

	if s := e.stream; s != nil && !m.hasLiveKeysLocked(s) {
		s.cancel()
		delete(m.streams, s.id)
	}
	if len(m.entries) == 0 {
		for _, s := range m.streams {
			s.cancel()
		}
		m.streams = make(map[uint64]*stream)
		m.state = StateIdle
	}
}

// reconnectAllLocked replaces every stream with a single stream carrying all
// entries.
func (m *Multiplexer) reconnectAllLocked() {
	for _, s := range m.streams {
		s.cancel()
	}
	m.streams = make(map[uint64]*stream)

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.startStreamLocked(keys)
}

func (m *Multiplexer) startStreamLocked(keys []string) {
	if len(keys) == 0 {
		return
	}
	m.nextID++
	ctx, cancel := context.WithCancel(m.root)
	s := &stream{
		id:     m.nextID,
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[string]struct{}, len(keys)),
		urls:   make(map[string]string),
	}
	for _, key := range keys {
		s.keys[key] = struct{}{}
		m.entries[key].stream = s
	}
	m.streams[s.id] = s
	m.state = StateConnecting
	go m.run(s)
}

func (m *Multiplexer) hasLiveKeysLocked(s *stream) bool {
	for key := range s.keys {
		if e, ok := m.entries[key]; ok && e.stream == s {
			return true
		}
	}
	return false
}

// run owns one stream until its context is cancelled, it has no watches
// left, or reconnects are exhausted.
func (m *Multiplexer) run(s *stream) {
	defer m.finishStream(s)

	backoff := retry.NewBackoff(m.cfg.Backoff)
	failures := 0
	for {
		urls, err := m.prepare(s)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			m.logger.Warn("failed to build watch urls", logging.Err(err))
		}
		if len(urls) == 0 && err == nil {
			return
		}

		delivered := false
		if len(urls) > 0 {
			delivered, err = m.consume(s, urls)
		}
		if s.ctx.Err() != nil {
			return
		}

		if delivered {
			failures = 0
			backoff.Reset()
		}
		if err == nil && delivered {
			m.metrics.RecordWatchReconnect(s.ctx, instrumentation.ReconnectStreamEnd)
			m.logger.Debug("watch stream ended, reconnecting")
			continue
		}

		failures++
		if failures >= m.cfg.MaxConsecutiveFailures {
			m.logger.Error("giving up on watch stream",
				slog.Int("attempts", failures),
				logging.SanitizedErr(err))
			m.failStream(s, fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
			return
		}

		m.metrics.RecordWatchReconnect(s.ctx, instrumentation.ReconnectError)
		delay := backoff.Next()
		m.logger.Debug("watch stream failed, retrying",
			slog.Int("attempt", failures),
			slog.Duration("delay", delay),
			logging.SanitizedErr(err))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// prepare computes the watch URLs for the stream's live entries from their
// current cursors.
func (m *Multiplexer) prepare(s *stream) ([]string, error) {
	type target struct {
		key       string
		source    Source
		namespace string
	}

	m.mu.Lock()
	targets := make([]target, 0, len(s.keys))
	for key := range s.keys {
		e, ok := m.entries[key]
		if !ok || e.stream != s {
			delete(s.keys, key)
			continue
		}
		targets = append(targets, target{key: key, source: e.source, namespace: e.namespace})
	}
	m.mu.Unlock()

	extra := url.Values{}
	if m.cfg.WatchTimeout > 0 {
		extra.Set("timeoutSeconds", strconv.Itoa(int(m.cfg.WatchTimeout.Seconds())))
	}

	urls := make(map[string]string, len(targets))
	var errs []error
	for _, t := range targets {
		u, err := t.source.WatchURL(s.ctx, t.namespace, extra)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		urls[u] = t.key
	}

	m.mu.Lock()
	s.urls = urls
	m.mu.Unlock()

	out := make([]string, 0, len(urls))
	for u := range urls {
		out = append(out, u)
	}
	return out, errors.Join(errs...)
}

// consume opens one connection and dispatches lines until it ends. delivered
// reports whether at least one line arrived.
func (m *Multiplexer) consume(s *stream, urls []string) (delivered bool, err error) {
	body, err := json.Marshal(Request{APIs: urls})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, m.cfg.BaseURL+WatchPath, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.ClusterID != "" {
		req.Header.Set(ClusterIDHeader, m.cfg.ClusterID)
	}

	m.setState(StateConnecting)
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("watch request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	m.setState(StateStreaming)

	err = readLines(resp.Body, func(line []byte) error {
		delivered = true
		m.dispatch(s, line)
		return nil
	})
	return delivered, err
}

func (m *Multiplexer) dispatch(s *stream, line []byte) {
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		m.logger.Debug("dropping malformed watch line", logging.Err(err))
		return
	}

	m.mu.Lock()
	key := s.urls[ev.URL]
	e, ok := m.entries[key]
	if !ok || e.stream != s {
		m.mu.Unlock()
		return
	}
	source, namespace := e.source, e.namespace
	m.mu.Unlock()

	switch ev.Type {
	case EventAdded, EventModified, EventDeleted:
		if rv := resourceVersionOf(ev.Object); rv != "" {
			source.SetResourceVersion(namespace, rv)
		}
		m.metrics.RecordWatchEvent(s.ctx, string(ev.Type))
		m.deliver(key, Event{Type: ev.Type, Object: ev.Object, URL: ev.URL})

	case EventBookmark:
		if rv := resourceVersionOf(ev.Object); rv != "" {
			source.SetResourceVersion(namespace, rv)
		}

	case EventError:
		status := &metav1.Status{}
		if err := json.Unmarshal(ev.Object, status); err != nil {
			status = &metav1.Status{Status: metav1.StatusFailure, Message: ev.Error}
		}
		if status.Code == http.StatusGone {
			m.resync(s, key, ev.URL)
			return
		}
		m.metrics.RecordWatchEvent(s.ctx, string(ev.Type))
		m.deliver(key, Event{Type: EventError, Status: status, URL: ev.URL})

	case EventStreamEnd:
		if ev.Status == http.StatusGone {
			m.resync(s, key, ev.URL)
			return
		}
		m.metrics.RecordWatchReconnect(s.ctx, instrumentation.ReconnectStreamEnd)
		m.detach(s, key, ev.URL)
		m.mu.Lock()
		if e, ok := m.entries[key]; ok && e.stream == nil {
			m.startStreamLocked([]string{key})
		}
		m.mu.Unlock()

	default:
		m.logger.Debug("ignoring watch event", slog.String("type", string(ev.Type)))
	}
}

// resync handles an expired resource version: the cursor is cleared, the
// resource listed again and the watch reopened from the fresh version.
func (m *Multiplexer) resync(s *stream, key, watchURL string) {
	m.metrics.RecordWatchReconnect(s.ctx, instrumentation.ReconnectGone)
	m.detach(s, key, watchURL)

	m.mu.Lock()
	e, ok := m.entries[key]
	ctx := m.root
	m.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		e.source.ResetResourceVersion(e.namespace)
		items, err := e.source.Relist(ctx, e.namespace)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Warn("relist after expired resource version failed",
				slog.String("watch", key),
				logging.SanitizedErr(err))
			m.deliver(key, Event{Type: EventError, Err: err, URL: watchURL})
		} else {
			m.deliver(key, Event{Type: EventResync, Items: items, URL: watchURL})
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.entries[key]; ok && cur.stream == nil {
			m.startStreamLocked([]string{key})
		}
	}()
}

// detach removes key from s so that s no longer carries it.
func (m *Multiplexer) detach(s *stream, key, watchURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(s.keys, key)
	delete(s.urls, watchURL)
	if e, ok := m.entries[key]; ok && e.stream == s {
		e.stream = nil
	}
}

// failStream tells every subscriber on s that its watch is gone.
func (m *Multiplexer) failStream(s *stream, err error) {
	m.mu.Lock()
	keys := make([]string, 0, len(s.keys))
	for key := range s.keys {
		if e, ok := m.entries[key]; ok && e.stream == s {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.deliver(key, Event{Type: EventError, Err: err})
	}
}

func (m *Multiplexer) finishStream(s *stream) {
	s.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[s.id]; ok && cur == s {
		delete(m.streams, s.id)
	}
	for key := range s.keys {
		if e, ok := m.entries[key]; ok && e.stream == s {
			e.stream = nil
		}
	}
	if len(m.streams) == 0 {
		m.state = StateIdle
	}
}

// deliver calls the handlers of key outside the lock.
func (m *Multiplexer) deliver(key string, ev Event) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Multiplexer) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 {
		m.state = state
	}
}

func entryKey(sourceID, namespace string) string {
	return sourceID + "#" + namespace
}
