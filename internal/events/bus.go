package events

import (
	"sync"
)

// EventType identifies a kind of event published on the Bus.
type EventType string

const (
	// Registry events
	EventClusterAdded   EventType = "cluster.added"
	EventClusterUpdated EventType = "cluster.updated"
	EventClusterRemoved EventType = "cluster.removed"

	// Connection lifecycle events
	EventClusterStateChanged  EventType = "cluster.state_changed"
	EventClusterOnlineChanged EventType = "cluster.online_changed"

	// Auth proxy events
	EventAuthProxyReady  EventType = "authproxy.ready"
	EventAuthProxyExited EventType = "authproxy.exited"

	// Source events
	EventKubeconfigChanged EventType = "kubeconfig.changed"

	// EventCatalogChanged fires after any registry mutation.
	EventCatalogChanged EventType = "catalog.changed"
)

// Event is a single notification. Fields that do not apply to a given
// EventType are left at their zero value.
type Event struct {
	Type      EventType
	ClusterID string

	// State is the connection state after a state change.
	State string
	// Online is the reachability flag after an online change.
	Online bool
	// Path is the kubeconfig file for source events.
	Path string
	// Port is the auth proxy port for auth proxy events.
	Port int
	// Err carries the failure for error transitions and proxy exits.
	Err error
}

// Handler handles events.
type Handler func(event Event)

// Unsubscribe removes a handler. Calling it more than once is a no-op.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe bus with explicit unsubscribe handles.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   uint64
	closed   bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a handler for the given event types and returns a
// handle that removes it again.
func (b *Bus) Subscribe(handler Handler, types ...EventType) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || handler == nil || len(types) == 0 {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	for _, et := range types {
		b.handlers[et] = append(b.handlers[et], subscription{id: id, handler: handler})
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id, types) })
	}
}

func (b *Bus) remove(id uint64, types []EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, et := range types {
		subs := b.handlers[et]
		for i, s := range subs {
			if s.id == id {
				b.handlers[et] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[et]) == 0 {
			delete(b.handlers, et)
		}
	}
}

// Publish sends an event to all registered handlers.
// Handlers are called synchronously in the order they were registered.
func (b *Bus) Publish(event Event) {
	for _, h := range b.snapshot(event.Type) {
		h(event)
	}
}

// PublishAsync sends an event to all registered handlers, each on its own goroutine.
func (b *Bus) PublishAsync(event Event) {
	for _, h := range b.snapshot(event.Type) {
		go h(event)
	}
}

func (b *Bus) snapshot(et EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	subs := b.handlers[et]
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// Close stops the bus. Later publications and subscriptions are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = make(map[EventType][]subscription)
}
