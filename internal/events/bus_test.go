package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishOrder(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "first:"+e.ClusterID) }, EventClusterAdded)
	bus.Subscribe(func(e Event) { got = append(got, "second:"+e.ClusterID) }, EventClusterAdded)
	bus.Subscribe(func(e Event) { got = append(got, "other") }, EventClusterRemoved)

	bus.Publish(Event{Type: EventClusterAdded, ClusterID: "a"})

	assert.Equal(t, []string{"first:a", "second:a"}, got)
}

func TestBusMultipleTypes(t *testing.T) {
	bus := NewBus()

	var got []EventType
	bus.Subscribe(func(e Event) { got = append(got, e.Type) }, EventClusterAdded, EventClusterRemoved)

	bus.Publish(Event{Type: EventClusterAdded})
	bus.Publish(Event{Type: EventCatalogChanged})
	bus.Publish(Event{Type: EventClusterRemoved})

	assert.Equal(t, []EventType{EventClusterAdded, EventClusterRemoved}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ }, EventCatalogChanged, EventClusterAdded)

	bus.Publish(Event{Type: EventCatalogChanged})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventCatalogChanged})
	bus.Publish(Event{Type: EventClusterAdded})

	assert.Equal(t, 1, calls)
	assert.Empty(t, bus.handlers)
}

func TestBusUnsubscribeKeepsOthers(t *testing.T) {
	bus := NewBus()

	var a, b int
	unsubA := bus.Subscribe(func(Event) { a++ }, EventClusterUpdated)
	bus.Subscribe(func(Event) { b++ }, EventClusterUpdated)

	unsubA()
	bus.Publish(Event{Type: EventClusterUpdated})

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestBusPublishAsync(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(2)
	bus.Subscribe(func(Event) { wg.Done() }, EventAuthProxyExited)
	bus.Subscribe(func(Event) { wg.Done() }, EventAuthProxyExited)

	bus.PublishAsync(Event{Type: EventAuthProxyExited})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "async handlers were not called")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(func(Event) { calls++ }, EventClusterAdded)
	bus.Close()

	bus.Publish(Event{Type: EventClusterAdded})
	unsub := bus.Subscribe(func(Event) { calls++ }, EventClusterAdded)
	unsub()
	bus.Publish(Event{Type: EventClusterAdded})

	assert.Equal(t, 0, calls)
}

func TestBusSubscribeWithoutTypes(t *testing.T) {
	bus := NewBus()
	unsub := bus.Subscribe(func(Event) {})
	assert.NotNil(t, unsub)
	unsub()
	assert.Empty(t, bus.handlers)
}
