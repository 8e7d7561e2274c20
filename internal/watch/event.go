package watch

import (
	"context"
	"encoding/json"
	"net/url"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// EventType is the type of a dispatched watch event.
type EventType string

// Event types. ADDED, MODIFIED, DELETED and ERROR come from the API server.
// RESYNC is emitted after an expired resource version forced a fresh list.
const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
	EventBookmark EventType = "BOOKMARK"
	EventError    EventType = "ERROR"
	EventResync   EventType = "RESYNC"

	// EventStreamEnd only appears on the wire. It marks the end of one
	// upstream watch inside the multiplexed stream.
	EventStreamEnd EventType = "STREAM_END"
)

// Event is delivered to subscription handlers.
type Event struct {
	Type EventType
	// Object is the raw object for ADDED, MODIFIED and DELETED.
	Object json.RawMessage
	// Status is the API status carried by ERROR events from the server.
	Status *metav1.Status
	// Err is set on ERROR events raised locally, e.g. after reconnects
	// were exhausted or a relist failed.
	Err error
	// Items is the fresh list carried by RESYNC.
	Items []json.RawMessage
	// URL is the watch URL the event arrived on.
	URL string
}

// Handler receives events for one subscription. Handlers run on the stream's
// read goroutine and must not block.
type Handler func(Event)

// Source is a watchable resource on one cluster. *kubeapi.Client satisfies it.
type Source interface {
	ID() string
	WatchURL(ctx context.Context, namespace string, extra url.Values) (string, error)
	SetResourceVersion(namespace, version string)
	ResetResourceVersion(namespace string)
	Relist(ctx context.Context, namespace string) ([]json.RawMessage, error)
}

// Request is the body of a multiplexed watch request.
type Request struct {
	APIs []string `json:"apis"`
}

// wireEvent is one line of the multiplexed stream.
type wireEvent struct {
	Type   EventType       `json:"type"`
	Object json.RawMessage `json:"object,omitempty"`
	URL    string          `json:"url"`
	// Status is the upstream HTTP status code on STREAM_END lines.
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type objectMeta struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
}

func resourceVersionOf(obj json.RawMessage) string {
	var meta objectMeta
	if err := json.Unmarshal(obj, &meta); err != nil {
		return ""
	}
	return meta.Metadata.ResourceVersion
}
