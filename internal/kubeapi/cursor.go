package kubeapi

import "sync"

// AllNamespaces is the cursor key for cluster-wide lists and watches.
const AllNamespaces = ""

// Cursor tracks the last seen resourceVersion per namespace.
type Cursor struct {
	mu       sync.RWMutex
	versions map[string]string
}

// NewCursor returns an empty cursor.
func NewCursor() *Cursor {
	return &Cursor{versions: make(map[string]string)}
}

// Get returns the resource version for namespace, or "" if none is known.
func (c *Cursor) Get(namespace string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[namespace]
}

// Set records version for namespace. Empty versions are ignored.
func (c *Cursor) Set(namespace, version string) {
	if version == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[namespace] = version
}

// Reset forgets the version for namespace, forcing the next watch to start
// from a fresh list.
func (c *Cursor) Reset(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.versions, namespace)
}
