package cluster

import (
	"net"
	"net/http"
	"strings"

	"github.com/giantswarm/cluster-bridge/internal/watch"
)

// ClusterIDHeader names the cluster of a request explicitly.
const ClusterIDHeader = watch.ClusterIDHeader

// ClustersPathPrefix starts paths that carry the cluster ID.
const ClustersPathPrefix = "/clusters/"

// Route is the result of matching a request to a cluster.
type Route struct {
	Connection *Connection
	// Path is the request path with any /clusters/<id> prefix removed.
	Path string
}

// GetByRequest returns the cluster a local request is addressed to, or nil.
func (m *Manager) GetByRequest(r *http.Request) *Connection {
	route, ok := m.Route(r)
	if !ok {
		return nil
	}
	return route.Connection
}

// Route matches a request to a cluster using, in order: the X-Cluster-ID
// header, the first label of the host ("<id>.localhost:port"), and a
// "/clusters/<id>/" path prefix. A candidate naming an unknown cluster
// falls through to the next rule.
func (m *Manager) Route(r *http.Request) (Route, bool) {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	if id := r.Header.Get(ClusterIDHeader); id != "" {
		if conn := m.lookup(id); conn != nil {
			return Route{Connection: conn, Path: stripClusterPath(path, id)}, true
		}
	}

	if id := hostClusterID(r.Host); id != "" {
		if conn := m.lookup(id); conn != nil {
			return Route{Connection: conn, Path: stripClusterPath(path, id)}, true
		}
	}

	if id, rest, ok := pathClusterID(path); ok {
		if conn := m.lookup(id); conn != nil {
			return Route{Connection: conn, Path: rest}, true
		}
	}
	return Route{}, false
}

func hostClusterID(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, rest, ok := strings.Cut(host, ".")
	if !ok || rest == "" {
		return ""
	}
	return label
}

func pathClusterID(path string) (id, rest string, ok bool) {
	tail, found := strings.CutPrefix(path, ClustersPathPrefix)
	if !found {
		return "", "", false
	}
	id, rest, _ = strings.Cut(tail, "/")
	if id == "" {
		return "", "", false
	}
	return id, "/" + rest, true
}

func stripClusterPath(path, id string) string {
	if pid, rest, ok := pathClusterID(path); ok && pid == id {
		return rest
	}
	return path
}
