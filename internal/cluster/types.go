package cluster

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
)

// State is the connection state of a cluster.
type State string

const (
	StateDisconnected State = instrumentation.StateDisconnected
	StateConnecting   State = instrumentation.StateConnecting
	StateConnected    State = instrumentation.StateConnected
	StateError        State = instrumentation.StateError
)

// idNamespace scopes the name-based cluster IDs.
var idNamespace = uuid.MustParse("0c3d2bd4-7a4e-5c1f-9a38-3f6b1f2e8d51")

// ID returns the stable cluster ID of a (kubeconfig path, context name) pair.
// The path is made absolute first so that relative and absolute spellings of
// the same file map to the same cluster.
func ID(kubeconfigPath, contextName string) string {
	if abs, err := filepath.Abs(kubeconfigPath); err == nil {
		kubeconfigPath = abs
	}
	return uuid.NewSHA1(idNamespace, []byte(kubeconfigPath+"\x00"+contextName)).String()
}

// Preferences are the user settings of one cluster.
type Preferences struct {
	// Name overrides the display name, which defaults to the context name.
	Name string `json:"name,omitempty"`
	// Namespaces restricts the accessible namespaces. Empty means discover.
	Namespaces []string `json:"namespaces,omitempty"`
	// HTTPSProxy is passed to the auth proxy as HTTPS_PROXY.
	HTTPSProxy string `json:"httpsProxy,omitempty"`
	// PrometheusProvider pins the Prometheus provider by ID.
	PrometheusProvider string `json:"prometheusProvider,omitempty"`
	// PrometheusService is a manually configured service in the form
	// namespace/service:port[/prefix]. It takes precedence over detection.
	PrometheusService string `json:"prometheusService,omitempty"`
}

// prometheusService parses PrometheusService, nil when unset.
func (p Preferences) prometheusService() (*contexthandler.PrometheusService, error) {
	if p.PrometheusService == "" {
		return nil, nil
	}
	return contexthandler.ParsePrometheusService(p.PrometheusService)
}

func (p Preferences) clone() Preferences {
	p.Namespaces = append([]string(nil), p.Namespaces...)
	return p
}

// Source identifies where a cluster came from.
type Source struct {
	KubeconfigPath string
	ContextName    string
	// Config is the single-context kubeconfig of the cluster.
	Config *kubeconfig.Config
}

// Status is a point-in-time copy of a connection's observable state.
type Status struct {
	ID             string
	Name           string
	ContextName    string
	KubeconfigPath string
	Server         string
	AuthMethod     kubeconfig.AuthMethod

	State      State
	LastError  string
	Online     bool
	Namespaces []string
	LastSeen   time.Time
}
