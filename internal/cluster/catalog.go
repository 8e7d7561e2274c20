package cluster

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/giantswarm/cluster-bridge/internal/events"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
)

// CatalogEntity is the UI facing view of one cluster.
type CatalogEntity struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Context        string   `json:"context"`
	KubeconfigPath string   `json:"kubeconfigPath"`
	Server         string   `json:"server,omitempty"`
	AuthMethod     string   `json:"authMethod,omitempty"`
	Environment    string   `json:"environment"`
	Phase          State    `json:"phase"`
	Status         string   `json:"status"`
	Online         bool     `json:"online"`
	Namespaces     []string `json:"namespaces,omitempty"`
	Message        string   `json:"message,omitempty"`
}

var titleCase = cases.Title(language.English)

// BuildCatalog projects connection snapshots into catalog entities, sorted
// by name then ID. It depends on nothing but its input.
func BuildCatalog(statuses []Status) []CatalogEntity {
	out := make([]CatalogEntity, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, CatalogEntity{
			ID:             st.ID,
			Name:           st.Name,
			Context:        st.ContextName,
			KubeconfigPath: st.KubeconfigPath,
			Server:         st.Server,
			AuthMethod:     string(st.AuthMethod),
			Environment:    instrumentation.ClassifyClusterName(st.ContextName),
			Phase:          st.State,
			Status:         statusLabel(st),
			Online:         st.Online,
			Namespaces:     slices.Clone(st.Namespaces),
			Message:        st.LastError,
		})
	}
	slices.SortFunc(out, func(a, b CatalogEntity) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func statusLabel(st Status) string {
	label := titleCase.String(string(st.State))
	if st.State == StateConnected && !st.Online {
		label += " (offline)"
	}
	return label
}

// Catalog returns the current catalog, computed from the registry.
func (m *Manager) Catalog() []CatalogEntity {
	conns := m.List()
	statuses := make([]Status, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, conn.Status())
	}
	return BuildCatalog(statuses)
}

func (m *Manager) publishCatalog() {
	m.bus.Publish(events.Event{Type: events.EventCatalogChanged})
}
