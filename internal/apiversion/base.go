package apiversion

import (
	"fmt"
	"strings"
)

// API prefixes served by a Kubernetes API server.
const (
	PrefixCore  = "/api"
	PrefixGroup = "/apis"
)

// Base is a parsed resource API base such as /apis/apps/v1/deployments.
type Base struct {
	Prefix   string
	Group    string
	Version  string
	Resource string
}

// ParseBase splits an API base into its parts. The core group has an
// empty Group: /api/v1/pods parses to {"/api", "", "v1", "pods"}.
func ParseBase(apiBase string) (Base, error) {
	trimmed := strings.Trim(apiBase, "/")
	parts := strings.Split(trimmed, "/")

	switch {
	case len(parts) == 3 && "/"+parts[0] == PrefixCore:
		b := Base{Prefix: PrefixCore, Version: parts[1], Resource: parts[2]}
		return b, b.check(apiBase)
	case len(parts) == 4 && "/"+parts[0] == PrefixGroup:
		b := Base{Prefix: PrefixGroup, Group: parts[1], Version: parts[2], Resource: parts[3]}
		if b.Group == "" {
			return Base{}, fmt.Errorf("invalid api base %q: empty group", apiBase)
		}
		return b, b.check(apiBase)
	default:
		return Base{}, fmt.Errorf("invalid api base %q: expected /api/<version>/<resource> or /apis/<group>/<version>/<resource>", apiBase)
	}
}

func (b Base) check(raw string) error {
	if b.Version == "" || b.Resource == "" {
		return fmt.Errorf("invalid api base %q: empty version or resource", raw)
	}
	return nil
}

// String renders the base back into its path form.
func (b Base) String() string {
	return b.GroupVersionPath() + "/" + b.Resource
}

// GroupPath is the discovery path of the group: /apis/<group>, or /api for core.
func (b Base) GroupPath() string {
	if b.Group == "" {
		return b.Prefix
	}
	return b.Prefix + "/" + b.Group
}

// GroupVersionPath is the path of the group version: /apis/<group>/<version>.
func (b Base) GroupVersionPath() string {
	return b.GroupPath() + "/" + b.Version
}

// GroupVersion returns the apiVersion string used in object manifests:
// "v1" for core, "apps/v1" otherwise.
func (b Base) GroupVersion() string {
	if b.Group == "" {
		return b.Version
	}
	return b.Group + "/" + b.Version
}

// WithVersion returns a copy of b using version.
func (b Base) WithVersion(version string) Base {
	b.Version = version
	return b
}
