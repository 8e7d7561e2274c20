package kubeconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is a kubeconfig document.
//
// Only the fields this package reasons about are typed. Every other key, at
// the top level and inside cluster, user and context entries, is kept in the
// inline Extra maps so that a Load/Marshal round trip does not drop anything.
type Config struct {
	APIVersion     string         `yaml:"apiVersion,omitempty"`
	Kind           string         `yaml:"kind,omitempty"`
	CurrentContext string         `yaml:"current-context"`
	Clusters       []NamedCluster `yaml:"clusters"`
	Users          []NamedUser    `yaml:"users"`
	Contexts       []NamedContext `yaml:"contexts"`
	Extra          map[string]any `yaml:",inline"`

	// path is the absolute file the config was read from, empty for inline input.
	path string
}

// NamedCluster is an entry of the clusters list.
type NamedCluster struct {
	Name    string         `yaml:"name"`
	Cluster map[string]any `yaml:"cluster"`
	Extra   map[string]any `yaml:",inline"`
}

// Server returns the API server URL of the cluster entry.
func (c NamedCluster) Server() string {
	s, _ := c.Cluster["server"].(string)
	return s
}

// NamedUser is an entry of the users list.
type NamedUser struct {
	Name  string         `yaml:"name"`
	User  map[string]any `yaml:"user"`
	Extra map[string]any `yaml:",inline"`
}

// AuthMethod classifies the credential of a user entry.
type AuthMethod string

const (
	AuthMethodToken      AuthMethod = "token"
	AuthMethodClientCert AuthMethod = "client-cert"
	AuthMethodExec       AuthMethod = "exec-plugin"
	AuthMethodAuthPlugin AuthMethod = "auth-provider"
	AuthMethodBasic      AuthMethod = "basic"
	AuthMethodNone       AuthMethod = "none"
)

// AuthMethod reports how the user authenticates. Exec plugins win over
// static credentials because client-go prefers them too.
func (u NamedUser) AuthMethod() AuthMethod {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if v, ok := u.User[k]; ok && v != nil && v != "" {
				return true
			}
		}
		return false
	}
	switch {
	case has("exec"):
		return AuthMethodExec
	case has("auth-provider"):
		return AuthMethodAuthPlugin
	case has("client-certificate", "client-certificate-data"):
		return AuthMethodClientCert
	case has("token", "tokenFile"):
		return AuthMethodToken
	case has("username"):
		return AuthMethodBasic
	default:
		return AuthMethodNone
	}
}

// NamedContext is an entry of the contexts list.
type NamedContext struct {
	Name    string         `yaml:"name"`
	Context ContextRef     `yaml:"context"`
	Extra   map[string]any `yaml:",inline"`
}

// ContextRef is the body of a context entry.
type ContextRef struct {
	Cluster   string         `yaml:"cluster"`
	User      string         `yaml:"user"`
	Namespace string         `yaml:"namespace,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

// Path returns the absolute path the config was loaded from, or "" for inline input.
func (c *Config) Path() string {
	return c.path
}

// Cluster returns the cluster entry with the given name.
func (c *Config) Cluster(name string) (NamedCluster, bool) {
	for _, cl := range c.Clusters {
		if cl.Name == name {
			return cl, true
		}
	}
	return NamedCluster{}, false
}

// User returns the user entry with the given name.
func (c *Config) User(name string) (NamedUser, bool) {
	for _, u := range c.Users {
		if u.Name == name {
			return u, true
		}
	}
	return NamedUser{}, false
}

// Context returns the context entry with the given name.
func (c *Config) Context(name string) (NamedContext, bool) {
	for _, ctx := range c.Contexts {
		if ctx.Name == name {
			return ctx, true
		}
	}
	return NamedContext{}, false
}

// ContextNames returns the context names in document order.
func (c *Config) ContextNames() []string {
	names := make([]string, 0, len(c.Contexts))
	for _, ctx := range c.Contexts {
		names = append(names, ctx.Name)
	}
	return names
}

// Marshal serializes the config to YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode kubeconfig: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode kubeconfig: %w", err)
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy that shares no mutable state with c.
func (c *Config) Clone() (*Config, error) {
	data, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	out, err := Parse(data)
	if err != nil {
		return nil, err
	}
	out.path = c.path
	return out, nil
}

// Load reads a kubeconfig from a file path or from inline YAML/JSON.
//
// An input naming an existing regular file (a leading "~/" is expanded) is
// read from disk. Anything else is parsed as a literal document.
func Load(pathOrInline string) (*Config, error) {
	if strings.TrimSpace(pathOrInline) == "" {
		return nil, &ParseError{Source: "inline", Reason: "empty input"}
	}

	path := expandHome(pathOrInline)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(path) // #nosec G304 -- reading user supplied kubeconfig is the point
		if err != nil {
			return nil, &ParseError{Source: path, Reason: "failed to read file", Err: err}
		}
		cfg, err := parse(path, data)
		if err != nil {
			return nil, err
		}
		if abs, err := filepath.Abs(path); err == nil {
			cfg.path = abs
		} else {
			cfg.path = path
		}
		return cfg, nil
	}

	return parse("inline", []byte(pathOrInline))
}

// Parse decodes a kubeconfig document. YAML and JSON are both accepted.
func Parse(data []byte) (*Config, error) {
	return parse("inline", data)
}

func parse(source string, data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Source: source, Reason: "invalid YAML or JSON", Err: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, &ParseError{Source: source, Reason: "document is not a mapping"}
	}

	cfg := &Config{}
	if err := root.Content[0].Decode(cfg); err != nil {
		return nil, &ParseError{Source: source, Reason: "unexpected document structure", Err: err}
	}
	return cfg, nil
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
