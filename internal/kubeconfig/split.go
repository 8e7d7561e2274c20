package kubeconfig

import (
	"fmt"
	"maps"
	"path/filepath"
	"strings"
)

// fileRefKeys are cluster and user keys holding file paths that kubectl
// resolves relative to the kubeconfig's own directory.
var fileRefKeys = []string{"certificate-authority", "client-certificate", "client-key", "tokenFile"}

// SplitByContext produces one isolated config per context. Each result holds
// exactly the referenced cluster, user and context, with current-context set
// to that context.
//
// Contexts that reference a missing cluster or user are dropped without an
// error, unlike Validate which rejects the whole document.
func SplitByContext(cfg *Config) []*Config {
	if cfg == nil {
		return nil
	}

	out := make([]*Config, 0, len(cfg.Contexts))
	for _, ctx := range cfg.Contexts {
		cluster, ok := cfg.Cluster(ctx.Context.Cluster)
		if !ok {
			continue
		}
		user, ok := cfg.User(ctx.Context.User)
		if !ok {
			continue
		}

		single := &Config{
			APIVersion:     firstNonEmpty(cfg.APIVersion, "v1"),
			Kind:           firstNonEmpty(cfg.Kind, "Config"),
			CurrentContext: ctx.Name,
			Clusters:       []NamedCluster{copyCluster(cluster)},
			Users:          []NamedUser{copyUser(user)},
			Contexts:       []NamedContext{copyContext(ctx)},
			Extra:          deepCopyMap(cfg.Extra),
			path:           cfg.path,
		}
		if cfg.path != "" {
			baseDir := filepath.Dir(cfg.path)
			resolveFileRefs(single.Clusters[0].Cluster, baseDir)
			resolveFileRefs(single.Users[0].User, baseDir)
		}
		out = append(out, single)
	}
	return out
}

// ExtractContext returns the single-context config of contextName, as
// SplitByContext would produce it.
func ExtractContext(cfg *Config, contextName string) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, contextName)
	}
	nc, ok := cfg.Context(contextName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, contextName)
	}
	if _, ok := cfg.Cluster(nc.Context.Cluster); !ok {
		return nil, &ContextError{Context: contextName, Err: fmt.Errorf("cluster %q not found", nc.Context.Cluster)}
	}
	if _, ok := cfg.User(nc.Context.User); !ok {
		return nil, &ContextError{Context: contextName, Err: fmt.Errorf("user %q not found", nc.Context.User)}
	}
	for _, single := range SplitByContext(cfg) {
		if single.CurrentContext == contextName {
			return single, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContextNotFound, contextName)
}

// resolveFileRefs makes relative file references absolute so a split config
// keeps working after it is written to a different directory.
func resolveFileRefs(entry map[string]any, baseDir string) {
	for _, key := range fileRefKeys {
		if p, ok := entry[key].(string); ok && p != "" && !filepath.IsAbs(p) {
			entry[key] = filepath.Join(baseDir, p)
		}
	}
	execCfg, ok := entry["exec"].(map[string]any)
	if !ok {
		return
	}
	if cmd, ok := execCfg["command"].(string); ok && strings.ContainsRune(cmd, filepath.Separator) && !filepath.IsAbs(cmd) {
		execCfg["command"] = filepath.Join(baseDir, cmd)
	}
}

func copyCluster(c NamedCluster) NamedCluster {
	return NamedCluster{Name: c.Name, Cluster: deepCopyMap(c.Cluster), Extra: deepCopyMap(c.Extra)}
}

func copyUser(u NamedUser) NamedUser {
	return NamedUser{Name: u.Name, User: deepCopyMap(u.User), Extra: deepCopyMap(u.Extra)}
}

func copyContext(c NamedContext) NamedContext {
	ref := c.Context
	ref.Extra = deepCopyMap(c.Context.Extra)
	return NamedContext{Name: c.Name, Context: ref, Extra: deepCopyMap(c.Extra)}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case map[any]any:
		m := make(map[any]any, len(t))
		maps.Copy(m, t)
		for k, val := range m {
			m[k] = deepCopyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopyValue(val)
		}
		return s
	default:
		return v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
