package kubeconfig

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// Validate checks that users, clusters and contexts are all present.
// All missing collections are reported in a single *ValidationError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{MissingUsers: true, MissingClusters: true, MissingContexts: true}
	}
	verr := &ValidationError{
		MissingUsers:    len(cfg.Users) == 0,
		MissingClusters: len(cfg.Clusters) == 0,
		MissingContexts: len(cfg.Contexts) == 0,
	}
	if verr.MissingUsers || verr.MissingClusters || verr.MissingContexts {
		return verr
	}
	return nil
}

// ValidateContext checks that a single context can be used to build a
// client: its cluster and user resolve, client-go accepts the result, and
// an exec credential plugin, if any, can be found on PATH.
func ValidateContext(cfg *Config, contextName string) error {
	ctx, ok := cfg.Context(contextName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, contextName)
	}

	apiCfg, err := toAPIConfig(cfg)
	if err != nil {
		return &ContextError{Context: contextName, Err: err}
	}

	clientCfg := clientcmd.NewNonInteractiveClientConfig(*apiCfg, contextName, &clientcmd.ConfigOverrides{}, nil)
	if _, err := clientCfg.ClientConfig(); err != nil {
		return &ContextError{Context: contextName, Err: err}
	}

	if auth, ok := apiCfg.AuthInfos[ctx.Context.User]; ok && auth.Exec != nil {
		if err := lookupExecCommand(auth.Exec.Command, cfg.path); err != nil {
			return &ContextError{Context: contextName, Err: err}
		}
	}
	return nil
}

// RESTConfig builds a client-go configuration for the given context.
// An empty context name selects the document's current-context.
func RESTConfig(cfg *Config, contextName string) (*rest.Config, error) {
	apiCfg, err := toAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientCfg := clientcmd.NewNonInteractiveClientConfig(*apiCfg, contextName, &clientcmd.ConfigOverrides{}, nil)
	restCfg, err := clientCfg.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build rest config for context %q: %w", contextName, err)
	}
	return restCfg, nil
}

// toAPIConfig converts the lossless document into client-go's typed form.
// Relative file references resolve against the directory the config was
// loaded from, like kubectl does.
func toAPIConfig(cfg *Config) (*clientcmdapi.Config, error) {
	data, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	apiCfg, err := clientcmd.Load(data)
	if err != nil {
		return nil, fmt.Errorf("client-go rejected kubeconfig: %w", err)
	}
	if cfg.path != "" {
		if err := clientcmd.ResolveLocalPaths(withLocationOf(apiCfg, cfg.path)); err != nil {
			return nil, fmt.Errorf("failed to resolve kubeconfig paths: %w", err)
		}
	}
	return apiCfg, nil
}

func withLocationOf(apiCfg *clientcmdapi.Config, path string) *clientcmdapi.Config {
	for _, c := range apiCfg.Clusters {
		c.LocationOfOrigin = path
	}
	for _, a := range apiCfg.AuthInfos {
		a.LocationOfOrigin = path
	}
	for _, c := range apiCfg.Contexts {
		c.LocationOfOrigin = path
	}
	return apiCfg
}

func lookupExecCommand(command, configPath string) error {
	if command == "" {
		return fmt.Errorf("exec plugin has no command")
	}
	if filepath.IsAbs(command) {
		_, err := exec.LookPath(command)
		return err
	}
	if configPath != "" && filepath.Base(command) != command {
		_, err := exec.LookPath(filepath.Join(filepath.Dir(configPath), command))
		return err
	}
	_, err := exec.LookPath(command)
	return err
}
