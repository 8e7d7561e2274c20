package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmdProperties(t *testing.T) {
	assert.Equal(t, "cluster-bridge", rootCmd.Use)
	assert.Contains(t, rootCmd.Long, "kubeconfig")
	assert.True(t, rootCmd.SilenceUsage)
}

func TestSetVersion(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() {
		rootCmd.Version = originalVersion
	}()

	SetVersion("v1.2.3-test")
	assert.Equal(t, "v1.2.3-test", rootCmd.Version)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	var found []string
	for _, cmd := range rootCmd.Commands() {
		found = append(found, cmd.Name())
	}

	for _, want := range []string{"version", "serve", "auth-proxy", "contexts"} {
		assert.Contains(t, found, want)
	}
}

func TestAuthProxyCmdIsHidden(t *testing.T) {
	cmd := newAuthProxyCmd()
	assert.True(t, cmd.Hidden, "auth-proxy is started by the bridge, not by users")
	for _, flag := range []string{"kubeconfig", "port", "cluster-id"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), flag)
	}
}
