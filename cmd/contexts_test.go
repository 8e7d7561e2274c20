package cmd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
)

const testContextsKubeconfig = `apiVersion: v1
kind: Config
current-context: dev
clusters:
- name: dev-cluster
  cluster:
    server: https://dev.example.com:6443
- name: prod-cluster
  cluster:
    server: https://prod.example.com:6443
users:
- name: dev-user
  user:
    token: dev-token
- name: prod-user
  user:
    exec:
      apiVersion: client.authentication.k8s.io/v1
      command: prod-login
contexts:
- name: dev
  context:
    cluster: dev-cluster
    user: dev-user
    namespace: team-a
- name: prod
  context:
    cluster: prod-cluster
    user: prod-user
`

func writeKubeconfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCollectContexts(t *testing.T) {
	path := writeKubeconfig(t, testContextsKubeconfig)

	rows := collectContexts([]string{path, filepath.Join(t.TempDir(), "missing")}, slog.Default())
	require.Len(t, rows, 2)

	byName := map[string]contextRow{}
	for _, r := range rows {
		byName[r.Context] = r
	}

	dev := byName["dev"]
	assert.Equal(t, cluster.ID(path, "dev"), dev.ID)
	assert.True(t, dev.Current)
	assert.Equal(t, "team-a", dev.Namespace)
	assert.Equal(t, "token", dev.AuthMethod)
	assert.Equal(t, "https://dev.example.com:6443", dev.Server)

	prod := byName["prod"]
	assert.False(t, prod.Current)
	assert.Equal(t, "exec-plugin", prod.AuthMethod)
	assert.NotEqual(t, dev.ID, prod.ID)
}

func TestContextsCmdOutput(t *testing.T) {
	path := writeKubeconfig(t, testContextsKubeconfig)

	tests := []struct {
		name   string
		args   []string
		assert func(t *testing.T, out string)
	}{
		{
			name: "table",
			args: []string{"--kubeconfig", path},
			assert: func(t *testing.T, out string) {
				assert.Contains(t, out, "CONTEXT")
				assert.Contains(t, out, cluster.ID(path, "prod"))
				assert.Contains(t, out, "exec-plugin")
			},
		},
		{
			name: "json",
			args: []string{"--kubeconfig", path, "-o", "json"},
			assert: func(t *testing.T, out string) {
				var rows []contextRow
				require.NoError(t, json.Unmarshal([]byte(out), &rows))
				assert.Len(t, rows, 2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newContextsCmd()
			var buf bytes.Buffer
			cmd.SetOut(&buf)
			cmd.SetArgs(tt.args)
			require.NoError(t, cmd.Execute())
			tt.assert(t, buf.String())
		})
	}
}

func TestContextsCmdRejectsUnknownFormat(t *testing.T) {
	cmd := newContextsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--kubeconfig", writeKubeconfig(t, testContextsKubeconfig), "-o", "yaml"})
	assert.ErrorContains(t, cmd.Execute(), "unsupported output format")
}

func TestRenderContextsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderContexts(&buf, nil))
	assert.Equal(t, "No contexts found.\n", buf.String())
}
