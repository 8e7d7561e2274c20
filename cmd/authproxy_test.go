package cmd

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/cluster-bridge/internal/authproxy"
)

type lineSink chan string

func (s lineSink) Write(p []byte) (int, error) {
	s <- string(p)
	return len(p), nil
}

func TestRunAuthProxyServesKubeconfigContext(t *testing.T) {
	gotAuth := make(chan string, 1)
	// client-go only attaches kubeconfig credentials to TLS transports.
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotAuth <- r.Header.Get("Authorization"):
		default:
		}
		_, _ = io.WriteString(w, `{"major":"1","minor":"31"}`)
	}))
	defer upstream.Close()

	path := writeKubeconfig(t, fmt.Sprintf(`apiVersion: v1
kind: Config
current-context: local
clusters:
- name: local
  cluster:
    server: %s
    certificate-authority-data: %s
users:
- name: local
  user:
    token: local-token
contexts:
- name: local
  context:
    cluster: local
    user: local
`, upstream.URL, caData(upstream)))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(lineSink, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runAuthProxy(ctx, authProxyOptions{kubeconfigPath: path, clusterID: "c1"}, ready)
	}()

	var line string
	select {
	case line = <-ready:
	case err := <-errCh:
		t.Fatalf("auth proxy exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no readiness line")
	}
	require.True(t, strings.HasPrefix(line, authproxy.ReadyPrefix), line)
	addr := strings.TrimSpace(strings.TrimPrefix(line, authproxy.ReadyPrefix))

	resp, err := http.Get("http://" + addr + "/version")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"minor":"31"`)
	assert.Equal(t, "Bearer local-token", <-gotAuth)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("auth proxy did not stop")
	}
}

// caData returns the base64 PEM of the test server certificate.
func caData(server *httptest.Server) string {
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	return base64.StdEncoding.EncodeToString(block)
}

func TestRunAuthProxyErrors(t *testing.T) {
	noContext := writeKubeconfig(t, `apiVersion: v1
kind: Config
clusters: []
users: []
contexts: []
`)

	tests := []struct {
		name    string
		opts    authProxyOptions
		wantErr string
	}{
		{name: "bad port", opts: authProxyOptions{kubeconfigPath: noContext, port: 70000}, wantErr: "invalid port"},
		{name: "missing file", opts: authProxyOptions{kubeconfigPath: "/does/not/exist"}},
		{name: "no current context", opts: authProxyOptions{kubeconfigPath: noContext}, wantErr: "no current context"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runAuthProxy(context.Background(), tt.opts, io.Discard)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
