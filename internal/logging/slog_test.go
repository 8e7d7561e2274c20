package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{host: "", want: "<empty>"},
		{host: "https://api.cluster.example.com:6443", want: "https://api.cluster.example.com:6443"},
		{host: "https://192.168.1.100:6443", want: "https://<redacted-ip>:6443"},
		{host: "10.0.0.1:6443", want: "<redacted-ip>:6443"},
		{host: "172.16.0.9", want: "<redacted-ip>"},
		{host: "https://[2001:db8::1]:6443", want: "https://<redacted-ip>:6443"},
		{host: "[fd00::10]:443", want: "<redacted-ip>:443"},
		{host: "2001:0db8:85a3:0000:0000:8a2e:0370:7334", want: "<redacted-ip>"},
		{host: "dial tcp 127.0.0.1:41234: connect: connection refused", want: "dial tcp <redacted-ip>:41234: connect: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeHost(tt.host))
		})
	}
}

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "/api/v1/namespaces", want: "/api/v1/namespaces"},
		{in: "/apis/apps/v1/deployments?labelSelector=a%3Db", want: "/apis/apps/v1/deployments"},
		{in: "/api/v1/pods?watch=1&resourceVersion=5", want: "/api/v1/pods"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeURL(tt.in))
		})
	}
}

func TestAttributes(t *testing.T) {
	tests := []struct {
		name  string
		attr  slog.Attr
		key   string
		value string
	}{
		{name: "operation", attr: Operation("connect"), key: KeyOperation, value: "connect"},
		{name: "namespace", attr: Namespace("kube-system"), key: KeyNamespace, value: "kube-system"},
		{name: "cluster", attr: Cluster("0b7c1c2e"), key: KeyCluster, value: "0b7c1c2e"},
		{name: "context", attr: Context("kind-dev"), key: KeyContext, value: "kind-dev"},
		{name: "status", attr: Status("Connected"), key: KeyStatus, value: "Connected"},
		{name: "port", attr: Port(8001), key: KeyPort, value: "8001"},
		{name: "url without query", attr: URL("/api/v1/pods?watch=1"), key: KeyURL, value: "/api/v1/pods"},
		{name: "host redacted", attr: Host("https://10.1.2.3:6443"), key: KeyHost, value: "https://<redacted-ip>:6443"},
		{name: "nil error", attr: Err(nil), key: KeyError, value: ""},
		{name: "error", attr: Err(errors.New("boom")), key: KeyError, value: "boom"},
		{name: "nil sanitized error", attr: SanitizedErr(nil), key: KeyError, value: ""},
		{
			name:  "sanitized error",
			attr:  SanitizedErr(errors.New("Get https://192.168.1.100:6443/healthz: connection refused")),
			key:   KeyError,
			value: "Get https://<redacted-ip>:6443/healthz: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.key, tt.attr.Key)
			assert.Equal(t, tt.value, tt.attr.Value.String())
		})
	}
}

func TestLoggerDecorators(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(WithCluster(logger, "prod"), "watch").Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"cluster":"prod"`)
	assert.Contains(t, out, `"component":"watch"`)
}
