package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
	"github.com/giantswarm/cluster-bridge/internal/retry"
)

// defaultHealthCheckPath is the standard Kubernetes health endpoint.
const defaultHealthCheckPath = "/healthz"

// ConnectivityConfig holds the reachability check settings.
//
// If not specified, the following defaults are used:
//   - ConnectionTimeout: 5 seconds
//   - RetryAttempts: 3
//   - RetryBackoff: 1 second, doubling per attempt
type ConnectivityConfig struct {
	// ConnectionTimeout bounds a single check, including the TLS handshake.
	ConnectionTimeout time.Duration

	// RetryAttempts is the number of checks made on Connect before giving up.
	// Health loop ticks check once.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry.
	RetryBackoff time.Duration

	// HealthCheckPath defaults to "/healthz".
	HealthCheckPath string
}

// DefaultConnectivityConfig returns a ConnectivityConfig with the defaults above.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		ConnectionTimeout: 5 * time.Second,
		RetryAttempts:     3,
		RetryBackoff:      1 * time.Second,
		HealthCheckPath:   defaultHealthCheckPath,
	}
}

// CheckConnectivity verifies that the API server described by config
// answers on its health endpoint. Credentials are stripped, so exec plugins
// are never run for a check; an authentication or authorization failure
// still proves the server is reachable.
//
// Returns different error types based on the failure:
//   - *ConnectivityTimeoutError: the server did not answer in time
//   - *TLSError: TLS or certificate issues
//   - *ConnectionError: any other failure
func CheckConnectivity(ctx context.Context, clusterID string, config *rest.Config, cc ConnectivityConfig) error {
	if config == nil {
		return &ConnectionError{ClusterID: clusterID, Host: "<nil config>", Reason: "config is nil"}
	}

	timeout := cc.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectivityConfig().ConnectionTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	anon := rest.AnonymousClientConfig(config)
	anon.APIPath = "/api"
	anon.GroupVersion = &schema.GroupVersion{Version: "v1"}
	anon.NegotiatedSerializer = scheme.Codecs.WithoutConversion()
	anon.Timeout = timeout

	client, err := rest.RESTClientFor(anon)
	if err != nil {
		return wrapConnectivityError(clusterID, config.Host, "failed to create REST client", err)
	}

	healthPath := cc.HealthCheckPath
	if healthPath == "" {
		healthPath = defaultHealthCheckPath
	}

	err = client.Get().AbsPath(healthPath).Do(checkCtx).Error()
	if err == nil || apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) {
		return nil
	}
	return wrapConnectivityError(clusterID, config.Host, "health check failed", err)
}

// CheckConnectivityWithRetry runs CheckConnectivity up to RetryAttempts
// times with exponential backoff. TLS errors are not retried.
func CheckConnectivityWithRetry(ctx context.Context, clusterID string, config *rest.Config, cc ConnectivityConfig) error {
	if config == nil {
		return &ConnectionError{ClusterID: clusterID, Host: "<nil config>", Reason: "config is nil"}
	}

	attempts := max(cc.RetryAttempts, 1)
	initial := cc.RetryBackoff
	if initial <= 0 {
		initial = DefaultConnectivityConfig().RetryBackoff
	}
	backoff := retry.NewBackoff(retry.Config{InitialDelay: initial, MaxDelay: initial << attempts})

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wrapConnectivityError(clusterID, config.Host, "context cancelled during backoff", ctx.Err())
			case <-time.After(backoff.Next()):
			}
		}

		err := CheckConnectivity(ctx, clusterID, config, cc)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return err
		}
	}
	return lastErr
}

// isRetryableError reports whether retrying a failed check can help.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var tlsErr *TLSError
	return !errors.As(err, &tlsErr)
}

// wrapConnectivityError classifies err into one of the connectivity error types.
func wrapConnectivityError(clusterID, host, reason string, err error) error {
	host = logging.SanitizeHost(host)
	if err == nil {
		return &ConnectionError{ClusterID: clusterID, Host: host, Reason: reason}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectivityTimeoutError{ClusterID: clusterID, Host: host, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ConnectionError{ClusterID: clusterID, Host: host, Reason: "request cancelled", Err: err}
	}
	if isTLSError(err) {
		return &TLSError{ClusterID: clusterID, Host: host, Reason: extractTLSReason(err), Err: err}
	}
	if isTimeoutError(err) {
		return &ConnectivityTimeoutError{ClusterID: clusterID, Host: host, Err: err}
	}
	return &ConnectionError{ClusterID: clusterID, Host: host, Reason: reason, Err: err}
}

var tlsPatterns = []string{
	"tls:",
	"x509:",
	"certificate signed by",
	"certificate has expired",
	"certificate is not valid",
	"certificate is valid for",
	"handshake failure",
	"unknown authority",
	"bad certificate",
	"unsupported protocol",
}

// isTLSError checks if the error is related to TLS/certificate issues.
func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	msg := err.Error()
	for _, pattern := range tlsPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError trusts net.Error only. Error text is not inspected since
// client-go request URLs carry a timeout query parameter.
func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// extractTLSReason maps common TLS failures to a short reason.
func extractTLSReason(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unknown authority"):
		return "certificate signed by unknown authority"
	case strings.Contains(msg, "has expired"):
		return "certificate has expired"
	case strings.Contains(msg, "not valid yet"):
		return "certificate is not yet valid"
	case strings.Contains(msg, "doesn't contain any IP SANs"):
		return "certificate doesn't match server IP"
	case strings.Contains(msg, "doesn't match"):
		return "certificate hostname mismatch"
	case strings.Contains(msg, "handshake failure"):
		return "TLS handshake failed"
	case strings.Contains(msg, "protocol version"):
		return "TLS protocol version mismatch"
	default:
		return "TLS error"
	}
}

// EndpointType classifies an API server host for logging. It returns
// "local", "private", "public" or "unknown".
func EndpointType(host string) string {
	if host == "" {
		return "unknown"
	}
	hostPart := strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	if i := strings.Index(hostPart, "/"); i >= 0 {
		hostPart = hostPart[:i]
	}
	if h, _, err := net.SplitHostPort(hostPart); err == nil {
		hostPart = h
	}

	if hostPart == "localhost" {
		return "local"
	}
	if ip := net.ParseIP(strings.Trim(hostPart, "[]")); ip != nil {
		switch {
		case ip.IsLoopback():
			return "local"
		case ip.IsPrivate(), ip.IsLinkLocalUnicast():
			return "private"
		default:
			return "public"
		}
	}
	for _, suffix := range []string{".internal", ".local", ".svc", ".cluster.local"} {
		if strings.HasSuffix(hostPart, suffix) {
			return "private"
		}
	}
	return "public"
}

// checkDirect is the default reachability check: the API server of the
// cluster's kubeconfig, contacted without credentials.
func (m *Manager) checkDirect(ctx context.Context, conn *Connection) error {
	config, err := kubeconfig.RESTConfig(conn.config(), conn.contextName)
	if err != nil {
		return &ConnectionError{ClusterID: conn.id, Reason: "invalid kubeconfig", Err: err}
	}
	if conn.State() == StateConnecting {
		return CheckConnectivityWithRetry(ctx, conn.id, config, m.cfg.Connectivity)
	}
	return CheckConnectivity(ctx, conn.id, config, m.cfg.Connectivity)
}

// CheckAll re-checks the reachability of every cluster that is not
// disconnected, updating their online flags. States are left alone.
func (m *Manager) CheckAll(ctx context.Context) {
	var conns []*Connection
	for _, conn := range m.List() {
		if conn.State() != StateDisconnected {
			conns = append(conns, conn)
		}
	}
	m.checkConnections(ctx, conns)
}

func (m *Manager) checkConnections(ctx context.Context, conns []*Connection) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	changed := false
	results := make([]bool, len(conns))
	for i, conn := range conns {
		g.Go(func() error {
			err := m.check(gctx, conn)
			if err != nil {
				conn.logger.Debug("reachability check failed",
					logging.SanitizedErr(err),
					slog.String("endpoint_type", EndpointType(conn.Status().Server)))
			}
			results[i] = conn.setOnline(err == nil)
			return nil
		})
	}
	_ = g.Wait()
	for _, c := range results {
		changed = changed || c
	}
	if changed {
		m.publishCatalog()
	}
}

// SetOnline handles a network transition of the host. Going offline marks
// every cluster that is not disconnected as offline before re-checking;
// going online only re-checks. It returns once the checks finished.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	var conns []*Connection
	for _, conn := range m.List() {
		if conn.State() == StateDisconnected {
			continue
		}
		if !online {
			conn.setOnline(false)
		}
		conns = append(conns, conn)
	}
	m.logger.Info("network state changed", slog.Bool("online", online), slog.Int("clusters", len(conns)))
	if !online {
		m.publishCatalog()
	}
	m.checkConnections(ctx, conns)
}

// Start runs the periodic reachability checks until ctx is cancelled or
// the manager is closed.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.stopHealth != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopHealth = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}
