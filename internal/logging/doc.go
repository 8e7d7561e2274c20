// Package logging provides structured logging utilities for cluster-bridge.
//
// All components log through log/slog. Loggers are passed in explicitly
// (functional options named WithLogger) and default to slog.Default().
// This package centralizes attribute names so that log lines emitted by the
// kubeconfig resolver, the connection manager and the auth proxy supervisor
// can be correlated by cluster id.
//
// # Usage Patterns
//
//	logger := logging.WithCluster(slog.Default(), conn.ID)
//	logger.Info("auth proxy ready",
//	    logging.Port(port),
//	    logging.Host(apiServer))
//
// client-go logs through klog; RouteKlog forwards those lines into the same
// slog handler via go-logr.
//
// # Security Considerations
//
//   - API server URLs have IP addresses redacted (SanitizeHost, SanitizedErr)
//   - Query strings are dropped from logged request URLs (SanitizeURL)
//   - Bearer tokens are never logged, only their length (SanitizeToken)
package logging
