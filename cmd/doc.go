// Package cmd provides the command-line interface for cluster-bridge.
//
// This package implements a Cobra-based CLI with the following subcommands:
//   - serve: Starts the bridge (default behavior when no subcommand is provided)
//   - contexts: Lists kubeconfig contexts with the cluster IDs the bridge assigns
//   - version: Displays the application version
//   - auth-proxy: Hidden; serves one kubeconfig context on a loopback port
//
// Command Structure:
//
//	cluster-bridge [flags]                         # Starts the bridge (default)
//	cluster-bridge serve --kubeconfig ~/.kube/config
//	cluster-bridge contexts -o json
//	cluster-bridge version
//
// The bridge re-executes its own binary with the auth-proxy subcommand for
// every cluster it connects. That child prints a single readiness line on
// stdout and logs to stderr.
//
// Most serve flags can also be set through environment variables, for
// example HEALTH_INTERVAL, ALLOWED_ORIGINS or CONNECTIVITY_RETRY_ATTEMPTS.
// Explicitly set flags take precedence. OpenTelemetry instrumentation is
// configured by INSTRUMENTATION_ENABLED, METRICS_EXPORTER and related
// variables.
package cmd
