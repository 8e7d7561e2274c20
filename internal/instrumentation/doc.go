// Package instrumentation provides OpenTelemetry instrumentation for the
// cluster-bridge server.
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//   - proxied_requests_total: Counter of requests forwarded to a cluster
//
// Kubernetes Operation Metrics:
//   - kubernetes_operations_total: Counter of typed client operations
//   - kubernetes_operation_duration_seconds: Histogram of operation durations
//   - api_discovery_requests_total / api_discovery_duration_seconds: group
//     and resource-list discovery performed during version negotiation
//
// Cluster Metrics:
//   - cluster_state_transitions_total: Counter of connection state changes
//   - clusters_connected: Number of clusters in the connected state
//   - auth_proxy_launches_total / auth_proxy_launch_duration_seconds
//   - auth_proxy_exits_total: Unexpected auth proxy exits
//
// Watch Metrics:
//   - watch_stream_reconnects_total: Reconnects by reason
//   - watch_events_total: Dispatched events by type
//
// Cluster names are classified (see ClassifyClusterName) before they are
// used as labels. Namespace and resource_type labels on Kubernetes
// operation metrics are only added when METRICS_DETAILED_LABELS is set.
//
// # Configuration
//
// Instrumentation is configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: false)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: cluster-bridge)
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordK8sOperation(ctx, "get", "pods", "default", "success", time.Since(start))
package instrumentation
