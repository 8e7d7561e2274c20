package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys - using constants for consistency and DRY
const (
	attrMethod       = "method"
	attrPath         = "path"
	attrStatus       = "status"
	attrOperation    = "operation"
	attrResourceType = "resource_type"
	attrNamespace    = "namespace"
	attrResult       = "result"
	attrState        = "state"
	attrClusterType  = "cluster_type"
	attrReason       = "reason"
	attrEventType    = "event_type"
	attrLongRunning  = "long_running"
)

var durationBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Metrics provides methods for recording observability metrics.
//
// All Record methods are safe to call on a nil *Metrics, which makes
// instrumentation optional for every component that accepts one.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Kubernetes operation metrics
	k8sOperationsTotal   metric.Int64Counter
	k8sOperationDuration metric.Float64Histogram

	// API discovery metrics
	discoveryRequestsTotal metric.Int64Counter
	discoveryDuration      metric.Float64Histogram

	// Cluster connection metrics
	clusterStateTransitions metric.Int64Counter
	clustersConnected       metric.Int64UpDownCounter

	// Auth proxy metrics
	authProxyLaunchesTotal metric.Int64Counter
	authProxyLaunchTime    metric.Float64Histogram
	authProxyExitsTotal    metric.Int64Counter

	// Proxied request metrics
	proxyRequestsTotal metric.Int64Counter

	// Watch stream metrics
	watchReconnectsTotal metric.Int64Counter
	watchEventsTotal     metric.Int64Counter

	// detailedLabels controls whether high-cardinality labels (namespace, resource_type)
	// are included in Kubernetes operation metrics
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.k8sOperationsTotal, err = meter.Int64Counter(
		"kubernetes_operations_total",
		metric.WithDescription("Total number of Kubernetes operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes_operations_total counter: %w", err)
	}

	m.k8sOperationDuration, err = meter.Float64Histogram(
		"kubernetes_operation_duration_seconds",
		metric.WithDescription("Kubernetes operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes_operation_duration_seconds histogram: %w", err)
	}

	m.discoveryRequestsTotal, err = meter.Int64Counter(
		"api_discovery_requests_total",
		metric.WithDescription("Total number of API group and resource discovery requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_discovery_requests_total counter: %w", err)
	}

	m.discoveryDuration, err = meter.Float64Histogram(
		"api_discovery_duration_seconds",
		metric.WithDescription("API discovery request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api_discovery_duration_seconds histogram: %w", err)
	}

	m.clusterStateTransitions, err = meter.Int64Counter(
		"cluster_state_transitions_total",
		metric.WithDescription("Total number of cluster connection state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster_state_transitions_total counter: %w", err)
	}

	m.clustersConnected, err = meter.Int64UpDownCounter(
		"clusters_connected",
		metric.WithDescription("Number of clusters currently connected"),
		metric.WithUnit("{cluster}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create clusters_connected gauge: %w", err)
	}

	m.authProxyLaunchesTotal, err = meter.Int64Counter(
		"auth_proxy_launches_total",
		metric.WithDescription("Total number of auth proxy launches"),
		metric.WithUnit("{launch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_proxy_launches_total counter: %w", err)
	}

	m.authProxyLaunchTime, err = meter.Float64Histogram(
		"auth_proxy_launch_duration_seconds",
		metric.WithDescription("Time from auth proxy spawn to readiness in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_proxy_launch_duration_seconds histogram: %w", err)
	}

	m.authProxyExitsTotal, err = meter.Int64Counter(
		"auth_proxy_exits_total",
		metric.WithDescription("Total number of unexpected auth proxy exits"),
		metric.WithUnit("{exit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_proxy_exits_total counter: %w", err)
	}

	m.proxyRequestsTotal, err = meter.Int64Counter(
		"proxied_requests_total",
		metric.WithDescription("Total number of requests forwarded to a cluster"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxied_requests_total counter: %w", err)
	}

	m.watchReconnectsTotal, err = meter.Int64Counter(
		"watch_stream_reconnects_total",
		metric.WithDescription("Total number of multiplexed watch stream reconnects"),
		metric.WithUnit("{reconnect}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watch_stream_reconnects_total counter: %w", err)
	}

	m.watchEventsTotal, err = meter.Int64Counter(
		"watch_events_total",
		metric.WithDescription("Total number of watch events dispatched to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watch_events_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordK8sOperation records a Kubernetes operation with operation type, resource type,
// namespace, status, and duration.
//
// CARDINALITY NOTE: When detailedLabels is false (default), only operation and status
// labels are recorded. When detailedLabels is true, namespace and resource_type are
// also included.
func (m *Metrics) RecordK8sOperation(ctx context.Context, operation, resourceType, namespace, status string, duration time.Duration) {
	if m == nil || m.k8sOperationsTotal == nil || m.k8sOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}
	if m.detailedLabels {
		attrs = append(attrs,
			attribute.String(attrResourceType, resourceType),
			attribute.String(attrNamespace, namespace),
		)
	}

	m.k8sOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.k8sOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDiscovery records a group or resource-list discovery request.
// result is one of DiscoveryResultFound, DiscoveryResultNotFound or DiscoveryResultError.
func (m *Metrics) RecordDiscovery(ctx context.Context, result string, duration time.Duration) {
	if m == nil || m.discoveryRequestsTotal == nil || m.discoveryDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(attrResult, result))
	m.discoveryRequestsTotal.Add(ctx, 1, attrs)
	m.discoveryDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordClusterState records a cluster entering a connection state and keeps
// the connected cluster gauge in step. The cluster name is classified to
// bound label cardinality.
func (m *Metrics) RecordClusterState(ctx context.Context, clusterName, from, to string) {
	if m == nil || m.clusterStateTransitions == nil || m.clustersConnected == nil {
		return
	}
	m.clusterStateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrState, to),
		attribute.String(attrClusterType, ClassifyClusterName(clusterName)),
	))
	switch {
	case to == StateConnected && from != StateConnected:
		m.clustersConnected.Add(ctx, 1)
	case from == StateConnected && to != StateConnected:
		m.clustersConnected.Add(ctx, -1)
	}
}

// RecordAuthProxyLaunch records an auth proxy launch attempt and its time to readiness.
func (m *Metrics) RecordAuthProxyLaunch(ctx context.Context, status string, duration time.Duration) {
	if m == nil || m.authProxyLaunchesTotal == nil || m.authProxyLaunchTime == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	m.authProxyLaunchesTotal.Add(ctx, 1, attrs)
	m.authProxyLaunchTime.Record(ctx, duration.Seconds(), attrs)
}

// RecordAuthProxyExit records an auth proxy process exiting while it was expected to run.
func (m *Metrics) RecordAuthProxyExit(ctx context.Context) {
	if m == nil || m.authProxyExitsTotal == nil {
		return
	}
	m.authProxyExitsTotal.Add(ctx, 1)
}

// RecordProxyRequest records a request routed to a cluster.
func (m *Metrics) RecordProxyRequest(ctx context.Context, clusterName string, longRunning bool, statusCode int) {
	if m == nil || m.proxyRequestsTotal == nil {
		return
	}
	m.proxyRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrClusterType, ClassifyClusterName(clusterName)),
		attribute.Bool(attrLongRunning, longRunning),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	))
}

// RecordWatchReconnect records a reconnect of the multiplexed watch stream.
func (m *Metrics) RecordWatchReconnect(ctx context.Context, reason string) {
	if m == nil || m.watchReconnectsTotal == nil {
		return
	}
	m.watchReconnectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RecordWatchEvent records a watch event dispatched to subscribers.
func (m *Metrics) RecordWatchEvent(ctx context.Context, eventType string) {
	if m == nil || m.watchEventsTotal == nil {
		return
	}
	m.watchEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrEventType, eventType)))
}
