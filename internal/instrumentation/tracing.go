package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the default tracer name for the cluster-bridge packages.
const TracerName = "github.com/giantswarm/cluster-bridge"

// Span attribute keys.
const (
	// SpanAttrCluster is the cluster id attribute.
	SpanAttrCluster = "bridge.cluster"

	// SpanAttrClusterType is the classified cluster type attribute.
	SpanAttrClusterType = "bridge.cluster_type"

	// SpanAttrNamespace is the Kubernetes namespace.
	SpanAttrNamespace = "k8s.namespace"

	// SpanAttrResourceType is the Kubernetes resource type.
	SpanAttrResourceType = "k8s.resource_type"

	// SpanAttrResourceName is the Kubernetes resource name.
	SpanAttrResourceName = "k8s.resource_name"

	// SpanAttrOperation is the operation type (get, list, create, delete, etc.).
	SpanAttrOperation = "k8s.operation"

	// SpanAttrAPIPath is the discovery path being queried.
	SpanAttrAPIPath = "k8s.api_path"

	// SpanAttrCacheHit indicates whether a cache hit occurred.
	SpanAttrCacheHit = "bridge.cache_hit"
)

// StartSpan starts a new span with the given name and attributes.
// The caller is responsible for ending the span with defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartK8sSpan starts a span for Kubernetes API operations.
// Includes operation and resource attributes.
func StartK8sSpan(ctx context.Context, operation, resourceType, namespace string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+3)
	allAttrs = append(allAttrs, attribute.String(SpanAttrOperation, operation))
	if resourceType != "" {
		allAttrs = append(allAttrs, attribute.String(SpanAttrResourceType, resourceType))
	}
	if namespace != "" {
		allAttrs = append(allAttrs, attribute.String(SpanAttrNamespace, namespace))
	}
	allAttrs = append(allAttrs, attrs...)

	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "k8s."+operation,
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartDiscoverySpan starts a span for an API discovery request.
func StartDiscoverySpan(ctx context.Context, path string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "discovery",
		trace.WithAttributes(attribute.String(SpanAttrAPIPath, path)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartResolveSpan starts a span for API version negotiation of a resource
// kind. Mark the outcome with SetCacheHit.
func StartResolveSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "apiversion.resolve",
		trace.WithAttributes(attribute.String(SpanAttrResourceType, kind)))
}

// SetCacheHit records whether the span was answered from a cache.
func SetCacheHit(span trace.Span, hit bool) {
	span.SetAttributes(attribute.Bool(SpanAttrCacheHit, hit))
}

// StartClusterSpan starts a span for cluster lifecycle operations such as
// connect, disconnect and reachability checks.
func StartClusterSpan(ctx context.Context, operation, clusterID, clusterName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+3)
	allAttrs = append(allAttrs,
		attribute.String(SpanAttrOperation, operation),
		attribute.String(SpanAttrCluster, clusterID),
		attribute.String(SpanAttrClusterType, ClassifyClusterName(clusterName)),
	)
	allAttrs = append(allAttrs, attrs...)

	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "cluster."+operation, trace.WithAttributes(allAttrs...))
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddSpanEvent adds an event to the span with optional attributes.
func AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the current span in context.
// Returns empty string if no valid span is present.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
