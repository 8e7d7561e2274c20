package kubeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/apiversion"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// PatchStrategy selects the patch content type.
type PatchStrategy string

// Patch strategies. The zero value behaves as PatchStrategic.
const (
	PatchStrategic PatchStrategy = "strategic"
	PatchMerge     PatchStrategy = "merge"
	PatchJSON      PatchStrategy = "json"
)

// PatchType maps the strategy to the Content-Type sent to the server.
func (s PatchStrategy) PatchType() (types.PatchType, error) {
	switch s {
	case "", PatchStrategic:
		return types.StrategicMergePatchType, nil
	case PatchMerge:
		return types.MergePatchType, nil
	case PatchJSON:
		return types.JSONPatchType, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidPatch, s)
	}
}

// maxListConcurrency bounds the per-namespace list fan-out.
const maxListConcurrency = 8

// Client is a typed client for one resource kind on one cluster.
//
// The API base is negotiated lazily on the first call and then fixed for
// the lifetime of the client. The client owns its resource version cursor.
type Client[T any] struct {
	descriptor apiversion.Descriptor
	rest       rest.Interface
	negotiator *apiversion.Negotiator
	cursor     *Cursor
	logger     *slog.Logger
	metrics    *instrumentation.Metrics

	mu         sync.RWMutex
	resolution *apiversion.Resolution
}

type options struct {
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records every operation.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates a client for descriptor. negotiator must belong to the same
// cluster as client.
func New[T any](descriptor apiversion.Descriptor, client rest.Interface, negotiator *apiversion.Negotiator, opts ...Option) *Client[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client[T]{
		descriptor: descriptor,
		rest:       client,
		negotiator: negotiator,
		cursor:     NewCursor(),
		logger:     logging.WithComponent(o.logger, "kubeapi").With(slog.String("kind", descriptor.Kind)),
		metrics:    o.metrics,
	}
}

// ID identifies the resource descriptor this client serves.
func (c *Client[T]) ID() string {
	return c.descriptor.Key()
}

// Descriptor returns the descriptor the client was built from.
func (c *Client[T]) Descriptor() apiversion.Descriptor {
	return c.descriptor
}

// Cursor returns the client's resource version cursor.
func (c *Client[T]) Cursor() *Cursor {
	return c.cursor
}

// SetResourceVersion advances the cursor for namespace, typically from a
// watch event.
func (c *Client[T]) SetResourceVersion(namespace, version string) {
	c.cursor.Set(namespace, version)
}

// ResetResourceVersion forgets the cursor for namespace.
func (c *Client[T]) ResetResourceVersion(namespace string) {
	c.cursor.Reset(namespace)
}

// Resolve runs version negotiation if it has not completed yet.
func (c *Client[T]) Resolve(ctx context.Context) (apiversion.Resolution, error) {
	c.mu.RLock()
	res := c.resolution
	c.mu.RUnlock()
	if res != nil {
		return *res, nil
	}

	resolved, err := c.negotiator.Resolve(ctx, c.descriptor)
	if err != nil {
		return apiversion.Resolution{}, mapError("discover", c.descriptor.APIBase, err)
	}

	c.mu.Lock()
	if c.resolution == nil {
		c.resolution = &resolved
	}
	res = c.resolution
	c.mu.Unlock()
	return *res, nil
}

// APIPrefix returns "/api" or "/apis" once negotiation has completed, "" before.
func (c *Client[T]) APIPrefix() string {
	return c.resolvedBase().Prefix
}

// APIGroup returns the negotiated group, "" for core or before negotiation.
func (c *Client[T]) APIGroup() string {
	return c.resolvedBase().Group
}

// APIVersion returns the negotiated version, "" before negotiation.
func (c *Client[T]) APIVersion() string {
	return c.resolvedBase().Version
}

func (c *Client[T]) resolvedBase() apiversion.Base {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.resolution == nil {
		return apiversion.Base{}
	}
	return c.resolution.Base
}

// List returns the objects in the given namespaces. Without namespaces, or
// for cluster-scoped resources, a single cluster-wide request is issued.
// Namespaced lists issue one request per namespace and concatenate the
// results in argument order.
func (c *Client[T]) List(ctx context.Context, namespaces ...string) ([]T, error) {
	raw, err := c.listNamespaces(ctx, namespaces)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var obj T
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", c.descriptor.Kind, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Relist clears the cursor for namespace and lists it again. Used to
// recover after the server reports the cursor as expired.
func (c *Client[T]) Relist(ctx context.Context, namespace string) ([]json.RawMessage, error) {
	c.cursor.Reset(namespace)
	if namespace == AllNamespaces {
		return c.listNamespaces(ctx, nil)
	}
	return c.listNamespaces(ctx, []string{namespace})
}

func (c *Client[T]) listNamespaces(ctx context.Context, namespaces []string) ([]json.RawMessage, error) {
	res, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	if !res.Namespaced || len(namespaces) == 0 {
		items, rv, err := c.listOne(ctx, res, "")
		if err != nil {
			return nil, err
		}
		c.cursor.Set(AllNamespaces, rv)
		return items, nil
	}

	results := make([][]json.RawMessage, len(namespaces))
	versions := make([]string, len(namespaces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxListConcurrency)
	for i, ns := range namespaces {
		g.Go(func() error {
			items, rv, err := c.listOne(gctx, res, ns)
			if err != nil {
				return err
			}
			results[i] = items
			versions[i] = rv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []json.RawMessage
	for i, ns := range namespaces {
		c.cursor.Set(ns, versions[i])
		out = append(out, results[i]...)
	}
	// The aggregate key follows the last namespace listed.
	c.cursor.Set(AllNamespaces, versions[len(versions)-1])
	return out, nil
}

type listResponse struct {
	Metadata metav1.ListMeta  `json:"metadata"`
	Items    []json.RawMessage `json:"items"`
}

func (c *Client[T]) listOne(ctx context.Context, res apiversion.Resolution, namespace string) ([]json.RawMessage, string, error) {
	p := c.resourcePath(res, namespace, "")
	data, err := c.do(ctx, instrumentation.OperationList, namespace, p, c.rest.Get().AbsPath(p))
	if err != nil {
		return nil, "", err
	}
	var list listResponse
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, "", fmt.Errorf("failed to decode %s list: %w", c.descriptor.Kind, err)
	}
	return list.Items, list.Metadata.ResourceVersion, nil
}

// Get returns the named object. An empty or "{}" response body yields a nil
// object and a nil error, which is distinct from a 404 APIError.
func (c *Client[T]) Get(ctx context.Context, name, namespace string) (*T, error) {
	res, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	p := c.resourcePath(res, namespace, name)
	data, err := c.do(ctx, instrumentation.OperationGet, namespace, p, c.rest.Get().AbsPath(p))
	if err != nil {
		return nil, err
	}
	return decodeObject[T](data)
}

// Create posts body as a new object. apiVersion, kind and the name and
// namespace metadata are filled in when body leaves them unset.
func (c *Client[T]) Create(ctx context.Context, name, namespace string, body any) (*T, error) {
	res, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.prepareBody(res, name, namespace, body)
	if err != nil {
		return nil, err
	}
	p := c.resourcePath(res, namespace, "")
	req := c.rest.Post().AbsPath(p).SetHeader("Content-Type", "application/json").Body(data)
	out, err := c.do(ctx, instrumentation.OperationCreate, namespace, p, req)
	if err != nil {
		return nil, err
	}
	return decodeObject[T](out)
}

// Update replaces the named object with body.
func (c *Client[T]) Update(ctx context.Context, name, namespace string, body any) (*T, error) {
	res, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.prepareBody(res, name, namespace, body)
	if err != nil {
		return nil, err
	}
	p := c.resourcePath(res, namespace, name)
	req := c.rest.Put().AbsPath(p).SetHeader("Content-Type", "application/json").Body(data)
	out, err := c.do(ctx, instrumentation.OperationUpdate, namespace, p, req)
	if err != nil {
		return nil, err
	}
	return decodeObject[T](out)
}

// Patch applies body to the named object. A JSON patch body must encode to
// a JSON array of operations.
func (c *Client[T]) Patch(ctx context.Context, name, namespace string, body any, strategy PatchStrategy) (*T, error) {
	pt, err := strategy.PatchType()
	if err != nil {
		return nil, err
	}
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	if pt == types.JSONPatchType {
		if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, fmt.Errorf("%w: json patch body must be an array of operations", ErrInvalidPatch)
		}
	}

	res, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	p := c.resourcePath(res, namespace, name)
	out, err := c.do(ctx, instrumentation.OperationPatch, namespace, p, c.rest.Patch(pt).AbsPath(p).Body(data))
	if err != nil {
		return nil, err
	}
	return decodeObject[T](out)
}

// Delete removes the named object. An empty propagation policy means
// Background.
func (c *Client[T]) Delete(ctx context.Context, name, namespace string, propagation metav1.DeletionPropagation) error {
	if propagation == "" {
		propagation = metav1.DeletePropagationBackground
	}
	res, err := c.Resolve(ctx)
	if err != nil {
		return err
	}
	p := c.resourcePath(res, namespace, name)
	req := c.rest.Delete().AbsPath(p).Param("propagationPolicy", string(propagation))
	_, err = c.do(ctx, instrumentation.OperationDelete, namespace, p, req)
	return err
}

// WatchURL returns the path and query of a watch request for namespace,
// resuming from the cursor's resource version when one is known.
func (c *Client[T]) WatchURL(ctx context.Context, namespace string, extra url.Values) (string, error) {
	res, err := c.Resolve(ctx)
	if err != nil {
		return "", err
	}
	if !res.Namespaced {
		namespace = AllNamespaces
	}

	query := url.Values{}
	for k, v := range extra {
		query[k] = append([]string(nil), v...)
	}
	query.Set("watch", "1")
	if rv := c.cursor.Get(namespace); rv != "" {
		query.Set("resourceVersion", rv)
	}
	return c.resourcePath(res, namespace, "") + "?" + query.Encode(), nil
}

// resourcePath builds {prefix}/{group}/{version}[/namespaces/{ns}]/{resource}[/{name}].
func (c *Client[T]) resourcePath(res apiversion.Resolution, namespace, name string) string {
	parts := []string{res.Base.GroupVersionPath()}
	if res.Namespaced && namespace != "" {
		parts = append(parts, "namespaces", namespace)
	}
	parts = append(parts, res.Base.Resource)
	if name != "" {
		parts = append(parts, name)
	}
	return path.Join(parts...)
}

func (c *Client[T]) do(ctx context.Context, operation, namespace, p string, req *rest.Request) ([]byte, error) {
	ctx, span := instrumentation.StartK8sSpan(ctx, operation, c.descriptor.Kind, namespace)
	defer span.End()
	start := time.Now()

	data, err := req.Do(ctx).Raw()
	if err != nil {
		mapped := mapError(operation, p, err)
		instrumentation.SetSpanError(span, mapped)
		c.metrics.RecordK8sOperation(ctx, operation, c.descriptor.Kind, namespace, instrumentation.StatusError, time.Since(start))
		c.logger.Debug("kubernetes request failed",
			logging.Operation(operation),
			logging.Namespace(namespace),
			logging.Err(mapped))
		return nil, mapped
	}

	instrumentation.SetSpanSuccess(span)
	c.metrics.RecordK8sOperation(ctx, operation, c.descriptor.Kind, namespace, instrumentation.StatusSuccess, time.Since(start))
	return data, nil
}

// prepareBody fills apiVersion, kind and metadata on a create/update body.
func (c *Client[T]) prepareBody(res apiversion.Resolution, name, namespace string, body any) ([]byte, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	obj := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("request body must be a JSON object: %w", err)
		}
	}

	if _, ok := obj["apiVersion"]; !ok {
		obj["apiVersion"] = res.Base.GroupVersion()
	}
	if _, ok := obj["kind"]; !ok && res.Kind != "" {
		obj["kind"] = res.Kind
	}
	meta, _ := obj["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if name != "" {
		meta["name"] = name
	}
	if namespace != "" && res.Namespaced {
		meta["namespace"] = namespace
	}
	obj["metadata"] = meta
	return json.Marshal(obj)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, nil
	}
}

// decodeObject decodes an object response. Empty, "null" and "{}" bodies
// yield nil.
func decodeObject[T any](data []byte) (*T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err == nil && len(fields) == 0 {
		return nil, nil
	}
	var obj T
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &obj, nil
}
