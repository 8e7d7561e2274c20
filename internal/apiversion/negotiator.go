package apiversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// negotiationTimeout bounds a shared negotiation once it no longer follows
// the context of the caller that started it.
const negotiationTimeout = 30 * time.Second

// Descriptor identifies a resource kind and the API bases that may serve it.
// APIBase is tried first, then each fallback in declaration order.
type Descriptor struct {
	Kind       string
	APIBase    string
	Fallbacks  []string
	Namespaced bool
}

// Candidates returns APIBase followed by the fallbacks.
func (d Descriptor) Candidates() []string {
	out := make([]string, 0, 1+len(d.Fallbacks))
	out = append(out, d.APIBase)
	return append(out, d.Fallbacks...)
}

// Key identifies the descriptor by its candidate bases.
func (d Descriptor) Key() string {
	return strings.Join(d.Candidates(), "|")
}

// Resolution is the outcome of a successful negotiation.
type Resolution struct {
	// Base is the winning candidate with Version set to the server's
	// preferred version for its group.
	Base Base
	// Namespaced and Kind are taken from the server's resource list.
	Namespaced bool
	Kind       string
}

// APIBase returns the resolved base path, e.g. /apis/apps/v1/deployments.
func (r Resolution) APIBase() string {
	return r.Base.String()
}

type resolveResult struct {
	res Resolution
	err error
}

// Negotiator discovers which API base and version a single cluster serves a
// resource under. One Negotiator belongs to exactly one cluster connection.
//
// Group discovery results and resource lists are cached for the lifetime of
// the negotiator. Successful resolutions and NotAvailableErrors are cached
// per descriptor. Transport and server errors are not cached, so a later
// call retries.
type Negotiator struct {
	client  rest.Interface
	logger  *slog.Logger
	metrics *instrumentation.Metrics

	mu         sync.RWMutex
	generation uint64
	resolved   map[string]resolveResult
	groups     map[string]string
	resources  map[string]*metav1.APIResourceList

	flight singleflight.Group
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetrics records discovery requests.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(n *Negotiator) {
		n.metrics = m
	}
}

// NewNegotiator creates a negotiator issuing discovery requests through client.
func NewNegotiator(client rest.Interface, opts ...Option) *Negotiator {
	n := &Negotiator{
		client:    client,
		logger:    slog.Default(),
		resolved:  make(map[string]resolveResult),
		groups:    make(map[string]string),
		resources: make(map[string]*metav1.APIResourceList),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.WithComponent(n.logger, "apiversion")
	return n
}

// Resolve negotiates the API base for d. Concurrent calls for the same
// descriptor share a single negotiation.
func (n *Negotiator) Resolve(ctx context.Context, d Descriptor) (Resolution, error) {
	ctx, span := instrumentation.StartResolveSpan(ctx, d.Kind)
	defer span.End()

	key := d.Key()
	if r, ok := n.cachedResolution(key); ok {
		instrumentation.SetCacheHit(span, true)
		return r.res, r.err
	}
	instrumentation.SetCacheHit(span, false)

	// Shared work outlives the caller that started it.
	shared := context.WithoutCancel(ctx)
	ch := n.flight.DoChan("resolve:"+key, func() (interface{}, error) {
		// Double-check cache inside singleflight
		if r, ok := n.cachedResolution(key); ok {
			return r.res, r.err
		}

		ctx, cancel := context.WithTimeout(shared, negotiationTimeout)
		defer cancel()

		gen := n.currentGeneration()
		res, err := n.negotiate(ctx, d)
		if err == nil || isNotAvailable(err) {
			n.storeResolution(gen, key, resolveResult{res: res, err: err})
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			instrumentation.SetSpanError(span, r.Err)
			return Resolution{}, r.Err
		}
		instrumentation.SetSpanSuccess(span)
		return r.Val.(Resolution), nil
	}
}

// Reset drops every cached result. Called when the cluster connection is
// rebuilt. In-flight negotiations started before Reset do not populate the
// new cache.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generation++
	n.resolved = make(map[string]resolveResult)
	n.groups = make(map[string]string)
	n.resources = make(map[string]*metav1.APIResourceList)
}

func (n *Negotiator) negotiate(ctx context.Context, d Descriptor) (Resolution, error) {
	candidates := d.Candidates()
	reasons := make([]string, 0, len(candidates))

	for _, raw := range candidates {
		base, err := ParseBase(raw)
		if err != nil {
			reasons = append(reasons, err.Error())
			continue
		}

		version, err := n.preferredVersion(ctx, base)
		if err != nil {
			return Resolution{}, err
		}
		if version == "" {
			reasons = append(reasons, fmt.Sprintf("%s: group not served", base.GroupPath()))
			continue
		}

		resolved := base.WithVersion(version)
		list, err := n.resourceList(ctx, resolved)
		if err != nil {
			return Resolution{}, err
		}
		resource, ok := findResource(list, base.Resource)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: resource %s not served", resolved.GroupVersionPath(), base.Resource))
			continue
		}

		n.logger.Debug("negotiated api version",
			slog.String("kind", d.Kind),
			slog.String("api_base", resolved.String()))
		return Resolution{Base: resolved, Namespaced: resource.Namespaced, Kind: resource.Kind}, nil
	}

	n.logger.Info("api not available",
		slog.String("kind", d.Kind),
		slog.String("candidates", strings.Join(candidates, ",")))
	return Resolution{}, &NotAvailableError{Kind: d.Kind, Bases: candidates, Reasons: reasons}
}

// preferredVersion returns the server's preferred version for the group of
// base, or "" when the group is not served.
func (n *Negotiator) preferredVersion(ctx context.Context, base Base) (string, error) {
	path := base.GroupPath()

	n.mu.RLock()
	version, ok := n.groups[path]
	n.mu.RUnlock()
	if ok {
		return version, nil
	}

	v, err, _ := n.flight.Do("group:"+path, func() (interface{}, error) {
		n.mu.RLock()
		version, ok := n.groups[path]
		n.mu.RUnlock()
		if ok {
			return version, nil
		}

		gen := n.currentGeneration()
		data, found, err := n.discover(ctx, path)
		if err != nil {
			return "", err
		}
		if found {
			version, err = parsePreferredVersion(base.Group, data)
			if err != nil {
				return "", err
			}
		}

		n.mu.Lock()
		if gen == n.generation {
			n.groups[path] = version
		}
		n.mu.Unlock()
		return version, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// resourceList returns the resources served at the group version of base,
// or nil when the group version is not served.
func (n *Negotiator) resourceList(ctx context.Context, base Base) (*metav1.APIResourceList, error) {
	path := base.GroupVersionPath()

	n.mu.RLock()
	list, ok := n.resources[path]
	n.mu.RUnlock()
	if ok {
		return list, nil
	}

	v, err, _ := n.flight.Do("resources:"+path, func() (interface{}, error) {
		n.mu.RLock()
		list, ok := n.resources[path]
		n.mu.RUnlock()
		if ok {
			return list, nil
		}

		gen := n.currentGeneration()
		data, found, err := n.discover(ctx, path)
		if err != nil {
			return nil, err
		}
		if found {
			list = &metav1.APIResourceList{}
			if err := json.Unmarshal(data, list); err != nil {
				return nil, fmt.Errorf("failed to decode resource list %s: %w", path, err)
			}
		}

		n.mu.Lock()
		if gen == n.generation {
			n.resources[path] = list
		}
		n.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	list, _ = v.(*metav1.APIResourceList)
	return list, nil
}

// discover GETs a discovery path. found is false when the server answers 404.
func (n *Negotiator) discover(ctx context.Context, path string) (data []byte, found bool, err error) {
	ctx, span := instrumentation.StartDiscoverySpan(ctx, path)
	defer span.End()
	start := time.Now()

	data, err = n.client.Get().AbsPath(path).Do(ctx).Raw()
	switch {
	case err == nil:
		n.metrics.RecordDiscovery(ctx, instrumentation.DiscoveryResultFound, time.Since(start))
		instrumentation.SetSpanSuccess(span)
		return data, true, nil
	case apierrors.IsNotFound(err):
		n.metrics.RecordDiscovery(ctx, instrumentation.DiscoveryResultNotFound, time.Since(start))
		instrumentation.SetSpanSuccess(span)
		return nil, false, nil
	default:
		n.metrics.RecordDiscovery(ctx, instrumentation.DiscoveryResultError, time.Since(start))
		instrumentation.SetSpanError(span, err)
		n.logger.Warn("api discovery failed", slog.String("path", path), logging.Err(err))
		return nil, false, fmt.Errorf("discovery of %s failed: %w", path, err)
	}
}

func (n *Negotiator) cachedResolution(key string) (resolveResult, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.resolved[key]
	return r, ok
}

func (n *Negotiator) storeResolution(gen uint64, key string, r resolveResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen == n.generation {
		n.resolved[key] = r
	}
}

func (n *Negotiator) currentGeneration() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.generation
}

// parsePreferredVersion reads the preferred version from a group discovery
// document. The core group answers /api with an APIVersions list instead of
// an APIGroup.
func parsePreferredVersion(group string, data []byte) (string, error) {
	if group == "" {
		var versions metav1.APIVersions
		if err := json.Unmarshal(data, &versions); err != nil {
			return "", fmt.Errorf("failed to decode core api versions: %w", err)
		}
		if len(versions.Versions) == 0 {
			return "", nil
		}
		return versions.Versions[0], nil
	}

	var apiGroup metav1.APIGroup
	if err := json.Unmarshal(data, &apiGroup); err != nil {
		return "", fmt.Errorf("failed to decode api group %s: %w", group, err)
	}
	if apiGroup.PreferredVersion.Version != "" {
		return apiGroup.PreferredVersion.Version, nil
	}
	if len(apiGroup.Versions) > 0 {
		return apiGroup.Versions[0].Version, nil
	}
	return "", nil
}

func findResource(list *metav1.APIResourceList, name string) (metav1.APIResource, bool) {
	if list == nil {
		return metav1.APIResource{}, false
	}
	for _, r := range list.APIResources {
		if r.Name == name {
			return r, true
		}
	}
	return metav1.APIResource{}, false
}

func isNotAvailable(err error) bool {
	var notAvailable *NotAvailableError
	return errors.As(err, &notAvailable)
}
