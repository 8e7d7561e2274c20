package contexthandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// Prometheus detection errors.
var (
	// ErrPrometheusNotFound is returned when no provider found a service.
	ErrPrometheusNotFound = errors.New("prometheus not found")

	// ErrUnknownPrometheusProvider is returned for a preferred provider ID
	// that matches no registered provider.
	ErrUnknownPrometheusProvider = errors.New("unknown prometheus provider")

	// ErrInvalidPrometheusService is returned for a malformed manually
	// configured service.
	ErrInvalidPrometheusService = errors.New("invalid prometheus service")
)

// ManualPrometheusProvider is the provider reported for a service set with
// WithPrometheusService.
const ManualPrometheusProvider = "manual"

// PrometheusService locates a Prometheus service inside the cluster.
type PrometheusService struct {
	Namespace string
	Service   string
	Port      int32
	// Prefix is the path prefix Prometheus serves under, usually empty.
	Prefix string
}

// ProxyPath is the API server service proxy path of the service.
func (s PrometheusService) ProxyPath() string {
	return fmt.Sprintf("/api/v1/namespaces/%s/services/%s:%d/proxy%s", s.Namespace, s.Service, s.Port, s.Prefix)
}

// PrometheusDetails is the result of Prometheus detection.
type PrometheusDetails struct {
	Provider string
	Service  PrometheusService
}

// PrometheusProvider looks in a cluster for one way Prometheus is commonly
// installed. Discover returns nil, nil when nothing was found.
type PrometheusProvider interface {
	ID() string
	Discover(ctx context.Context, client kubernetes.Interface) (*PrometheusService, error)
}

// DefaultPrometheusProviders returns the built-in providers.
func DefaultPrometheusProviders() []PrometheusProvider {
	return []PrometheusProvider{
		labelledService{id: "operator", selectors: []string{"operated-prometheus=true"}, portName: "web"},
		labelledService{id: "helm", selectors: []string{
			"app.kubernetes.io/name=prometheus,app.kubernetes.io/component=server",
			"app=prometheus,component=server,heritage=Helm",
		}},
		namedService{id: "lens", namespace: "lens-metrics", name: "prometheus", port: 80},
		namedService{id: "stacklight", namespace: "stacklight", name: "prometheus-server", port: 80},
	}
}

// PrometheusDetails detects the Prometheus service of the cluster. A
// preferred provider is asked alone; otherwise all providers race and the
// first one to find a service wins. The result is cached until the server
// is stopped or restarted.
func (h *Handler) PrometheusDetails(ctx context.Context) (*PrometheusDetails, error) {
	h.mu.Lock()
	if h.prometheus != nil {
		details := *h.prometheus
		h.mu.Unlock()
		return &details, nil
	}
	h.mu.Unlock()

	if h.prometheusService != nil {
		return &PrometheusDetails{Provider: ManualPrometheusProvider, Service: *h.prometheusService}, nil
	}

	client, err := h.Client(ctx)
	if err != nil {
		return nil, err
	}

	providers := h.providers
	if h.preferredProvider != "" {
		providers = nil
		for _, p := range h.providers {
			if p.ID() == h.preferredProvider {
				providers = []PrometheusProvider{p}
				break
			}
		}
		if providers == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPrometheusProvider, h.preferredProvider)
		}
	}

	details, err := racePrometheus(ctx, client, providers)
	if err != nil {
		h.logger.Debug("prometheus detection failed", logging.Err(err))
		return nil, err
	}

	h.mu.Lock()
	h.prometheus = details
	h.mu.Unlock()
	h.logger.Info("prometheus detected",
		slog.String("provider", details.Provider),
		logging.Namespace(details.Service.Namespace))
	out := *details
	return &out, nil
}

type discoveryResult struct {
	provider string
	service  *PrometheusService
	err      error
}

// racePrometheus queries all providers concurrently and returns the first
// service found. When none is found the error lists every failure.
func racePrometheus(ctx context.Context, client kubernetes.Interface, providers []PrometheusProvider) (*PrometheusDetails, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrPrometheusNotFound)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan discoveryResult, len(providers))
	for _, p := range providers {
		go func() {
			service, err := p.Discover(ctx, client)
			results <- discoveryResult{provider: p.ID(), service: service, err: err}
		}()
	}

	var errs []error
	for range providers {
		r := <-results
		switch {
		case r.err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", r.provider, r.err))
		case r.service == nil:
			errs = append(errs, fmt.Errorf("%s: no matching service", r.provider))
		default:
			return &PrometheusDetails{Provider: r.provider, Service: *r.service}, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrPrometheusNotFound, errors.Join(errs...))
}

// labelledService finds the first service matching any of its selectors in
// any namespace.
type labelledService struct {
	id        string
	selectors []string
	portName  string
}

func (p labelledService) ID() string { return p.id }

func (p labelledService) Discover(ctx context.Context, client kubernetes.Interface) (*PrometheusService, error) {
	for _, selector := range p.selectors {
		list, err := client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return nil, err
		}
		for i := range list.Items {
			svc := &list.Items[i]
			if port, ok := servicePort(svc, p.portName); ok {
				return &PrometheusService{Namespace: svc.Namespace, Service: svc.Name, Port: port}, nil
			}
		}
	}
	return nil, nil
}

// namedService checks for a well-known service.
type namedService struct {
	id        string
	namespace string
	name      string
	port      int32
}

func (p namedService) ID() string { return p.id }

func (p namedService) Discover(ctx context.Context, client kubernetes.Interface) (*PrometheusService, error) {
	svc, err := client.CoreV1().Services(p.namespace).Get(ctx, p.name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	port := p.port
	if found, ok := servicePort(svc, ""); ok {
		port = found
	}
	return &PrometheusService{Namespace: svc.Namespace, Service: svc.Name, Port: port}, nil
}

// servicePort returns the port named name, or the first port when name is
// empty or not present.
func servicePort(svc *corev1.Service, name string) (int32, bool) {
	if len(svc.Spec.Ports) == 0 {
		return 0, false
	}
	if name != "" {
		for _, p := range svc.Spec.Ports {
			if strings.EqualFold(p.Name, name) {
				return p.Port, true
			}
		}
	}
	return svc.Spec.Ports[0].Port, true
}

// ParsePrometheusService parses "namespace/service:port[/prefix]", the form
// used for a manually configured Prometheus.
func ParsePrometheusService(s string) (*PrometheusService, error) {
	ns, rest, ok := strings.Cut(s, "/")
	if !ok || ns == "" {
		return nil, fmt.Errorf("%w %q: expected namespace/service:port", ErrInvalidPrometheusService, s)
	}
	prefix := ""
	if i := strings.Index(rest, "/"); i >= 0 {
		rest, prefix = rest[:i], rest[i:]
	}
	name, portStr, ok := strings.Cut(rest, ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w %q: expected namespace/service:port", ErrInvalidPrometheusService, s)
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w %q: bad port", ErrInvalidPrometheusService, s)
	}
	return &PrometheusService{Namespace: ns, Service: name, Port: int32(port), Prefix: prefix}, nil
}
