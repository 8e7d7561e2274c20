package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// ErrInvalidAccessCheck indicates that an AccessCheck is missing fields.
var ErrInvalidAccessCheck = errors.New("invalid access check parameters")

// AccessCheck describes a single permission question.
type AccessCheck struct {
	Verb      string
	Resource  string
	APIGroup  string
	Namespace string
	Name      string
}

// AccessCheckResult is the answer of the API server.
type AccessCheckResult struct {
	Allowed bool
	Denied  bool
	Reason  string
}

// CheckAccess asks the API server, through a SelfSubjectAccessReview,
// whether the kubeconfig user of the cluster may perform check.
func CheckAccess(ctx context.Context, client kubernetes.Interface, check AccessCheck) (*AccessCheckResult, error) {
	if check.Verb == "" || check.Resource == "" {
		return nil, fmt.Errorf("%w: verb and resource are required", ErrInvalidAccessCheck)
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace: check.Namespace,
				Verb:      check.Verb,
				Group:     check.APIGroup,
				Resource:  check.Resource,
				Name:      check.Name,
			},
		},
	}
	result, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("self subject access review failed: %w", err)
	}
	return &AccessCheckResult{
		Allowed: result.Status.Allowed,
		Denied:  result.Status.Denied,
		Reason:  result.Status.Reason,
	}, nil
}

// accessibleNamespaces decides which namespaces the UI offers for a cluster:
// the configured restriction if there is one, all namespaces if the user may
// list them, otherwise the namespace of the kubeconfig context.
func (m *Manager) accessibleNamespaces(ctx context.Context, conn *Connection) []string {
	if prefs := conn.Preferences(); len(prefs.Namespaces) > 0 {
		return prefs.Namespaces
	}
	fallback := []string{conn.defaultNamespace()}

	client, err := conn.Handler().Client(ctx)
	if err != nil {
		conn.logger.Warn("namespace discovery skipped", logging.Err(err))
		return fallback
	}

	access, err := CheckAccess(ctx, client, AccessCheck{Verb: "list", Resource: "namespaces"})
	if err != nil {
		conn.logger.Debug("namespace access check failed", logging.Err(err))
		return fallback
	}
	if !access.Allowed {
		conn.logger.Debug("namespaces are not listable, using context namespace",
			slog.String("reason", access.Reason))
		return fallback
	}

	list, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		conn.logger.Warn("failed to list namespaces", logging.Err(err))
		return fallback
	}
	names := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	if len(names) == 0 {
		return fallback
	}
	slices.Sort(names)
	return names
}
