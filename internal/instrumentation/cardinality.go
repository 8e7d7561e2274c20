package instrumentation

import "strings"

// Cardinality management helpers for metrics.
// Cluster names come from user kubeconfigs and are unbounded, so metrics
// carry a classified cluster type instead.

// ClusterType represents a classification of cluster names for metrics.
type ClusterType string

// Cluster type classifications for metrics cardinality control.
const (
	// ClusterTypeProduction represents production clusters.
	ClusterTypeProduction ClusterType = "production"

	// ClusterTypeStaging represents staging/pre-production clusters.
	ClusterTypeStaging ClusterType = "staging"

	// ClusterTypeDevelopment represents development clusters.
	ClusterTypeDevelopment ClusterType = "development"

	// ClusterTypeLocal represents local clusters (kind, minikube, docker-desktop, k3d, ...).
	ClusterTypeLocal ClusterType = "local"

	// ClusterTypeUnknown represents an empty cluster name.
	ClusterTypeUnknown ClusterType = "unknown"

	// ClusterTypeOther represents clusters that don't match any known pattern.
	ClusterTypeOther ClusterType = "other"
)

var localClusterPrefixes = []string{"kind-", "minikube", "docker-desktop", "k3d-", "rancher-desktop", "orbstack", "colima"}

// ClassifyClusterName classifies a cluster or context name into a type for metrics.
//
// # Classification Rules
//
// The function uses case-insensitive pattern matching:
//
//	| Pattern                                       | Classification |
//	|-----------------------------------------------|----------------|
//	| Empty string                                  | unknown        |
//	| Prefix: kind-, minikube, docker-desktop, k3d- | local          |
//	| Prefix: prod-, prod_                          | production     |
//	| Contains: production, -prod-                  | production     |
//	| Suffix: -prod                                 | production     |
//	| Prefix: staging-, staging_, stg-              | staging        |
//	| Contains: staging, -stg-                      | staging        |
//	| Suffix: -stg                                  | staging        |
//	| Prefix: dev-, dev_, test-, test_              | development    |
//	| Contains: development, -dev-, -test-          | development    |
//	| Suffix: -dev, -test                           | development    |
//	| Everything else                               | other          |
//
// # Examples
//
//	ClassifyClusterName("")                  // "unknown"
//	ClassifyClusterName("kind-dev")          // "local"
//	ClassifyClusterName("prod-eu-01")        // "production"
//	ClassifyClusterName("stg-eu-01")         // "staging"
//	ClassifyClusterName("team-a-dev")        // "development"
//	ClassifyClusterName("arn:aws:eks:...")   // "other"
func ClassifyClusterName(name string) string {
	if name == "" {
		return string(ClusterTypeUnknown)
	}

	nameLower := strings.ToLower(name)

	// Local patterns first since names like "kind-prod" are still local.
	for _, prefix := range localClusterPrefixes {
		if strings.HasPrefix(nameLower, prefix) {
			return string(ClusterTypeLocal)
		}
	}

	if strings.HasPrefix(nameLower, "prod-") ||
		strings.HasPrefix(nameLower, "prod_") ||
		strings.Contains(nameLower, "production") ||
		strings.Contains(nameLower, "-prod-") ||
		strings.HasSuffix(nameLower, "-prod") {
		return string(ClusterTypeProduction)
	}

	if strings.HasPrefix(nameLower, "staging-") ||
		strings.HasPrefix(nameLower, "staging_") ||
		strings.HasPrefix(nameLower, "stg-") ||
		strings.Contains(nameLower, "staging") ||
		strings.Contains(nameLower, "-stg-") ||
		strings.HasSuffix(nameLower, "-stg") {
		return string(ClusterTypeStaging)
	}

	if strings.HasPrefix(nameLower, "dev-") ||
		strings.HasPrefix(nameLower, "dev_") ||
		strings.Contains(nameLower, "development") ||
		strings.Contains(nameLower, "-dev-") ||
		strings.HasSuffix(nameLower, "-dev") ||
		strings.HasPrefix(nameLower, "test-") ||
		strings.HasPrefix(nameLower, "test_") ||
		strings.Contains(nameLower, "-test-") ||
		strings.HasSuffix(nameLower, "-test") {
		return string(ClusterTypeDevelopment)
	}

	return string(ClusterTypeOther)
}
