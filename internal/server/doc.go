// Package server is the local HTTP endpoint of the cluster bridge.
//
// One listener serves three things:
//
//   - Kubernetes API requests routed to a cluster, by X-Cluster-ID header,
//     "<cluster-id>.localhost" host or "/clusters/<cluster-id>" path prefix.
//     These go to the cluster router unchanged.
//   - The bridge API under /bridge: the cluster catalog, adding and removing
//     clusters, connecting and disconnecting, preferences, Prometheus
//     discovery, kubeconfig syncs and network transitions.
//   - Health endpoints: /healthz, /readyz and /healthz/detailed.
//
// Prometheus metrics are served by a separate MetricsServer.
package server
