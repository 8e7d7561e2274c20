// Package cluster manages the set of known Kubernetes clusters.
//
// A Manager is the registry of Connections, one per kubeconfig path and
// context pair. It owns each connection's lifecycle: the auth proxy started
// through the connection's context handler, reachability checks, accessible
// namespace discovery and removal. Registry changes are published on an
// events.Bus and projected into a catalog that is recomputed from the
// registry alone.
//
// The Router is the local HTTP surface. It matches requests to a connection
// by header, host or path and forwards them to that connection's auth proxy,
// serves the multiplexed watch endpoint and hands shell upgrades to a
// ShellOpener.
package cluster
