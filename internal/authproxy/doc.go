// Package authproxy runs and supervises the per-cluster auth proxy.
//
// The auth proxy is a subprocess started from the same binary
// ("cluster-bridge auth-proxy"). It loads one materialized kubeconfig,
// listens on a loopback port and forwards plain HTTP to the API server with
// the kubeconfig credentials. Once listening it prints
//
//	starting to serve on 127.0.0.1:<port>
//
// which Process waits for before reporting the proxy ready.
package authproxy
