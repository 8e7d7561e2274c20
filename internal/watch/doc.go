// Package watch multiplexes Kubernetes watches of one cluster frame over a
// single long-lived HTTP stream.
//
// The client side is the Multiplexer. Resources subscribe through a Source,
// usually a *kubeapi.Client, and the multiplexer tracks their resource
// version cursors so that reconnects resume where the last event left off.
//
// The server side is the StreamHandler, mounted at /api/watch on the local
// proxy. It accepts {"apis":[...]} and answers with newline-delimited JSON,
// one line per upstream event tagged with the URL it came from:
//
//	{"type":"ADDED","object":{...},"url":"/api/v1/namespaces/default/pods?watch=1"}
//	{"type":"STREAM_END","url":"/api/v1/namespaces/default/pods?watch=1","status":200}
package watch
