package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
)

// HealthChecker serves the liveness and readiness endpoints of the bridge.
type HealthChecker struct {
	ready     atomic.Bool
	manager   *cluster.Manager
	provider  *instrumentation.Provider
	version   string
	startTime time.Time
}

// NewHealthChecker creates a HealthChecker. The bridge is not ready until
// SetReady(true) is called.
func NewHealthChecker(manager *cluster.Manager, provider *instrumentation.Provider, version string) *HealthChecker {
	return &HealthChecker{
		manager:   manager,
		provider:  provider,
		version:   version,
		startTime: time.Now(),
	}
}

// SetReady sets the readiness state.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports the readiness state.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// DetailedHealthResponse is the body of /healthz/detailed.
type DetailedHealthResponse struct {
	Status          string                      `json:"status"`
	Version         string                      `json:"version,omitempty"`
	Uptime          string                      `json:"uptime"`
	Clusters        ClusterHealthStatus         `json:"clusters"`
	Instrumentation *InstrumentationHealthCheck `json:"instrumentation,omitempty"`
}

// ClusterHealthStatus counts registered clusters by state.
type ClusterHealthStatus struct {
	Total   int            `json:"total"`
	Offline int            `json:"offline"`
	States  map[string]int `json:"states"`
}

// InstrumentationHealthCheck reports whether metrics and tracing are on.
type InstrumentationHealthCheck struct {
	Enabled bool `json:"enabled"`
}

// LivenessHandler answers as long as the process can serve HTTP.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
	})
}

// ReadinessHandler reports whether the bridge accepts requests.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		checks := make(map[string]string)
		allOk := true

		if h.ready.Load() {
			checks["ready"] = "ok"
		} else {
			checks["ready"] = "not ready"
			allOk = false
		}

		if h.manager != nil && h.manager.Closed() {
			checks["manager"] = "closed"
			allOk = false
		} else {
			checks["manager"] = "ok"
		}

		if h.provider != nil {
			if h.provider.Enabled() {
				checks["instrumentation"] = "ok"
			} else {
				checks["instrumentation"] = "disabled"
			}
		}

		response := HealthResponse{Status: "ok", Checks: checks}
		status := http.StatusOK
		if !allOk {
			response.Status = "not ready"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	})
}

// DetailedHealthHandler adds cluster and instrumentation details.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		response := DetailedHealthResponse{
			Status:   "ok",
			Version:  h.version,
			Uptime:   time.Since(h.startTime).Truncate(time.Second).String(),
			Clusters: h.clusterStatus(),
			Instrumentation: &InstrumentationHealthCheck{
				Enabled: h.provider != nil && h.provider.Enabled(),
			},
		}

		status := http.StatusOK
		switch {
		case !h.ready.Load():
			response.Status = "not ready"
			status = http.StatusServiceUnavailable
		case h.manager != nil && h.manager.Closed():
			response.Status = "shutting down"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	})
}

func (h *HealthChecker) clusterStatus() ClusterHealthStatus {
	status := ClusterHealthStatus{States: make(map[string]int)}
	if h.manager == nil {
		return status
	}
	for _, conn := range h.manager.List() {
		st := conn.Status()
		status.Total++
		status.States[string(st.State)]++
		if st.State != cluster.StateDisconnected && !st.Online {
			status.Offline++
		}
	}
	return status
}

// RegisterHealthEndpoints registers the health endpoints on mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("GET /healthz", h.LivenessHandler())
	mux.Handle("GET /readyz", h.ReadinessHandler())
	mux.Handle("GET /healthz/detailed", h.DetailedHealthHandler())
}
