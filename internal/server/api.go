package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/giantswarm/cluster-bridge/internal/cluster"
	"github.com/giantswarm/cluster-bridge/internal/contexthandler"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// APIPrefix is the path prefix of the bridge's own API.
const APIPrefix = "/bridge"

const maxBodyBytes = 1 << 20

// api exposes cluster management over HTTP for the IDE.
type api struct {
	manager *cluster.Manager
	logger  *slog.Logger
}

func newAPI(manager *cluster.Manager, logger *slog.Logger) *api {
	return &api{manager: manager, logger: logger}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+APIPrefix+"/catalog", a.catalog)
	mux.HandleFunc("POST "+APIPrefix+"/clusters", a.addCluster)
	mux.HandleFunc("GET "+APIPrefix+"/clusters/{id}", a.getCluster)
	mux.HandleFunc("DELETE "+APIPrefix+"/clusters/{id}", a.removeCluster)
	mux.HandleFunc("POST "+APIPrefix+"/clusters/{id}/connect", a.connect)
	mux.HandleFunc("POST "+APIPrefix+"/clusters/{id}/disconnect", a.disconnect)
	mux.HandleFunc("POST "+APIPrefix+"/clusters/{id}/reconnect", a.reconnect)
	mux.HandleFunc("PUT "+APIPrefix+"/clusters/{id}/preferences", a.setPreferences)
	mux.HandleFunc("GET "+APIPrefix+"/clusters/{id}/prometheus", a.prometheus)
	mux.HandleFunc("POST "+APIPrefix+"/kubeconfigs/sync", a.syncKubeconfig)
	mux.HandleFunc("POST "+APIPrefix+"/network", a.network)
}

// AddClusterRequest registers one context of a kubeconfig file.
type AddClusterRequest struct {
	KubeconfigPath string              `json:"kubeconfigPath"`
	Context        string              `json:"context"`
	Preferences    cluster.Preferences `json:"preferences"`
}

// SyncRequest names a kubeconfig file to sync.
type SyncRequest struct {
	Path string `json:"path"`
}

// NetworkRequest reports a network transition of the host.
type NetworkRequest struct {
	Online bool `json:"online"`
}

func (a *api) catalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Catalog())
}

func (a *api) addCluster(w http.ResponseWriter, r *http.Request) {
	var req AddClusterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KubeconfigPath == "" {
		writeError(w, http.StatusBadRequest, errors.New("kubeconfigPath is required"))
		return
	}

	cfg, err := kubeconfig.Load(req.KubeconfigPath)
	if err != nil {
		a.fail(w, err)
		return
	}
	if cfg.Path() == "" {
		writeError(w, http.StatusBadRequest, errors.New("kubeconfigPath must name a file"))
		return
	}
	contextName := req.Context
	if contextName == "" {
		contextName = cfg.CurrentContext
	}
	conn, err := a.manager.Add(r.Context(), cluster.Source{
		KubeconfigPath: cfg.Path(),
		ContextName:    contextName,
		Config:         cfg,
	}, req.Preferences)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.entity(conn))
}

func (a *api) getCluster(w http.ResponseWriter, r *http.Request) {
	conn, err := a.manager.Get(r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.entity(conn))
}

func (a *api) removeCluster(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Remove(r.PathValue("id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.manager.Connect)
}

func (a *api) reconnect(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.manager.Reconnect)
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.manager.Disconnect(id); err != nil {
		a.fail(w, err)
		return
	}
	a.getCluster(w, r)
}

// transition runs a state change and answers with the resulting entity.
// A failed connect still reports the entity, which carries the error.
func (a *api) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	conn, err := a.manager.Get(id)
	if err != nil {
		a.fail(w, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		a.logger.Debug("cluster transition failed", logging.Cluster(id), logging.SanitizedErr(err))
		writeJSON(w, statusFor(err), a.entity(conn))
		return
	}
	writeJSON(w, http.StatusOK, a.entity(conn))
}

func (a *api) setPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs cluster.Preferences
	if !decodeJSON(w, r, &prefs) {
		return
	}
	id := r.PathValue("id")
	if err := a.manager.SetPreferences(r.Context(), id, prefs); err != nil {
		a.fail(w, err)
		return
	}
	a.getCluster(w, r)
}

func (a *api) prometheus(w http.ResponseWriter, r *http.Request) {
	conn, err := a.manager.Get(r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if conn.State() != cluster.StateConnected {
		a.fail(w, cluster.ErrNotConnected)
		return
	}
	details, err := conn.Handler().PrometheusDetails(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":  details.Provider,
		"namespace": details.Service.Namespace,
		"service":   details.Service.Service,
		"port":      details.Service.Port,
		"prefix":    details.Service.Prefix,
		"proxyPath": details.Service.ProxyPath(),
	})
}

func (a *api) syncKubeconfig(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	result, err := a.manager.SyncKubeconfig(r.Context(), req.Path)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"added":   result.Added,
		"updated": result.Updated,
		"removed": result.Removed,
	})
}

func (a *api) network(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a.manager.SetOnline(r.Context(), req.Online)
	writeJSON(w, http.StatusOK, a.manager.Catalog())
}

func (a *api) entity(conn *cluster.Connection) cluster.CatalogEntity {
	return cluster.BuildCatalog([]cluster.Status{conn.Status()})[0]
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("bridge api request failed", logging.SanitizedErr(err))
	}
	writeError(w, status, err)
}

// statusFor maps bridge errors to HTTP status codes.
func statusFor(err error) int {
	var (
		parseErr   *kubeconfig.ParseError
		contextErr *kubeconfig.ContextError
	)
	switch {
	case errors.Is(err, cluster.ErrClusterNotFound),
		errors.Is(err, contexthandler.ErrPrometheusNotFound):
		return http.StatusNotFound
	case errors.Is(err, kubeconfig.ErrContextNotFound),
		errors.Is(err, kubeconfig.ErrInvalidKubeconfig),
		errors.Is(err, contexthandler.ErrUnknownPrometheusProvider),
		errors.Is(err, contexthandler.ErrInvalidPrometheusService),
		errors.As(err, &parseErr),
		errors.As(err, &contextErr):
		return http.StatusBadRequest
	case errors.Is(err, cluster.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, cluster.ErrConnectionFailed),
		errors.Is(err, contexthandler.ErrProxyLaunch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: logging.SanitizeHost(err.Error())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
