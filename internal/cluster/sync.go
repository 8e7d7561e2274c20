package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/cluster-bridge/internal/events"
	"github.com/giantswarm/cluster-bridge/internal/kubeconfig"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// SyncResult summarizes a kubeconfig sync.
type SyncResult struct {
	Added   []string
	Updated []string
	Removed []string
}

// SyncKubeconfig makes the registry match the contexts of one kubeconfig
// file: new contexts are added, existing ones updated and contexts that
// vanished from the file are removed. An invalid file changes nothing.
func (m *Manager) SyncKubeconfig(ctx context.Context, path string) (*SyncResult, error) {
	cfg, err := kubeconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if err := kubeconfig.Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Path() != "" {
		path = cfg.Path()
	}

	result := &SyncResult{}
	seen := make(map[string]bool)
	for _, single := range kubeconfig.SplitByContext(cfg) {
		id := ID(path, single.CurrentContext)
		existed := m.lookup(id) != nil
		if _, err := m.upsert(ctx, Source{KubeconfigPath: path, ContextName: single.CurrentContext, Config: single}, nil); err != nil {
			m.logger.Warn("failed to register context",
				logging.Context(single.CurrentContext), logging.Err(err))
			continue
		}
		seen[id] = true
		if existed {
			result.Updated = append(result.Updated, id)
		} else {
			result.Added = append(result.Added, id)
		}
	}

	for _, conn := range m.List() {
		if conn.path != path || seen[conn.id] {
			continue
		}
		if err := m.Remove(conn.id); err != nil {
			m.logger.Warn("failed to remove vanished context", logging.Cluster(conn.id), logging.Err(err))
			continue
		}
		result.Removed = append(result.Removed, conn.id)
	}

	m.logger.Info("kubeconfig synced",
		slog.String("path", path),
		slog.Int("added", len(result.Added)),
		slog.Int("updated", len(result.Updated)),
		slog.Int("removed", len(result.Removed)))
	return result, nil
}

// WatchKubeconfigs syncs each path now and again whenever it changes on
// disk. It may be called once per manager.
func (m *Manager) WatchKubeconfigs(ctx context.Context, paths ...string) error {
	m.mu.Lock()
	if err := m.checkClosed(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.watcher != nil {
		m.mu.Unlock()
		return fmt.Errorf("kubeconfig watcher already running")
	}
	watcher, err := kubeconfig.NewWatcher(func(path string) {
		m.bus.Publish(events.Event{Type: events.EventKubeconfigChanged, Path: path})
		if _, err := m.SyncKubeconfig(ctx, path); err != nil {
			m.logger.Warn("kubeconfig sync failed", slog.String("path", path), logging.Err(err))
		}
	}, kubeconfig.WithWatcherLogger(m.logger))
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.watcher = watcher
	m.mu.Unlock()

	for _, path := range paths {
		if _, err := m.SyncKubeconfig(ctx, path); err != nil {
			m.logger.Warn("initial kubeconfig sync failed", slog.String("path", path), logging.Err(err))
		}
		if err := watcher.Add(path); err != nil {
			return err
		}
	}
	watcher.Start()
	return nil
}
