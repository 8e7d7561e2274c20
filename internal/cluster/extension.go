package cluster

import (
	"context"
	"log/slog"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// Extension is a feature that is switched on for a cluster once it is
// connected and switched off when it disconnects. The manager treats
// extensions as opaque.
type Extension interface {
	ID() string
	Enable(ctx context.Context, conn *Connection) error
	Disable(conn *Connection) error
}

// WithExtensions registers extensions that are enabled on every connected
// cluster in the given order.
func WithExtensions(exts ...Extension) Option {
	return func(m *Manager) {
		for _, ext := range exts {
			if ext != nil {
				m.extensions = append(m.extensions, ext)
			}
		}
	}
}

// enableExtensions runs with conn.opMu held. A failing extension is logged
// and skipped, the cluster stays connected.
func (m *Manager) enableExtensions(ctx context.Context, conn *Connection) {
	for _, ext := range m.extensions {
		if err := ext.Enable(ctx, conn); err != nil {
			conn.logger.Warn("failed to enable extension",
				slog.String("extension", ext.ID()), logging.Err(err))
			continue
		}
		conn.enabled = append(conn.enabled, ext)
	}
}

// disableExtensions runs with conn.opMu held and disables in reverse order.
func (m *Manager) disableExtensions(conn *Connection) {
	for i := len(conn.enabled) - 1; i >= 0; i-- {
		ext := conn.enabled[i]
		if err := ext.Disable(conn); err != nil {
			conn.logger.Warn("failed to disable extension",
				slog.String("extension", ext.ID()), logging.Err(err))
		}
	}
	conn.enabled = nil
}
