package cluster

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// ShellPath is the path of interactive shell upgrades.
const ShellPath = "/shell"

// ShellSession is a running shell. Done is closed when the session ends on
// its own.
type ShellSession interface {
	Done() <-chan struct{}
	Close() error
}

// ShellOpener starts interactive shells. The session owns ws until it is
// closed. node is empty for a local shell and names a node for a node shell.
type ShellOpener interface {
	Open(ctx context.Context, conn *Connection, kubeconfigPath, node string, ws *websocket.Conn) (ShellSession, error)
}

// ShellOpenerFunc adapts a function to ShellOpener.
type ShellOpenerFunc func(ctx context.Context, conn *Connection, kubeconfigPath, node string, ws *websocket.Conn) (ShellSession, error)

// Open implements ShellOpener.
func (f ShellOpenerFunc) Open(ctx context.Context, conn *Connection, kubeconfigPath, node string, ws *websocket.Conn) (ShellSession, error) {
	return f(ctx, conn, kubeconfigPath, node, ws)
}

func (rt *Router) serveShell(w http.ResponseWriter, r *http.Request, conn *Connection) {
	if rt.shell == nil {
		http.Error(w, "shell sessions are not enabled", http.StatusNotImplemented)
		return
	}

	ws, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		conn.logger.Debug("shell upgrade failed", logging.Err(err))
		return
	}
	defer ws.Close()

	node := r.URL.Query().Get("node")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := rt.shell.Open(ctx, conn, conn.MaterializedPath(), node, ws)
	if err != nil {
		conn.logger.Warn("failed to open shell", slog.String("node", node), logging.Err(err))
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, truncateClose(err.Error()))
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	conn.logger.Info("shell opened", slog.String("node", node))

	<-session.Done()
	if err := session.Close(); err != nil {
		conn.logger.Debug("shell close failed", logging.Err(err))
	}
	conn.logger.Info("shell closed", slog.String("node", node))
}

// truncateClose keeps a close reason within the 123 bytes a close frame allows.
func truncateClose(reason string) string {
	const maxReason = 123
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
