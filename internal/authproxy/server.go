package authproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"k8s.io/client-go/rest"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// DefaultShutdownTimeout bounds graceful shutdown of the proxy server.
const DefaultShutdownTimeout = 5 * time.Second

// Server is the auth proxy: a plain HTTP listener on loopback that forwards
// every request to the API server with the credentials of one kubeconfig
// context. TLS, client certificates, bearer tokens and exec plugins are all
// handled by the client-go transport.
type Server struct {
	target  *url.URL
	proxy   *httputil.ReverseProxy
	logger  *slog.Logger
	handler http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds a proxy for the API server described by config.
func NewServer(config *rest.Config, opts ...ServerOption) (*Server, error) {
	if config == nil || config.Host == "" {
		return nil, errors.New("rest config without host")
	}
	target, err := parseHost(config.Host)
	if err != nil {
		return nil, err
	}
	transport, err := rest.TransportFor(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}

	s := &Server{target: target, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "authproxy-server")

	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			// Credentials come from the kubeconfig, never from the caller.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Impersonate-User")
			pr.Out.Header.Del("Impersonate-Group")
		},
		Transport:     &loggingTransport{next: transport, logger: s.logger},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("proxy request failed",
					slog.String("method", r.Method),
					logging.URL(r.URL.String()),
					logging.SanitizedErr(err))
			}
			http.Error(w, "auth proxy error: "+logging.SanitizeHost(err.Error()), http.StatusBadGateway)
		},
	}
	s.handler = s.proxy
	return s, nil
}

// Target returns the API server URL requests are forwarded to.
func (s *Server) Target() *url.URL {
	u := *s.target
	return &u
}

// Handler returns the proxy handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on 127.0.0.1:port, writes the readiness line to
// ready and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int, ready io.Writer) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, listener, ready)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener, ready io.Writer) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	if ready != nil {
		if _, err := fmt.Fprintf(ready, "%s%s\n", ReadyPrefix, listener.Addr().String()); err != nil {
			_ = srv.Close()
			return fmt.Errorf("failed to report readiness: %w", err)
		}
	}
	s.logger.Info("auth proxy serving",
		slog.String("address", listener.Addr().String()),
		logging.Host(s.target.Host))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	}
}

func parseHost(host string) (*url.URL, error) {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid api server host %q: %w", logging.SanitizeHost(host), err)
	}
	return u, nil
}

// loggingTransport logs every upstream round trip at debug level.
type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	attrs := []any{
		slog.String("method", req.Method),
		logging.URL(req.URL.Path),
		slog.Duration(logging.KeyDuration, time.Since(start)),
	}
	if err != nil {
		t.logger.Debug("upstream request failed", append(attrs, logging.SanitizedErr(err))...)
		return nil, err
	}
	t.logger.Debug("upstream request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}
