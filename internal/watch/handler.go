package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

const (
	// MaxWatchURLs bounds the number of upstream watches per request.
	MaxWatchURLs = 256

	maxRequestBytes = 1 << 20
	maxErrorBytes   = 64 * 1024
)

// ErrUnknownCluster is returned by resolvers that cannot place a request.
var ErrUnknownCluster = errors.New("unknown cluster")

// Upstream opens single watches against one cluster.
type Upstream interface {
	Watch(ctx context.Context, apiURL string) (*http.Response, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, apiURL string) (*http.Response, error)

// Watch calls f.
func (f UpstreamFunc) Watch(ctx context.Context, apiURL string) (*http.Response, error) {
	return f(ctx, apiURL)
}

// Resolver picks the upstream cluster for an incoming request.
type Resolver func(r *http.Request) (Upstream, error)

// StreamHandler serves the multiplexed watch endpoint. It opens one upstream
// watch per requested URL and interleaves their lines, each tagged with its
// URL, into a single response. The end of every upstream watch is announced
// with a STREAM_END line.
type StreamHandler struct {
	resolve Resolver
	logger  *slog.Logger
}

// NewStreamHandler creates a handler. A nil logger uses slog.Default().
func NewStreamHandler(resolve Resolver, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{resolve: resolve, logger: logging.WithComponent(logger, "watch-handler")}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid watch request: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upstream, err := h.resolve(r)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnknownCluster) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &lineWriter{w: w, flusher: flusher}
	var g errgroup.Group
	for _, apiURL := range dedupe(req.APIs) {
		g.Go(func() error {
			h.pipe(r.Context(), upstream, apiURL, out)
			return nil
		})
	}
	_ = g.Wait()
}

// pipe copies one upstream watch into out.
func (h *StreamHandler) pipe(ctx context.Context, upstream Upstream, apiURL string, out *lineWriter) {
	resp, err := upstream.Watch(ctx, apiURL)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Debug("upstream watch failed", logging.URL(apiURL), logging.SanitizedErr(err))
		}
		_ = out.write(wireEvent{Type: EventStreamEnd, URL: apiURL, Status: http.StatusBadGateway, Error: err.Error()})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		ev := wireEvent{Type: EventError, URL: apiURL}
		if json.Valid(data) {
			ev.Object = data
		} else {
			ev.Error = strings.TrimSpace(string(data))
		}
		_ = out.write(ev)
		_ = out.write(wireEvent{Type: EventStreamEnd, URL: apiURL, Status: resp.StatusCode})
		return
	}

	err = readLines(resp.Body, func(line []byte) error {
		var ev struct {
			Type   EventType       `json:"type"`
			Object json.RawMessage `json:"object"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil
		}
		return out.write(wireEvent{Type: ev.Type, Object: ev.Object, URL: apiURL})
	})
	if err != nil && ctx.Err() != nil {
		return
	}

	end := wireEvent{Type: EventStreamEnd, URL: apiURL, Status: http.StatusOK}
	if err != nil {
		end.Error = err.Error()
	}
	_ = out.write(end)
}

// lineWriter serializes lines from concurrent upstream watches.
type lineWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (lw *lineWriter) write(ev wireEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(data); err != nil {
		return err
	}
	lw.flusher.Flush()
	return nil
}

func validateRequest(req Request) error {
	if len(req.APIs) == 0 {
		return errors.New("no watch urls given")
	}
	if len(req.APIs) > MaxWatchURLs {
		return fmt.Errorf("too many watch urls: %d > %d", len(req.APIs), MaxWatchURLs)
	}
	for _, u := range req.APIs {
		if !strings.HasPrefix(u, "/api/") && !strings.HasPrefix(u, "/apis/") {
			return fmt.Errorf("watch url %q must be an api path", u)
		}
		if strings.Contains(u, "://") || strings.Contains(u, "..") {
			return fmt.Errorf("watch url %q is not a plain api path", u)
		}
	}
	return nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
