package kubeconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before reporting a change.
const DefaultDebounce = 250 * time.Millisecond

// ChangeCallback is called with the watched path (file or directory) that changed.
type ChangeCallback func(path string)

// Watcher reports changes to kubeconfig files and kubeconfig directories.
//
// Parent directories are watched rather than the files themselves because
// editors and cloud CLIs usually replace kubeconfigs with an atomic rename,
// which a file watch does not survive.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	logger   *slog.Logger
	debounce time.Duration

	// targets maps an absolute watched path to whether it is a directory.
	targets map[string]bool
	// dirs counts how many targets need each OS-level directory watch.
	dirs   map[string]int
	timers map[string]*time.Timer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher. Call Start to begin delivering events.
func NewWatcher(callback ChangeCallback, opts ...WatcherOption) (*Watcher, error) {
	if callback == nil {
		return nil, fmt.Errorf("kubeconfig watcher requires a callback")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		callback: callback,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		targets:  make(map[string]bool),
		dirs:     make(map[string]int),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.WithComponent(w.logger, "kubeconfig-watcher")
	return w, nil
}

// Add starts watching a kubeconfig file or a directory of kubeconfig files.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	isDir := false
	if info, err := os.Stat(abs); err == nil {
		isDir = info.IsDir()
	}

	dir := filepath.Dir(abs)
	if isDir {
		dir = abs
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.targets[abs]; ok {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.targets[abs] = isDir
	return nil
}

// Remove stops watching a path previously passed to Add.
func (w *Watcher) Remove(path string) error {
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	isDir, ok := w.targets[abs]
	if !ok {
		return nil
	}
	delete(w.targets, abs)

	dir := filepath.Dir(abs)
	if isDir {
		dir = abs
	}
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.watcher.Remove(dir); err != nil {
			return fmt.Errorf("failed to unwatch directory %s: %w", dir, err)
		}
	}
	return nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watch()
}

// Stop stops watching and waits for the event loop to exit. Pending
// debounced callbacks are cancelled. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		for p, t := range w.timers {
			t.Stop()
			delete(w.timers, p)
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) watch() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if target, ok := w.match(event.Name); ok {
				w.schedule(target)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", logging.Err(err))

		case <-w.done:
			return
		}
	}
}

// match maps an event path to the watched target it belongs to.
func (w *Watcher) match(name string) (string, bool) {
	eventPath, err := filepath.Abs(name)
	if err != nil {
		return "", false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.targets[eventPath]; ok {
		return eventPath, true
	}
	parent := filepath.Dir(eventPath)
	if isDir, ok := w.targets[parent]; ok && isDir {
		return parent, true
	}
	return "", false
}

func (w *Watcher) schedule(target string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if t, ok := w.timers[target]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[target] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, target)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.logger.Debug("kubeconfig changed", slog.String("path", target))
		w.callback(target)
	})
}
