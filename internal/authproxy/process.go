package authproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/cluster-bridge/internal/instrumentation"
	"github.com/giantswarm/cluster-bridge/internal/logging"
)

// ReadyPrefix starts the line an auth proxy prints on stdout once it accepts
// connections. The line ends with the listen address.
const ReadyPrefix = "starting to serve on "

// Defaults for Config.
const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second

	stderrTailBytes = 2048
)

// Config describes the auth proxy subprocess of one cluster.
type Config struct {
	ClusterID      string
	KubeconfigPath string

	// Executable defaults to the running binary, which carries the
	// auth-proxy subcommand.
	Executable string

	// PrefixArgs are placed before the subcommand.
	PrefixArgs []string

	// Port is the preferred local port. Zero picks a free one. Once the
	// proxy has reported its port, restarts reuse it.
	Port int

	// HTTPSProxy is exported as HTTPS_PROXY to the subprocess when set.
	HTTPSProxy string

	// Env is appended to the inherited environment.
	Env []string

	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// ExitHandler is called when a ready proxy exits without Stop being called.
type ExitHandler func(err error)

// Process supervises one auth proxy subprocess. It never respawns a crashed
// proxy on its own; the exit handler decides what happens next.
type Process struct {
	cfg     Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	onExit  ExitHandler

	// startMu serializes Start, Stop and Restart.
	startMu sync.Mutex

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	port     int
	ready    bool
	stopping bool
	stderr   *tailBuffer
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Process) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records launches and exits.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(p *Process) {
		p.metrics = m
	}
}

// WithExitHandler sets the handler for unexpected exits.
func WithExitHandler(h ExitHandler) Option {
	return func(p *Process) {
		p.onExit = h
	}
}

// NewProcess creates a stopped auth proxy supervisor.
func NewProcess(cfg Config, opts ...Option) *Process {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	p := &Process{
		cfg:    cfg,
		logger: slog.Default(),
		port:   cfg.Port,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.WithCluster(logging.WithComponent(p.logger, "authproxy"), cfg.ClusterID)
	return p
}

// Port returns the port of the proxy, or the port a restart will reuse.
func (p *Process) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

// Ready reports whether the proxy is running and has reported readiness.
func (p *Process) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Start launches the proxy and waits until it reports readiness. If the
// proxy is already ready, Start returns its port immediately. On failure the
// subprocess is killed and a *LaunchError returned.
func (p *Process) Start(ctx context.Context) (int, error) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.ready {
		port := p.port
		p.mu.Unlock()
		return port, nil
	}
	p.mu.Unlock()

	start := time.Now()
	port, err := p.launch(ctx)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		var launchErr *LaunchError
		if errors.As(err, &launchErr) && launchErr.Reason == reasonTimeout {
			status = instrumentation.StatusTimeout
		}
	}
	p.metrics.RecordAuthProxyLaunch(ctx, status, time.Since(start))
	return port, err
}

// Stop terminates the proxy and waits for it to exit. It is safe to call
// when the proxy is not running.
func (p *Process) Stop() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	return p.stop()
}

// Restart stops the proxy and launches it again on the same port.
func (p *Process) Restart(ctx context.Context) (int, error) {
	p.startMu.Lock()
	if err := p.stop(); err != nil {
		p.startMu.Unlock()
		return 0, err
	}
	p.startMu.Unlock()
	return p.Start(ctx)
}

const (
	reasonStart   = "failed to start subprocess"
	reasonExited  = "exited before reporting ready"
	reasonTimeout = "did not report ready in time"
	reasonCancel  = "launch cancelled"
)

func (p *Process) launch(ctx context.Context) (int, error) {
	port := p.Port()
	if port == 0 {
		free, err := freePort()
		if err != nil {
			return 0, &LaunchError{ClusterID: p.cfg.ClusterID, Reason: "no free local port", Err: err}
		}
		port = free
	}

	cmd := p.command(port)
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return 0, &LaunchError{ClusterID: p.cfg.ClusterID, Reason: reasonStart, Err: err}
	}
	cmd.Stdout = stdoutW
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	err = cmd.Start()
	_ = stdoutW.Close()
	if err != nil {
		_ = stdout.Close()
		return 0, &LaunchError{ClusterID: p.cfg.ClusterID, Reason: reasonStart, Err: err}
	}
	p.logger.Debug("auth proxy started", slog.Int(logging.KeyPID, cmd.Process.Pid), logging.Port(port))

	done := make(chan struct{})
	readyCh := make(chan int, 1)

	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.stderr = stderr
	p.stopping = false
	p.mu.Unlock()

	go p.scanStdout(stdout, readyCh)
	go p.wait(cmd, done)

	timer := time.NewTimer(p.cfg.ReadyTimeout)
	defer timer.Stop()

	fail := func(reason string, cause error) (int, error) {
		p.kill(cmd, done)
		return 0, &LaunchError{ClusterID: p.cfg.ClusterID, Reason: reason, Output: stderr.String(), Err: cause}
	}

	select {
	case reported := <-readyCh:
		p.mu.Lock()
		p.port = reported
		p.ready = true
		p.mu.Unlock()
		p.logger.Info("auth proxy ready", logging.Port(reported))
		return reported, nil
	case <-done:
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
			p.done = nil
		}
		p.mu.Unlock()
		return 0, &LaunchError{ClusterID: p.cfg.ClusterID, Reason: reasonExited, Output: stderr.String(), Err: p.exitErr(cmd)}
	case <-timer.C:
		return fail(reasonTimeout, fmt.Errorf("waited %s", p.cfg.ReadyTimeout))
	case <-ctx.Done():
		return fail(reasonCancel, ctx.Err())
	}
}

func (p *Process) command(port int) *exec.Cmd {
	executable := p.cfg.Executable
	if executable == "" {
		if self, err := os.Executable(); err == nil {
			executable = self
		} else {
			executable = os.Args[0]
		}
	}

	args := append([]string(nil), p.cfg.PrefixArgs...)
	args = append(args,
		"auth-proxy",
		"--kubeconfig", p.cfg.KubeconfigPath,
		"--port", strconv.Itoa(port),
		"--cluster-id", p.cfg.ClusterID,
	)

	// #nosec G204 -- executable and args come from local configuration
	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if p.cfg.HTTPSProxy != "" {
		cmd.Env = append(cmd.Env, "HTTPS_PROXY="+p.cfg.HTTPSProxy)
	}
	return cmd
}

// scanStdout waits for the readiness line and then keeps draining stdout so
// the subprocess never blocks on a full pipe.
func (p *Process) scanStdout(r io.ReadCloser, readyCh chan<- int) {
	defer func() { _ = r.Close() }()
	scanner := bufio.NewScanner(r)
	reported := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !reported {
			if port, ok := parseReadyLine(line); ok {
				reported = true
				readyCh <- port
				continue
			}
		}
		if line != "" {
			p.logger.Debug("auth proxy output", slog.String("line", line))
		}
	}
}

func (p *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	p.mu.Lock()
	wasReady := p.ready && p.cmd == cmd
	expected := p.stopping
	if p.cmd == cmd {
		p.ready = false
	}
	output := ""
	if p.stderr != nil {
		output = p.stderr.String()
	}
	p.mu.Unlock()

	if !wasReady || expected {
		return
	}

	p.metrics.RecordAuthProxyExit(context.Background())
	if err == nil {
		err = errors.New("auth proxy exited")
	}
	if output != "" {
		err = fmt.Errorf("%w: %s", err, output)
	}
	p.logger.Warn("auth proxy exited unexpectedly", logging.SanitizedErr(err))
	if p.onExit != nil {
		p.onExit(err)
	}
}

func (p *Process) stop() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	if cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.ready = false
	p.mu.Unlock()

	select {
	case <-done:
	default:
		_ = terminate(cmd.Process)
		select {
		case <-done:
		case <-time.After(p.cfg.StopTimeout):
			p.logger.Warn("auth proxy did not stop in time, killing")
			p.kill(cmd, done)
		}
	}

	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd = nil
		p.done = nil
	}
	p.mu.Unlock()
	p.logger.Debug("auth proxy stopped")
	return nil
}

// kill ends the subprocess and waits for the wait goroutine to observe it.
func (p *Process) kill(cmd *exec.Cmd, done chan struct{}) {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done

	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd = nil
		p.done = nil
		p.ready = false
	}
	p.mu.Unlock()
}

func (p *Process) exitErr(cmd *exec.Cmd) error {
	if cmd.ProcessState == nil {
		return nil
	}
	if cmd.ProcessState.Success() {
		return errors.New("exit status 0")
	}
	return errors.New(cmd.ProcessState.String())
}

// parseReadyLine extracts the port from "starting to serve on 127.0.0.1:8001".
func parseReadyLine(line string) (int, bool) {
	addr, ok := strings.CutPrefix(line, ReadyPrefix)
	if !ok {
		return 0, false
	}
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
