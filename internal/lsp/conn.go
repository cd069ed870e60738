package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState indicates the current state of a pooled connection.
type ConnState int32

const (
	StateStopped ConnState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LanguageServerConfig describes how to start and supervise one language
// server. Immutable after load.
type LanguageServerConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory (defaults to the workspace root).
	WorkDir string

	// InitializationOptions are sent during initialize.
	InitializationOptions any

	// Capabilities is the declared capability set for this server. It is
	// authoritative for routing; the server's own initialize response is
	// recorded on the status record but not consulted.
	Capabilities ServerCapabilities

	// HealthCheckInterval between liveness probes (default: 30s).
	HealthCheckInterval time.Duration

	// MaxRestartAttempts before a failing connection is parked in error
	// state (default: 3).
	MaxRestartAttempts int

	// InitializeTimeout bounds the initialize handshake (default: 10s).
	InitializeTimeout time.Duration

	// RootURI of the workspace, sent during initialize.
	RootURI DocumentURI

	// WorkspaceFolders sent during initialize.
	WorkspaceFolders []WorkspaceFolder
}

// withDefaults fills zero fields with the standard values.
func (c LanguageServerConfig) withDefaults() LanguageServerConfig {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxRestartAttempts == 0 {
		c.MaxRestartAttempts = 3
	}
	if c.InitializeTimeout == 0 {
		c.InitializeTimeout = 10 * time.Second
	}
	return c
}

// Process is a started language-server process. It abstracts os/exec so
// tests can substitute an in-memory server.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	PID() int
	Wait() error
	Kill() error
}

// Launcher spawns language-server processes.
type Launcher interface {
	Launch(ctx context.Context, cfg LanguageServerConfig) (Process, error)
}

// execLauncher is the production Launcher backed by os/exec.
type execLauncher struct{}

// NewExecLauncher returns the Launcher used outside of tests.
func NewExecLauncher() Launcher {
	return execLauncher{}
}

// Launch starts the configured command with stdio pipes.
func (execLauncher) Launch(ctx context.Context, cfg LanguageServerConfig) (Process, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)

	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	} else if cfg.RootURI != "" {
		cmd.Dir = URIToFilePath(cfg.RootURI)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// execProcess wraps a running exec.Cmd.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// exitGracePeriod is how long Shutdown waits for the process to honor the
// exit notification before killing it.
const exitGracePeriod = 2 * time.Second

// Conn is one supervised connection to a language server: the OS process,
// its transport, and its status bookkeeping. A Conn is owned by exactly one
// pool slot.
type Conn struct {
	mu sync.Mutex

	id       string
	language string
	config   LanguageServerConfig

	launcher Launcher
	proc     Process

	transport *Transport

	state        atomic.Int32
	lastError    error
	startTime    time.Time
	restartCount atomic.Int32
	heartbeat    atomic.Int64 // unix nanos of last proven liveness

	requestCount atomic.Int64
	errorCount   atomic.Int64
	totalLatency atomic.Int64 // nanos, successful and failed requests alike

	// Reported by the server during initialize; observability only. The
	// declared config.Capabilities stay authoritative for routing.
	reported   ServerCapabilities
	serverInfo *InitializeServerInfo

	onNotification func(method string, params json.RawMessage)
	emit           func(Event)
	logger         *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	exitCh    chan error
	closeOnce sync.Once
}

// Status is a point-in-time snapshot of one connection, the shape returned
// by status queries.
type Status struct {
	ID            string                `json:"id"`
	Language      string                `json:"language"`
	State         string                `json:"state"`
	PID           int                   `json:"pid,omitempty"`
	StartTime     time.Time             `json:"startTime"`
	LastError     string                `json:"lastError,omitempty"`
	RestartCount  int                   `json:"restartCount"`
	LastHeartbeat time.Time             `json:"lastHeartbeat"`
	RequestCount  int64                 `json:"requestCount"`
	ErrorCount    int64                 `json:"errorCount"`
	AverageMS     float64               `json:"averageResponseTimeMs"`
	PoolSize      int                   `json:"poolSize,omitempty"`
	ServerInfo    *InitializeServerInfo `json:"serverInfo,omitempty"`
}

// newConn creates a connection (not yet started).
func newConn(language string, cfg LanguageServerConfig, launcher Launcher, logger *slog.Logger, emit func(Event)) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	c := &Conn{
		id:       uuid.NewString(),
		language: language,
		config:   cfg.withDefaults(),
		launcher: launcher,
		logger:   logger.With("language", language),
		emit:     emit,
		exitCh:   make(chan error, 1),
	}
	c.state.Store(int32(StateStopped))
	return c
}

// Start spawns the process and performs the initialize handshake. The given
// context bounds the connection's lifetime, not the handshake; the handshake
// deadline comes from config.InitializeTimeout.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateStopped {
		return fmt.Errorf("connection already started")
	}

	c.setState(StateStarting)
	c.startTime = time.Now()
	c.ctx, c.cancel = context.WithCancel(ctx)

	proc, err := c.launcher.Launch(c.ctx, c.config)
	if err != nil {
		c.fail(fmt.Errorf("spawn %s: %w", c.config.Command, err))
		return c.lastError
	}
	c.proc = proc

	c.transport = NewTransport(proc.Stdout(), proc.Stdin(), nil, c.logger)
	c.registerNotificationHandlers()
	c.transport.Start(c.ctx)

	go c.monitor()
	go c.drainStderr()

	if err := c.initialize(c.ctx); err != nil {
		c.fail(err)
		c.stopProcess()
		return c.lastError
	}

	c.setState(StateRunning)
	c.touchHeartbeat()
	c.logger.Info("language server running", "id", c.id, "pid", proc.PID())
	return nil
}

// initialize performs the LSP handshake: initialize request, then the
// initialized notification. Exceeding the deadline surfaces as
// ErrInitializeTimeout.
func (c *Conn) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &ClientInfo{Name: "lexicore"},
		RootURI:               c.config.RootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: c.config.InitializationOptions,
		WorkspaceFolders:      c.config.WorkspaceFolders,
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.InitializeTimeout)
	defer cancel()

	raw, err := c.transport.Call(ctx, "initialize", params)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s after %s: %w", c.config.Command, c.config.InitializeTimeout, ErrInitializeTimeout)
		}
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("initialize result: %w", ErrInvalidResponse)
		}
	}
	c.reported = result.Capabilities
	c.serverInfo = result.ServerInfo

	if err := c.transport.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	return nil
}

// registerNotificationHandlers forwards server notifications upward.
func (c *Conn) registerNotificationHandlers() {
	c.transport.OnNotification("*", func(method string, params json.RawMessage) {
		if c.onNotification != nil {
			c.onNotification(method, params)
		}
	})
}

// monitor watches the process and flags an unexpected exit.
func (c *Conn) monitor() {
	if c.proc == nil {
		return
	}

	err := c.proc.Wait()
	select {
	case c.exitCh <- err:
	default:
	}

	st := c.State()
	if st == StateStopping || st == StateStopped {
		return
	}

	terr := &TransportError{Language: c.language, Err: fmt.Errorf("process exited: %v", err)}
	c.mu.Lock()
	c.lastError = terr
	c.mu.Unlock()
	c.setState(StateError)
	if c.transport != nil {
		c.transport.Close()
	}

	c.logger.Warn("language server exited unexpectedly", "id", c.id, "error", err)
	c.emit(Event{Type: EventCrashed, Language: c.language, ConnID: c.id, Err: terr, Time: time.Now()})
}

// drainStderr consumes the process's stderr so the child never blocks on a
// full pipe. Lines surface at debug level.
func (c *Conn) drainStderr() {
	if c.proc == nil || c.proc.Stderr() == nil {
		return
	}
	scanner := bufio.NewScanner(c.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// Request sends a request on this connection and returns the raw result.
// Latency and errors are recorded on the connection's own counters; a
// successful round trip also proves liveness.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != StateRunning {
		return nil, ErrConnNotRunning
	}

	start := time.Now()
	raw, err := c.transport.Call(ctx, method, params)
	elapsed := time.Since(start)

	c.requestCount.Add(1)
	c.totalLatency.Add(int64(elapsed))
	if err != nil {
		c.errorCount.Add(1)
		return nil, err
	}

	c.touchHeartbeat()
	return raw, nil
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.State() != StateRunning {
		return ErrConnNotRunning
	}
	if err := c.transport.Notify(ctx, method, params); err != nil {
		c.errorCount.Add(1)
		return err
	}
	return nil
}

// Alive is the lightweight hot-path liveness check: running state with an
// open transport. Real probing belongs to the health checker.
func (c *Conn) Alive() bool {
	return c.State() == StateRunning && c.transport != nil && !c.transport.IsClosed()
}

// Shutdown gracefully stops the connection: best-effort shutdown request
// and exit notification, then process kill. Idempotent.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.State()
	if st == StateStopped || st == StateStopping {
		return nil
	}

	c.setState(StateStopping)

	if c.transport != nil && !c.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _ = c.transport.Call(shutdownCtx, "shutdown", nil)
		_ = c.transport.Notify(shutdownCtx, "exit", nil)
		cancel()

		// Give the server a moment to honor exit before the hard kill.
		select {
		case <-c.ExitChannel():
		case <-time.After(exitGracePeriod):
		case <-ctx.Done():
		}
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.stopProcess()
	c.setState(StateStopped)
	c.logger.Info("language server stopped", "id", c.id)
	return nil
}

// stopProcess closes the transport and kills the process if still alive.
func (c *Conn) stopProcess() {
	c.closeOnce.Do(func() {
		if c.transport != nil {
			c.transport.Close()
		}
		if c.proc != nil {
			_ = c.proc.Kill()
		}
	})
}

// fail records an error and parks the connection in error state.
func (c *Conn) fail(err error) {
	c.lastError = err
	c.setState(StateError)
}

// setState stores the connection state.
func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// touchHeartbeat records proven liveness now. The pool's LRU recycle keys
// off this timestamp.
func (c *Conn) touchHeartbeat() {
	c.heartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the last proven liveness.
func (c *Conn) LastHeartbeat() time.Time {
	n := c.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LastError returns the last recorded error.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Language returns the language this connection serves.
func (c *Conn) Language() string {
	return c.language
}

// ID returns the connection's unique id.
func (c *Conn) ID() string {
	return c.id
}

// RestartCount returns how many times this slot has been restarted.
func (c *Conn) RestartCount() int {
	return int(c.restartCount.Load())
}

// Capabilities returns the declared capability set for this connection.
func (c *Conn) Capabilities() ServerCapabilities {
	return c.config.Capabilities
}

// ExitChannel receives once when the process exits.
func (c *Conn) ExitChannel() <-chan error {
	return c.exitCh
}

// Status builds a point-in-time snapshot.
func (c *Conn) Status() *Status {
	c.mu.Lock()
	lastErr := ""
	if c.lastError != nil {
		lastErr = c.lastError.Error()
	}
	info := c.serverInfo
	start := c.startTime
	c.mu.Unlock()

	pid := 0
	if c.proc != nil {
		pid = c.proc.PID()
	}

	requests := c.requestCount.Load()
	var avgMS float64
	if requests > 0 {
		avgMS = float64(time.Duration(c.totalLatency.Load()).Milliseconds()) / float64(requests)
	}

	return &Status{
		ID:            c.id,
		Language:      c.language,
		State:         c.State().String(),
		PID:           pid,
		StartTime:     start,
		LastError:     lastErr,
		RestartCount:  int(c.restartCount.Load()),
		LastHeartbeat: c.LastHeartbeat(),
		RequestCount:  requests,
		ErrorCount:    c.errorCount.Load(),
		AverageMS:     avgMS,
		ServerInfo:    info,
	}
}
