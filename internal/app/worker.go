package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sys/unix"

	"github.com/jaakkos/mcpfleet/internal/domain"
	"github.com/jaakkos/mcpfleet/internal/rpc"
)

const (
	DefaultInitTimeout    = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultStopGrace      = 5 * time.Second

	// ClientName identifies the supervisor in the initialize handshake.
	ClientName = "mcpfleet"

	// pipeWaitDelay bounds how long Wait keeps draining stdout/stderr after the process exits.
	pipeWaitDelay = 2 * time.Second
	// maxToolPages guards against a worker that keeps returning a next cursor.
	maxToolPages = 100
)

// WorkerOptions tunes worker timeouts and wiring. Zero values fall back to the defaults.
type WorkerOptions struct {
	InitTimeout    time.Duration
	RequestTimeout time.Duration
	StopGrace      time.Duration
	ClientVersion  string
	// Publish receives lifecycle events. It is called with the worker lock held and must not block.
	Publish func(domain.Event)
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	return o
}

// Worker owns one spawned MCP server process, the JSON-RPC session on its stdio and its lifecycle state.
type Worker struct {
	name   string
	cfg    domain.ServerConfig
	opts   WorkerOptions
	logger *log.Logger

	mu        sync.Mutex
	state     domain.ServerState
	proc      *process
	sess      *session
	sessionID string
	tools     []domain.Tool
	lastErr   string
	startedAt time.Time
}

// process is one OS process lifetime. exitCode and signal are written before done is closed.
type process struct {
	cmd   *exec.Cmd
	pid   int
	stdin io.WriteCloser
	done  chan struct{}

	// stopping is set (under Worker.mu) once Stop or a failed start owns the teardown.
	stopping bool

	exitCode int
	signal   string
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// NewWorker creates a stopped worker for cfg.
func NewWorker(name string, cfg domain.ServerConfig, opts WorkerOptions, logger *log.Logger) *Worker {
	return &Worker{
		name:   name,
		cfg:    cfg.Clone(),
		opts:   opts.withDefaults(),
		logger: logger,
		state:  domain.StateStopped,
	}
}

// Name returns the fleet name of the worker.
func (w *Worker) Name() string { return w.name }

// Config returns a copy of the launch configuration.
func (w *Worker) Config() domain.ServerConfig { return w.cfg.Clone() }

// State returns the current lifecycle state.
func (w *Worker) State() domain.ServerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PID returns the live process id, or 0.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil || w.proc.exited() {
		return 0
	}
	return w.proc.pid
}

// Tools returns a snapshot of the advertised tools.
func (w *Worker) Tools() []domain.Tool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Tool{}, w.tools...)
}

// Status returns a read-only snapshot.
func (w *Worker) Status() domain.ServerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := domain.ServerStatus{
		Name:      w.name,
		State:     w.state,
		LastError: w.lastErr,
		Tools:     append([]domain.Tool{}, w.tools...),
		StartedAt: w.startedAt,
		SessionID: w.sessionID,
		Command:   w.cfg.CommandLine(),
	}
	if w.proc != nil && !w.proc.exited() {
		st.Alive = true
		st.PID = w.proc.pid
	}
	return st
}

// Start spawns the process and performs the initialize handshake, then lists tools.
// It returns once the worker is running or the start has failed.
func (w *Worker) Start(ctx context.Context) error {
	p, sess, err := w.spawn(ctx)
	if err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, w.opts.InitTimeout)
	defer cancel()
	if err := w.handshake(hctx, sess); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", domain.ErrHandshakeTimeout, w.opts.InitTimeout)
		}
		w.failStart(p, sess, err)
		return fmt.Errorf("start %s: %w", w.name, err)
	}

	tools, err := w.listTools(ctx, sess)
	if err != nil {
		w.logger.Printf("Worker[%s]: tools/list failed, continuing with no tools: %v", w.name, err)
		tools = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != p || p.stopping || w.state != domain.StateStarting {
		// Stopped or exited while the handshake was finishing.
		if w.lastErr != "" {
			return fmt.Errorf("start %s: %s", w.name, w.lastErr)
		}
		return fmt.Errorf("start %s: %w", w.name, domain.ErrWorkerStopped)
	}
	w.tools = tools
	w.lastErr = ""
	w.setStateLocked(domain.StateRunning)
	w.logger.Printf("Worker[%s]: running (pid %d, %d tools)", w.name, p.pid, len(tools))
	return nil
}

func (w *Worker) spawn(ctx context.Context) (*process, *session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc != nil {
		return nil, nil, fmt.Errorf("start %s: %w", w.name, domain.ErrAlreadyRunning)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", w.name, err)
	}

	w.sessionID = uuid.NewString()
	w.startedAt = time.Now()
	w.lastErr = ""
	w.setStateLocked(domain.StateStarting)

	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.WorkDir
	cmd.Env = buildWorkerEnv(w.name, w.cfg)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.lastErr = err.Error()
		w.setStateLocked(domain.StateFailed)
		return nil, nil, fmt.Errorf("%w: %s: %w", domain.ErrSpawnFailed, w.name, err)
	}

	p := &process{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	sess := newSession(w.sessionID, stdin)
	cmd.Stdout = &frameWriter{
		buf:      rpc.NewLineBuffer(0),
		dispatch: func(frame []byte) { w.handleFrame(sess, frame) },
		logger:   w.logger,
		name:     w.name,
	}
	cmd.Stderr = &logWriter{
		buf:    rpc.NewLineBuffer(64 * 1024),
		logger: w.logger,
		prefix: fmt.Sprintf("Worker[%s] stderr: ", w.name),
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		w.lastErr = err.Error()
		w.setStateLocked(domain.StateFailed)
		w.logger.Printf("Worker[%s]: spawn %s failed: %v", w.name, w.cfg.Command, err)
		return nil, nil, fmt.Errorf("%w: %s: %w", domain.ErrSpawnFailed, w.name, err)
	}
	p.pid = cmd.Process.Pid
	w.proc = p
	w.sess = sess
	w.logger.Printf("Worker[%s]: spawned pid %d: %s", w.name, p.pid, w.cfg.CommandLine())

	go w.observeExit(p, sess)
	return p, sess, nil
}

func (w *Worker) handshake(ctx context.Context, sess *session) error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcp.Implementation{Name: ClientName, Version: w.opts.ClientVersion},
	}
	// No per-request timer: ctx carries InitTimeout, which bounds the whole handshake.
	raw, err := sess.call(ctx, string(mcp.MethodInitialize), params, 0)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	w.logger.Printf("Worker[%s]: initialized %s %s (protocol %s)", w.name, res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion)

	if err := sess.notify(rpc.MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

func (w *Worker) listTools(ctx context.Context, sess *session) ([]domain.Tool, error) {
	var (
		tools  []domain.Tool
		params any
	)
	for page := 0; page < maxToolPages; page++ {
		raw, err := sess.call(ctx, string(mcp.MethodToolsList), params, w.opts.RequestTimeout)
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		for _, t := range res.Tools {
			tools = append(tools, toolFromMCP(t))
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		params = mcp.PaginatedParams{Cursor: res.NextCursor}
	}
	return tools, nil
}

func toolFromMCP(t mcp.Tool) domain.Tool {
	return domain.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: domain.ToolSchema{
			Type:       t.InputSchema.Type,
			Properties: t.InputSchema.Properties,
			Required:   t.InputSchema.Required,
		},
	}
}

// CallTool invokes a tool on the worker and returns the raw tools/call result.
// The caller is responsible for checking that the worker is running.
func (w *Worker) CallTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	w.mu.Lock()
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("%s: %w", w.name, domain.ErrWorkerStopped)
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := sess.call(ctx, string(mcp.MethodToolsCall), mcp.CallToolParams{Name: tool, Arguments: args}, w.opts.RequestTimeout)

	ev := domain.Event{Type: domain.EventToolCalled, Tool: tool}
	if err != nil {
		ev.Error = err.Error()
	}
	w.mu.Lock()
	if w.sess == sess {
		w.emitLocked(ev)
	}
	w.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", w.name, tool, err)
	}
	return res, nil
}

// Stop terminates the process: SIGTERM to its process group, then SIGKILL once the grace period
// runs out. It returns after the exit has been observed. Pending calls fail with ErrWorkerStopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	p, sess := w.proc, w.sess
	if p == nil {
		w.tools = nil
		if w.state != domain.StateStopped {
			w.setStateLocked(domain.StateStopped)
		}
		w.mu.Unlock()
		return
	}
	if p.stopping {
		// Another Stop or a failed start owns the teardown; wait for it, then settle as stopped.
		w.mu.Unlock()
		<-p.done
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.proc == p {
			w.proc = nil
			w.sess = nil
		}
		if w.proc == nil {
			w.tools = nil
			w.setStateLocked(domain.StateStopped)
		}
		return
	}
	p.stopping = true
	w.setStateLocked(domain.StateStopping)
	w.mu.Unlock()

	sess.close(fmt.Errorf("%s: %w", w.name, domain.ErrWorkerStopped))
	_ = p.stdin.Close()

	w.logger.Printf("Worker[%s]: stopping pid %d", w.name, p.pid)
	w.signalGroup(p, unix.SIGTERM)

	grace := time.NewTimer(w.opts.StopGrace)
	select {
	case <-p.done:
		grace.Stop()
	case <-grace.C:
		w.logger.Printf("Worker[%s]: pid %d still running after %s, killing", w.name, p.pid, w.opts.StopGrace)
		w.signalGroup(p, unix.SIGKILL)
		<-p.done
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == p {
		w.proc = nil
		w.sess = nil
	}
	w.tools = nil
	w.setStateLocked(domain.StateStopped)
	w.logger.Printf("Worker[%s]: stopped (%s)", w.name, describeExit(p.exitCode, p.signal))
}

// failStart kills a process whose handshake failed and records the failure.
func (w *Worker) failStart(p *process, sess *session, cause error) {
	w.mu.Lock()
	if w.proc != p || p.stopping {
		// The exit observer or Stop already owns this process.
		w.mu.Unlock()
		return
	}
	p.stopping = true
	w.lastErr = cause.Error()
	w.setStateLocked(domain.StateFailed)
	w.mu.Unlock()

	w.logger.Printf("Worker[%s]: start failed: %v", w.name, cause)
	sess.close(fmt.Errorf("%s: %w", w.name, domain.ErrWorkerStopped))
	_ = p.stdin.Close()
	w.signalGroup(p, unix.SIGKILL)
	<-p.done

	w.mu.Lock()
	if w.proc == p {
		w.proc = nil
		w.sess = nil
	}
	w.mu.Unlock()
}

func (w *Worker) observeExit(p *process, sess *session) {
	waitErr := p.cmd.Wait()
	p.exitCode, p.signal = exitStatus(p.cmd.ProcessState)
	close(p.done)

	w.mu.Lock()
	if w.proc != p || p.stopping {
		w.mu.Unlock()
		return
	}
	w.proc = nil
	w.sess = nil
	exit := describeExit(p.exitCode, p.signal)
	if w.state == domain.StateStarting {
		w.lastErr = "process exited during initialization: " + exit
		w.setStateLocked(domain.StateFailed)
	} else {
		w.lastErr = "process exited: " + exit
		w.setStateLocked(domain.StateStopped)
	}
	w.emitLocked(domain.Event{
		Type:     domain.EventProcessExited,
		PID:      p.pid,
		ExitCode: p.exitCode,
		Signal:   p.signal,
	})
	w.mu.Unlock()

	if waitErr != nil && !errors.As(waitErr, new(*exec.ExitError)) {
		w.logger.Printf("Worker[%s]: wait: %v", w.name, waitErr)
	}
	w.logger.Printf("Worker[%s]: pid %d exited unexpectedly (%s)", w.name, p.pid, exit)
	sess.close(fmt.Errorf("%s: %w", w.name, domain.ErrProcessExited))
}

func (w *Worker) handleFrame(sess *session, frame []byte) {
	msg, err := rpc.Decode(frame)
	if err != nil {
		w.logger.Printf("Worker[%s]: dropping unparseable frame: %v", w.name, err)
		return
	}
	switch {
	case msg.IsResponse():
		if !sess.resolve(msg) {
			w.logger.Printf("Worker[%s]: ignoring response for unknown id %v", w.name, msg.ID.Value())
		}
	case msg.IsNotification():
		if msg.Method == mcp.MethodNotificationToolsListChanged {
			go w.refreshTools(sess)
		}
	case msg.IsRequest():
		// Reply off the reader goroutine so a worker that is not reading stdin cannot stall stdout.
		id := *msg.ID
		method := msg.Method
		go func() {
			var resp rpc.Response
			if method == string(mcp.MethodPing) {
				resp = rpc.NewResult(id, nil)
			} else {
				resp = rpc.NewErrorResponse(id, mcp.METHOD_NOT_FOUND, "method not found: "+method)
			}
			if err := sess.respond(resp); err != nil {
				w.logger.Printf("Worker[%s]: reply to %s: %v", w.name, method, err)
			}
		}()
	default:
		w.logger.Printf("Worker[%s]: dropping frame with neither id nor method", w.name)
	}
}

// refreshTools re-lists tools after the worker announced a change.
func (w *Worker) refreshTools(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.RequestTimeout)
	defer cancel()
	tools, err := w.listTools(ctx, sess)
	if err != nil {
		w.logger.Printf("Worker[%s]: tools refresh failed: %v", w.name, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sess != sess || w.state != domain.StateRunning {
		return
	}
	w.tools = tools
	w.emitLocked(domain.Event{Type: domain.EventToolsChanged})
	w.logger.Printf("Worker[%s]: tool list changed (%d tools)", w.name, len(tools))
}

func (w *Worker) signalGroup(p *process, sig unix.Signal) {
	if err := unix.Kill(-p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		w.logger.Printf("Worker[%s]: signal %s to group %d: %v", w.name, unix.SignalName(sig), p.pid, err)
		_ = p.cmd.Process.Signal(sig)
	}
}

func (w *Worker) setStateLocked(s domain.ServerState) {
	if s == w.state {
		return
	}
	if !domain.CanTransition(w.state, s) {
		w.logger.Printf("Worker[%s]: unexpected transition %s -> %s", w.name, w.state, s)
	}
	w.state = s
	w.emitLocked(domain.Event{Type: domain.EventStateChanged, State: s, Error: w.lastErr})
}

func (w *Worker) emitLocked(ev domain.Event) {
	if w.opts.Publish == nil {
		return
	}
	ev.Server = w.name
	ev.SessionID = w.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	w.opts.Publish(ev)
}

func exitStatus(ps *os.ProcessState) (code int, signal string) {
	if ps == nil {
		return -1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(ws.Signal())
	}
	return ps.ExitCode(), ""
}

func describeExit(code int, signal string) string {
	if signal != "" {
		return "signal " + signal
	}
	return fmt.Sprintf("exit code %d", code)
}

// frameWriter receives the worker's stdout. Each Write is one pipe delivery.
type frameWriter struct {
	buf      *rpc.LineBuffer
	dispatch func([]byte)
	logger   *log.Logger
	name     string
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	frames, err := fw.buf.Feed(p)
	for _, f := range frames {
		fw.dispatch(f)
	}
	if err != nil {
		fw.logger.Printf("Worker[%s]: discarding stdout data: %v", fw.name, err)
	}
	return len(p), nil
}

// logWriter forwards the worker's stderr to the logger line by line.
type logWriter struct {
	buf    *rpc.LineBuffer
	logger *log.Logger
	prefix string
}

func (lw *logWriter) Write(p []byte) (int, error) {
	lines, err := lw.buf.Feed(p)
	for _, line := range lines {
		lw.logger.Printf("%s%s", lw.prefix, strings.TrimRight(string(line), "\r"))
	}
	if err != nil {
		lw.logger.Printf("%s<line too long, dropped>", lw.prefix)
	}
	return len(p), nil
}
