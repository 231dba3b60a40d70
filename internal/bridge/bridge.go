// ABOUTME: Supervises the gateway child process and exposes lifecycle, RPC and event operations
// ABOUTME: Lifecycle transitions are serialized; status reads and RPCs never wait on them

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Process is a running gateway child with a duplex message channel.
type Process interface {
	PID() int
	// Send writes one complete frame.
	Send(frame []byte) error
	// Messages yields inbound frames and is closed when the channel ends.
	Messages() <-chan []byte
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode and Err are valid after Done is closed.
	ExitCode() int
	Err() error
	// Terminate requests a graceful shutdown.
	Terminate() error
	Kill() error
}

// StderrTailer is implemented by processes that retain recent stderr output.
type StderrTailer interface {
	StderrTail() string
}

// Launcher spawns gateway processes.
type Launcher interface {
	Launch(ctx context.Context, env []string) (Process, error)
}

// Options configures a Bridge.
type Options struct {
	Launcher        Launcher
	StartupTimeout  time.Duration
	StopGracePeriod time.Duration
	RPCTimeout      time.Duration
	HealthTimeout   time.Duration
	// Env supplies extra environment for each spawn, e.g. provider keys.
	Env func(ctx context.Context) ([]string, error)
	// Liveness is checked before each event dispatch; false drops the event.
	Liveness func() bool
	Logger   *slog.Logger
}

const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultStopGracePeriod = 5 * time.Second
	DefaultRPCTimeout      = 30 * time.Second
	DefaultHealthTimeout   = 5 * time.Second

	// killWait bounds how long we wait for exit after a forced kill.
	killWait = 2 * time.Second
)

type instance struct {
	gen       uint64
	proc      Process
	ready     chan struct{}
	readyOnce sync.Once
}

func (i *instance) markReady() {
	i.readyOnce.Do(func() { close(i.ready) })
}

// Bridge owns one gateway process at a time.
type Bridge struct {
	opts Options

	// lifecycle serializes Start, Stop and Restart.
	lifecycle sync.Mutex
	gen       uint64

	mu        sync.RWMutex
	status    Status
	inst      *instance
	startedAt time.Time
	restarts  int

	mux     *multiplexer
	emitter *Emitter
	logger  *slog.Logger
}

// New creates a stopped bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Launcher == nil {
		return nil, newError(KindInvalidConfig, "new", "launcher is required", nil)
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = DefaultStopGracePeriod
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		opts:    opts,
		status:  StatusStopped,
		mux:     newMultiplexer(logger),
		emitter: NewEmitter(opts.Liveness, logger),
		logger:  logger.With("component", "bridge"),
	}, nil
}

// Status returns the current lifecycle state.
func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// IsConnected reports whether the gateway is running.
func (b *Bridge) IsConnected() bool {
	return b.Status() == StatusRunning
}

// Info returns a snapshot of the supervisor.
func (b *Bridge) Info() Info {
	b.mu.RLock()
	info := Info{
		Status:    b.status,
		StartedAt: b.startedAt,
		Restarts:  b.restarts,
	}
	if b.inst != nil {
		info.PID = b.inst.proc.PID()
	}
	b.mu.RUnlock()
	info.Pending = b.mux.count()
	return info
}

// Subscribe registers an observer for kind.
func (b *Bridge) Subscribe(kind EventKind, fn Observer) (*Subscription, error) {
	return b.emitter.Subscribe(kind, fn)
}

// Start spawns the gateway and waits for its readiness event.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.startLocked(ctx)
}

// Stop terminates the gateway, failing pending calls with ProcessStopped
// before it returns.
func (b *Bridge) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.stopLocked(ctx)
}

// Restart stops the gateway if needed and starts a new instance. Other
// lifecycle calls wait until the whole sequence completes.
func (b *Bridge) Restart(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if err := b.stopLocked(ctx); err != nil && KindOf(err) != KindNotRunning {
		return err
	}
	b.mu.Lock()
	b.restarts++
	b.mu.Unlock()
	gatewayRestarts.Inc()

	return b.startLocked(ctx)
}

// Close stops the gateway if it is running and drains queued events.
func (b *Bridge) Close() error {
	err := b.Stop(context.Background())
	if KindOf(err) == KindNotRunning {
		err = nil
	}
	b.emitter.Close()
	return err
}

func (b *Bridge) startLocked(ctx context.Context) error {
	b.mu.Lock()
	from := b.status
	if from == StatusStarting || from == StatusRunning {
		b.mu.Unlock()
		return newError(KindAlreadyRunning, "start", "gateway is "+string(from), nil)
	}
	b.inst = nil
	b.status = StatusStarting
	b.mu.Unlock()
	b.announce(from, StatusStarting, 0, nil)

	var env []string
	if b.opts.Env != nil {
		var err error
		env, err = b.opts.Env(ctx)
		if err != nil {
			return b.abortStart(nil, newError(KindStartupFailed, "start", "building environment", err))
		}
	}

	proc, err := b.opts.Launcher.Launch(ctx, env)
	if err != nil {
		return b.abortStart(nil, newError(KindStartupFailed, "start", "launching gateway", err))
	}

	b.gen++
	inst := &instance{gen: b.gen, proc: proc, ready: make(chan struct{})}
	b.mu.Lock()
	b.inst = inst
	b.mu.Unlock()
	go b.readLoop(inst)

	b.logger.Info("gateway launched, waiting for ready", "pid", proc.PID(), "timeout", b.opts.StartupTimeout)

	timer := time.NewTimer(b.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-inst.ready:
	case <-proc.Done():
		msg := fmt.Sprintf("gateway exited with code %d before becoming ready", proc.ExitCode())
		if t, ok := proc.(StderrTailer); ok {
			if tail := t.StderrTail(); tail != "" {
				msg += "; stderr: " + tail
			}
		}
		return b.abortStart(inst, newError(KindStartupFailed, "start", msg, proc.Err()))
	case <-timer.C:
		b.kill(inst)
		return b.abortStart(inst, newError(KindStartupTimeout, "start",
			"no ready signal within "+b.opts.StartupTimeout.String(), nil))
	case <-ctx.Done():
		b.kill(inst)
		return b.abortStart(inst, newError(KindStartupFailed, "start", "cancelled", ctx.Err()))
	}

	b.mux.open(inst.gen, proc.Send)

	b.mu.Lock()
	b.status = StatusRunning
	b.startedAt = time.Now()
	b.mu.Unlock()
	b.announce(StatusStarting, StatusRunning, proc.PID(), nil)

	go b.watch(inst)
	return nil
}

// abortStart returns the supervisor to stopped after a failed start.
func (b *Bridge) abortStart(inst *instance, err *Error) error {
	pid := 0
	b.mu.Lock()
	if inst != nil {
		pid = inst.proc.PID()
	}
	b.inst = nil
	b.status = StatusStopped
	b.mu.Unlock()

	b.logger.Error("gateway failed to start", "error", err)
	b.announce(StatusStarting, StatusStopped, pid, err)
	return err
}

func (b *Bridge) stopLocked(ctx context.Context) error {
	b.mu.Lock()
	from := b.status
	if from == StatusStopped {
		b.mu.Unlock()
		return newError(KindNotRunning, "stop", "gateway is not running", nil)
	}
	inst := b.inst
	b.status = StatusStopping
	b.mu.Unlock()

	pid := 0
	if inst != nil {
		pid = inst.proc.PID()
	}
	b.announce(from, StatusStopping, pid, nil)

	b.mux.close(newError(KindProcessStopped, "", "gateway stopped", nil))

	code := 0
	if inst != nil && from != StatusCrashed {
		code = b.terminate(ctx, inst)
	}

	b.mu.Lock()
	b.inst = nil
	b.status = StatusStopped
	b.startedAt = time.Time{}
	b.mu.Unlock()
	b.announce(StatusStopping, StatusStopped, pid, nil)

	if inst != nil && from != StatusCrashed {
		b.emitter.emitValue(EventExit, ExitInfo{PID: pid, Code: code})
	}
	b.logger.Info("gateway stopped", "pid", pid, "exit_code", code)
	return nil
}

// terminate asks the process to exit, escalating to kill after the grace period.
func (b *Bridge) terminate(ctx context.Context, inst *instance) int {
	proc := inst.proc
	if err := proc.Terminate(); err != nil {
		b.logger.Warn("terminate failed", "pid", proc.PID(), "error", err)
	}

	grace := time.NewTimer(b.opts.StopGracePeriod)
	defer grace.Stop()

	select {
	case <-proc.Done():
		return proc.ExitCode()
	case <-grace.C:
		b.logger.Warn("gateway ignored terminate, killing", "pid", proc.PID(), "grace", b.opts.StopGracePeriod)
	case <-ctx.Done():
		b.logger.Warn("stop cancelled, killing", "pid", proc.PID())
	}
	b.kill(inst)
	return proc.ExitCode()
}

func (b *Bridge) kill(inst *instance) {
	proc := inst.proc
	if err := proc.Kill(); err != nil {
		b.logger.Warn("kill failed", "pid", proc.PID(), "error", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(killWait):
		b.logger.Error("gateway did not exit after kill", "pid", proc.PID())
	}
}

// watch detects unsolicited exit of a running instance.
func (b *Bridge) watch(inst *instance) {
	proc := inst.proc
	<-proc.Done()

	b.mu.Lock()
	if b.inst != inst || b.status != StatusRunning {
		b.mu.Unlock()
		return
	}
	b.status = StatusCrashed
	b.startedAt = time.Time{}
	b.mu.Unlock()

	code := proc.ExitCode()
	crash := newError(KindProcessCrashed, "gateway", fmt.Sprintf("exited unexpectedly with code %d", code), proc.Err())
	b.mux.close(crash)

	b.logger.Error("gateway crashed", "pid", proc.PID(), "exit_code", code, "error", proc.Err())
	b.announce(StatusRunning, StatusCrashed, proc.PID(), crash)
	b.emitter.emitValue(EventExit, ExitInfo{PID: proc.PID(), Code: code, Crashed: true, Error: crash.Error()})
	b.emitter.emitValue(EventError, ErrorInfo{Kind: KindProcessCrashed, Message: crash.Error()})
}

func (b *Bridge) isCurrent(inst *instance) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inst == inst
}

func (b *Bridge) readLoop(inst *instance) {
	for msg := range inst.proc.Messages() {
		b.handleFrame(inst, msg)
	}
	b.logger.Debug("gateway channel closed", "pid", inst.proc.PID())
}

func (b *Bridge) handleFrame(inst *instance, msg []byte) {
	f, err := decodeFrame(msg)
	if err != nil {
		b.logger.Warn("malformed frame from gateway", "error", err, "bytes", len(msg))
		if b.isCurrent(inst) {
			b.emitter.emitValue(EventError, ErrorInfo{Kind: KindTransportError, Message: err.Error()})
		}
		return
	}

	switch f.Type {
	case frameResponse:
		b.mux.resolve(f)
	case frameEvent:
		if f.Event == readyEvent {
			inst.markReady()
			return
		}
		if !b.isCurrent(inst) {
			return
		}
		b.emitter.Emit(Event{Kind: EventMessage, Name: f.Event, Payload: json.RawMessage(msg), Seq: f.Seq})
		b.emitter.Emit(Event{Kind: kindForWireEvent(f.Event), Name: f.Event, Payload: f.Payload, Seq: f.Seq})
	}
}

func (b *Bridge) announce(from, to Status, pid int, cause error) {
	if from == to {
		return
	}
	setStatusGauge(to)
	change := StatusChange{From: from, To: to, PID: pid}
	if cause != nil {
		change.Error = cause.Error()
	}
	b.logger.Debug("gateway status", "from", from, "to", to, "pid", pid)
	b.emitter.emitValue(EventStatus, change)
}

// Call sends method with params and returns the success payload. A timeout
// of zero uses the configured default.
func (b *Bridge) Call(ctx context.Context, method Method, params any, timeout time.Duration) (json.RawMessage, error) {
	if !method.Valid() {
		return nil, newError(KindInvalidArgument, "rpc", fmt.Sprintf("unknown method %q", method), nil)
	}

	b.mu.RLock()
	status, inst := b.status, b.inst
	b.mu.RUnlock()
	if status != StatusRunning || inst == nil {
		err := newError(KindNotConnected, string(method), "gateway is "+string(status), nil)
		rpcCallsTotal.WithLabelValues(string(method), outcomeLabel(err)).Inc()
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.opts.RPCTimeout
	}

	start := time.Now()
	payload, err := b.mux.call(ctx, inst.gen, method, params, timeout)
	rpcDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	rpcCallsTotal.WithLabelValues(string(method), outcomeLabel(err)).Inc()
	return payload, err
}

// Result is the normalized outcome of an RPC.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// RPC validates an untyped method name and folds every failure into Result.
func (b *Bridge) RPC(ctx context.Context, method string, params any, timeout time.Duration) Result {
	m, err := ParseMethod(method)
	if err != nil {
		return Result{Error: AsError(err)}
	}
	payload, err := b.Call(ctx, m, params, timeout)
	if err != nil {
		return Result{Error: AsError(err)}
	}
	return Result{Success: true, Result: payload}
}

// HealthResult reports a ping round trip.
type HealthResult struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Version   string `json:"version,omitempty"`
	Error     *Error `json:"error,omitempty"`
}

// CheckHealth pings the gateway with the health timeout. A connected gateway
// can still be unhealthy.
func (b *Bridge) CheckHealth(ctx context.Context) HealthResult {
	start := time.Now()
	res, err := b.Ping(ctx, b.opts.HealthTimeout)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthResult{LatencyMs: latency, Error: AsError(err)}
	}
	return HealthResult{OK: true, LatencyMs: latency, Version: res.Version}
}
