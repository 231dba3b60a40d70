// ABOUTME: In-memory gateway process and launcher used by the bridge tests
// ABOUTME: A scripted handler plays the gateway side of the frame protocol

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errProcessExited = errors.New("process exited")

type fakeProcess struct {
	pid int
	in  chan []byte

	mu     sync.Mutex
	out    chan []byte
	exited bool
	code   int
	done   chan struct{}

	ignoreTerminate bool
	terminated      atomic.Bool
	killed          atomic.Bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:  pid,
		in:   make(chan []byte, 256),
		out:  make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int                { return p.pid }
func (p *fakeProcess) Messages() <-chan []byte { return p.out }
func (p *fakeProcess) Done() <-chan struct{}   { return p.done }
func (p *fakeProcess) Err() error              { return nil }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) Send(frame []byte) error {
	select {
	case <-p.done:
		return errProcessExited
	case p.in <- frame:
		return nil
	}
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerminate {
		p.exit(0)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(137)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.code = code
	close(p.out)
	close(p.done)
}

// emit writes a frame from the gateway side. Frames after exit are dropped.
func (p *fakeProcess) emit(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p.emitRaw(b)
}

func (p *fakeProcess) emitRaw(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.out <- b
}

func (p *fakeProcess) event(name string, payload any) {
	p.emit(map[string]any{"type": "event", "event": name, "payload": payload})
}

func (p *fakeProcess) respond(id string, payload any) {
	p.emit(map[string]any{"type": "res", "id": id, "ok": true, "payload": payload})
}

func (p *fakeProcess) fail(id, code, message string) {
	p.emit(map[string]any{"type": "res", "id": id, "ok": false,
		"error": map[string]string{"code": code, "message": message}})
}

// handler plays the gateway. It runs on one goroutine per process.
type handler func(p *fakeProcess, req requestFrame)

// defaultHandler answers ping and echo immediately.
func defaultHandler(p *fakeProcess, req requestFrame) {
	switch req.Method {
	case MethodPing:
		p.respond(req.ID, PingResult{Pong: true, Version: "test"})
	case MethodEcho:
		p.respond(req.ID, req.Params)
	default:
		p.fail(req.ID, "method_not_found", "no handler for "+string(req.Method))
	}
}

type fakeLauncher struct {
	mu        sync.Mutex
	procs     []*fakeProcess
	envs      [][]string
	noReady   bool
	exitEarly bool
	launchErr error
	handle    handler
	configure func(*fakeProcess)
}

func (l *fakeLauncher) Launch(_ context.Context, env []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := newFakeProcess(1000 + len(l.procs))
	if l.configure != nil {
		l.configure(p)
	}
	l.procs = append(l.procs, p)
	l.envs = append(l.envs, env)

	h := l.handle
	if h == nil {
		h = defaultHandler
	}
	go func() {
		for {
			select {
			case <-p.done:
				return
			case raw := <-p.in:
				var req requestFrame
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				h(p, req)
			}
		}
	}()

	switch {
	case l.exitEarly:
		go p.exit(3)
	case !l.noReady:
		p.event(readyEvent, map[string]any{"version": "test"})
	}
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, l *fakeLauncher, mutate ...func(*Options)) *Bridge {
	t.Helper()
	opts := Options{
		Launcher:        l,
		StartupTimeout:  time.Second,
		StopGracePeriod: 200 * time.Millisecond,
		RPCTimeout:      time.Second,
		HealthTimeout:   200 * time.Millisecond,
		Logger:          quietLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// recorder collects events of one kind in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(t *testing.T, b *Bridge, kind EventKind) *recorder {
	t.Helper()
	r := &recorder{}
	_, err := b.Subscribe(kind, func(ev Event) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return r
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) statuses(t *testing.T) []Status {
	t.Helper()
	var out []Status
	for _, ev := range r.snapshot() {
		var sc StatusChange
		require.NoError(t, json.Unmarshal(ev.Payload, &sc))
		out = append(out, sc.To)
	}
	return out
}
