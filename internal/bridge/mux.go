// ABOUTME: Correlates outbound RPC requests with inbound responses over one channel
// ABOUTME: Each pending call resolves exactly once: by response, by timeout, or by process exit

package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	id        string
	method    Method
	createdAt time.Time
	deadline  time.Time
	// done has capacity one; only the goroutine that removed the entry from
	// the pending map writes to it.
	done chan callResult
}

type multiplexer struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	// send is nil while no process is attached.
	send func([]byte) error
	// gen identifies the process instance send belongs to.
	gen uint64
	// abandoned holds ids whose callers timed out, for late-response logging.
	abandoned *abandonedCalls

	logger *slog.Logger
}

const (
	abandonedTTL  = 5 * time.Minute
	abandonedSize = 1024
)

func newMultiplexer(logger *slog.Logger) *multiplexer {
	return &multiplexer{
		pending:   make(map[string]*pendingCall),
		abandoned: newAbandonedCalls(abandonedTTL, abandonedSize),
		logger:    logger.With("component", "rpc"),
	}
}

// open attaches the outbound channel of a freshly started process.
func (m *multiplexer) open(gen uint64, send func([]byte) error) {
	m.mu.Lock()
	m.gen = gen
	m.send = send
	m.mu.Unlock()
}

// close detaches the channel and fails every pending call with err.
// It returns the number of calls failed.
func (m *multiplexer) close(err *Error) int {
	m.mu.Lock()
	calls := m.pending
	m.pending = make(map[string]*pendingCall)
	m.send = nil
	m.mu.Unlock()

	for _, pc := range calls {
		pc.done <- callResult{err: &Error{Kind: err.Kind, Op: string(pc.method), Message: err.Message, Err: err.Err}}
	}
	pendingCalls.Set(0)
	if len(calls) > 0 {
		m.logger.Info("failed pending calls", "count", len(calls), "kind", err.Kind)
	}
	return len(calls)
}

func (m *multiplexer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// take removes and returns the pending call for id, or nil if it has
// already been resolved.
func (m *multiplexer) take(id string) *pendingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	pendingCalls.Set(float64(len(m.pending)))
	return pc
}

// call sends a request to instance gen and waits for its resolution.
func (m *multiplexer) call(ctx context.Context, gen uint64, method Method, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, newError(KindInvalidArgument, string(method), "encoding params", err)
	}

	now := time.Now()
	pc := &pendingCall{
		id:        id,
		method:    method,
		createdAt: now,
		deadline:  now.Add(timeout),
		done:      make(chan callResult, 1),
	}

	m.mu.Lock()
	send := m.send
	if send == nil || m.gen != gen {
		m.mu.Unlock()
		return nil, newError(KindNotConnected, string(method), "gateway is not running", nil)
	}
	m.pending[id] = pc
	pendingCalls.Set(float64(len(m.pending)))
	m.mu.Unlock()

	m.logger.Debug("rpc sent", "id", id, "method", method)
	if err := send(frame); err != nil {
		if m.take(id) != nil {
			return nil, newError(KindTransportError, string(method), "writing request", err)
		}
		// Resolved concurrently, typically by process exit.
		res := <-pc.done
		return res.payload, res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		return res.payload, res.err
	case <-timer.C:
		if m.take(id) == nil {
			res := <-pc.done
			return res.payload, res.err
		}
		m.abandoned.mark(id, method)
		m.logger.Warn("rpc timed out", "id", id, "method", method, "timeout", timeout)
		return nil, newError(KindTimeout, string(method), "no response within "+timeout.String(), nil)
	case <-ctx.Done():
		if m.take(id) == nil {
			res := <-pc.done
			return res.payload, res.err
		}
		m.abandoned.mark(id, method)
		return nil, newError(KindTimeout, string(method), "caller gave up", ctx.Err())
	}
}

// resolve delivers a response frame to its pending call. It reports false
// when no call is waiting for the id.
func (m *multiplexer) resolve(f *inboundFrame) bool {
	pc := m.take(f.ID)
	if pc == nil {
		if method, ok := m.abandoned.take(f.ID); ok {
			m.logger.Debug("discarding late response", "id", f.ID, "method", method)
		} else {
			m.logger.Warn("response for unknown call", "id", f.ID)
		}
		return false
	}
	if f.OK {
		pc.done <- callResult{payload: f.Payload}
	} else {
		pc.done <- callResult{err: remoteFailure(pc.method, f)}
	}
	m.logger.Debug("rpc resolved", "id", f.ID, "method", pc.method, "ok", f.OK,
		"elapsed", time.Since(pc.createdAt))
	return true
}
