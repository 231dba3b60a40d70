// ABOUTME: Tests for the gateway supervisor and RPC multiplexer
// ABOUTME: Covers lifecycle transitions, correlation, timeouts, stop/crash draining, and restart

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_NewRequiresLauncher(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBridge_StartStop(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)
	statuses := record(t, b, EventStatus)
	exits := record(t, b, EventExit)

	assert.Equal(t, StatusStopped, b.Status())
	assert.False(t, b.IsConnected())

	require.NoError(t, b.Start(t.Context()))
	assert.Equal(t, StatusRunning, b.Status())
	assert.True(t, b.IsConnected())

	info := b.Info()
	assert.Equal(t, 1000, info.PID)
	assert.False(t, info.StartedAt.IsZero())

	require.NoError(t, b.Stop(t.Context()))
	assert.Equal(t, StatusStopped, b.Status())
	assert.True(t, l.last().terminated.Load())
	assert.False(t, l.last().killed.Load())

	require.Eventually(t, func() bool { return statuses.len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusStarting, StatusRunning, StatusStopping, StatusStopped}, statuses.statuses(t))

	require.Eventually(t, func() bool { return exits.len() == 1 }, time.Second, 5*time.Millisecond)
	var exit ExitInfo
	require.NoError(t, json.Unmarshal(exits.snapshot()[0].Payload, &exit))
	assert.False(t, exit.Crashed)
	assert.Equal(t, 1000, exit.PID)
}

func TestBridge_StartWhenRunningFails(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)

	require.NoError(t, b.Start(t.Context()))
	err := b.Start(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, StatusRunning, b.Status())
}

func TestBridge_StopWhenStoppedFails(t *testing.T) {
	b := newTestBridge(t, &fakeLauncher{})

	err := b.Stop(t.Context())
	require.Error(t, err)
	assert.Equal(t, KindNotRunning, KindOf(err))
}

func TestBridge_StartupTimeout(t *testing.T) {
	l := &fakeLauncher{noReady: true}
	b := newTestBridge(t, l, func(o *Options) { o.StartupTimeout = 50 * time.Millisecond })

	start := time.Now()
	err := b.Start(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartupTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusStopped, b.Status())
	assert.True(t, l.last().killed.Load(), "unready process should be killed")
}

func TestBridge_StartupEarlyExit(t *testing.T) {
	l := &fakeLauncher{exitEarly: true}
	b := newTestBridge(t, l)

	err := b.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, KindStartupFailed, KindOf(err))
	assert.Contains(t, err.Error(), "code 3")
	assert.Equal(t, StatusStopped, b.Status())
}

func TestBridge_StartupLaunchError(t *testing.T) {
	l := &fakeLauncher{launchErr: errors.New("no such file")}
	b := newTestBridge(t, l)

	err := b.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, KindStartupFailed, KindOf(err))
	assert.Equal(t, StatusStopped, b.Status())
}

func TestBridge_StartupEnvError(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l, func(o *Options) {
		o.Env = func(_ context.Context) ([]string, error) { return nil, errors.New("vault sealed") }
	})

	err := b.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, KindStartupFailed, KindOf(err))
	assert.Equal(t, 0, l.count())
}

func TestBridge_EnvPassedToLauncher(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l, func(o *Options) {
		o.Env = func(_ context.Context) ([]string, error) { return []string{"ANTHROPIC_API_KEY=sk-ant-x"}, nil }
	})

	require.NoError(t, b.Start(t.Context()))
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-ant-x"}, l.envs[0])
}

func TestBridge_CallNotConnected(t *testing.T) {
	b := newTestBridge(t, &fakeLauncher{})

	_, err := b.Call(t.Context(), MethodPing, nil, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridge_CallUnknownMethod(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	_, err := b.Call(t.Context(), Method("rm.rf"), nil, 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Empty(t, l.last().in, "nothing should be written for unknown methods")
}

func TestBridge_PingAndEcho(t *testing.T) {
	b := newTestBridge(t, &fakeLauncher{})
	require.NoError(t, b.Start(t.Context()))

	pong, err := b.Ping(t.Context(), 0)
	require.NoError(t, err)
	assert.True(t, pong.Pong)

	out, err := b.Echo(t.Context(), map[string]any{"x": 1.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, out)
}

func TestBridge_OutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	var held []requestFrame
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {
		mu.Lock()
		held = append(held, req)
		if len(held) < 2 {
			mu.Unlock()
			return
		}
		reqs := held
		mu.Unlock()
		// Reply in reverse arrival order.
		for i := len(reqs) - 1; i >= 0; i-- {
			defaultHandler(p, reqs[i])
		}
	}}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	var wg sync.WaitGroup
	var pingRes, echoRes Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		pingRes = b.RPC(t.Context(), "ping", nil, 0)
	}()
	go func() {
		defer wg.Done()
		echoRes = b.RPC(t.Context(), "echo", map[string]int{"x": 1}, 0)
	}()
	wg.Wait()

	require.True(t, pingRes.Success, "ping: %+v", pingRes.Error)
	require.True(t, echoRes.Success, "echo: %+v", echoRes.Error)
	assert.JSONEq(t, `{"pong":true,"version":"test"}`, string(pingRes.Result))
	assert.JSONEq(t, `{"x":1}`, string(echoRes.Result))
}

func TestBridge_ConcurrentCallsResolveToTheirOwnResponse(t *testing.T) {
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {
		go func() {
			time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
			defaultHandler(p, req)
		}()
	}}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	const n = 50
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := b.Echo(t.Context(), map[string]any{"n": float64(i)})
			if err != nil {
				errs <- err
				return
			}
			if out["n"] != float64(i) {
				errs <- fmt.Errorf("call %d got %v", i, out["n"])
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, b.Info().Pending)
}

func TestBridge_TimeoutThenLateResponseIgnored(t *testing.T) {
	held := make(chan requestFrame, 1)
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {
		if req.Method == MethodEcho {
			held <- req
			return
		}
		defaultHandler(p, req)
	}}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	res := b.RPC(t.Context(), "echo", map[string]int{"x": 1}, 30*time.Millisecond)
	require.False(t, res.Success)
	assert.Equal(t, KindTimeout, res.Error.Kind)
	assert.Equal(t, 0, b.Info().Pending)

	req := <-held
	l.last().respond(req.ID, map[string]int{"x": 1})

	// The late response must not disturb subsequent calls.
	pong, err := b.Ping(t.Context(), 0)
	require.NoError(t, err)
	assert.True(t, pong.Pong)
}

func TestBridge_RemoteErrorIsNormalized(t *testing.T) {
	b := newTestBridge(t, &fakeLauncher{})
	require.NoError(t, b.Start(t.Context()))

	res := b.RPC(t.Context(), "skills.list", nil, 0)
	require.False(t, res.Success)
	assert.Equal(t, KindRemoteError, res.Error.Kind)
	assert.Equal(t, "method_not_found", res.Error.Code)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":{"kind":"RemoteError","message":"no handler for skills.list","code":"method_not_found"}}`, string(out))
}

func TestBridge_RPCUnknownMethodString(t *testing.T) {
	b := newTestBridge(t, &fakeLauncher{})

	res := b.RPC(t.Context(), "not.a.method", nil, 0)
	require.False(t, res.Success)
	assert.Equal(t, KindInvalidArgument, res.Error.Kind)
}

func TestBridge_StopFailsPendingCalls(t *testing.T) {
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {}}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	const n = 5
	results := make(chan error, n)
	for range n {
		go func() {
			_, err := b.Call(t.Context(), MethodStatus, nil, 10*time.Second)
			results <- err
		}()
	}
	require.Eventually(t, func() bool { return b.Info().Pending == n }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(t.Context()))
	assert.Equal(t, 0, b.Info().Pending)

	for range n {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrProcessStopped)
		case <-time.After(time.Second):
			t.Fatal("pending call was not resolved by stop")
		}
	}
}

func TestBridge_StopKillsAfterGracePeriod(t *testing.T) {
	l := &fakeLauncher{configure: func(p *fakeProcess) { p.ignoreTerminate = true }}
	b := newTestBridge(t, l, func(o *Options) { o.StopGracePeriod = 20 * time.Millisecond })
	require.NoError(t, b.Start(t.Context()))

	require.NoError(t, b.Stop(t.Context()))
	p := l.last()
	assert.True(t, p.terminated.Load())
	assert.True(t, p.killed.Load())
	assert.Equal(t, StatusStopped, b.Status())
}

func TestBridge_CrashFailsPendingAndEmitsExit(t *testing.T) {
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {}}
	b := newTestBridge(t, l)
	exits := record(t, b, EventExit)
	errs := record(t, b, EventError)
	require.NoError(t, b.Start(t.Context()))

	result := make(chan error, 1)
	go func() {
		_, err := b.Call(t.Context(), MethodStatus, nil, 10*time.Second)
		result <- err
	}()
	require.Eventually(t, func() bool { return b.Info().Pending == 1 }, time.Second, 5*time.Millisecond)

	l.last().exit(2)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrProcessCrashed)
	case <-time.After(time.Second):
		t.Fatal("pending call was not resolved by crash")
	}
	require.Eventually(t, func() bool { return b.Status() == StatusCrashed }, time.Second, 5*time.Millisecond)
	assert.False(t, b.IsConnected())

	require.Eventually(t, func() bool { return exits.len() == 1 && errs.len() == 1 }, time.Second, 5*time.Millisecond)
	var exit ExitInfo
	require.NoError(t, json.Unmarshal(exits.snapshot()[0].Payload, &exit))
	assert.True(t, exit.Crashed)
	assert.Equal(t, 2, exit.Code)

	// A crashed gateway can be started again.
	require.NoError(t, b.Start(t.Context()))
	assert.Equal(t, StatusRunning, b.Status())
}

func TestBridge_StopAfterCrash(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	l.last().exit(1)
	require.Eventually(t, func() bool { return b.Status() == StatusCrashed }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(t.Context()))
	assert.Equal(t, StatusStopped, b.Status())
	assert.False(t, l.last().terminated.Load())
}

func TestBridge_Restart(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)
	statuses := record(t, b, EventStatus)
	require.NoError(t, b.Start(t.Context()))

	require.NoError(t, b.Restart(t.Context()))
	assert.Equal(t, StatusRunning, b.Status())
	assert.Equal(t, 2, l.count())
	assert.Equal(t, 1, b.Info().Restarts)
	assert.Equal(t, 1001, b.Info().PID)
	assert.True(t, l.procs[0].terminated.Load())

	require.Eventually(t, func() bool { return statuses.len() == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{
		StatusStarting, StatusRunning,
		StatusStopping, StatusStopped, StatusStarting, StatusRunning,
	}, statuses.statuses(t))

	_, err := b.Ping(t.Context(), 0)
	require.NoError(t, err)
}

func TestBridge_RestartFromStopped(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)

	require.NoError(t, b.Restart(t.Context()))
	assert.Equal(t, StatusRunning, b.Status())
	assert.Equal(t, 1, l.count())
}

func TestBridge_RestartFailsPendingCallsOnOldInstance(t *testing.T) {
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {
		if req.Method == MethodPing {
			defaultHandler(p, req)
		}
	}}
	b := newTestBridge(t, l)
	require.NoError(t, b.Start(t.Context()))

	result := make(chan error, 1)
	go func() {
		_, err := b.Call(t.Context(), MethodStatus, nil, 10*time.Second)
		result <- err
	}()
	require.Eventually(t, func() bool { return b.Info().Pending == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Restart(t.Context()))
	assert.ErrorIs(t, <-result, ErrProcessStopped)
}

func TestBridge_StatusReadsDoNotBlockDuringStart(t *testing.T) {
	l := &fakeLauncher{noReady: true}
	b := newTestBridge(t, l, func(o *Options) { o.StartupTimeout = 300 * time.Millisecond })

	done := make(chan error, 1)
	go func() { done <- b.Start(t.Context()) }()

	require.Eventually(t, func() bool { return l.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusStarting, b.Status())
	assert.False(t, b.IsConnected())

	l.last().event(readyEvent, nil)
	require.NoError(t, <-done)
	assert.Equal(t, StatusRunning, b.Status())
}

func TestBridge_CheckHealth(t *testing.T) {
	b := newTestBridge(t, &fakeLauncher{})

	h := b.CheckHealth(t.Context())
	assert.False(t, h.OK)
	assert.Equal(t, KindNotConnected, h.Error.Kind)

	require.NoError(t, b.Start(t.Context()))
	h = b.CheckHealth(t.Context())
	assert.True(t, h.OK)
	assert.Equal(t, "test", h.Version)
	assert.Nil(t, h.Error)
}

func TestBridge_CheckHealthHungGateway(t *testing.T) {
	l := &fakeLauncher{handle: func(p *fakeProcess, req requestFrame) {}}
	b := newTestBridge(t, l, func(o *Options) { o.HealthTimeout = 30 * time.Millisecond })
	require.NoError(t, b.Start(t.Context()))

	h := b.CheckHealth(t.Context())
	assert.True(t, b.IsConnected())
	assert.False(t, h.OK)
	assert.Equal(t, KindTimeout, h.Error.Kind)
}

func TestBridge_EventsAreRouted(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)
	raw := record(t, b, EventMessage)
	notes := record(t, b, EventNotification)
	channels := record(t, b, EventChannelStatus)
	chats := record(t, b, EventChatMessage)
	require.NoError(t, b.Start(t.Context()))

	p := l.last()
	p.event("channel.status", map[string]string{"id": "slack"})
	p.event("chat.message", map[string]string{"text": "hi"})
	p.event("chat", map[string]string{"text": "delta"})
	p.event("cron.fired", map[string]string{"job": "daily"})

	require.Eventually(t, func() bool { return raw.len() == 4 && notes.len() == 1 }, time.Second, 5*time.Millisecond)

	names := make([]string, 0, 4)
	for _, ev := range raw.snapshot() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"channel.status", "chat.message", "chat", "cron.fired"}, names, "ready is not fanned out")
	assert.Contains(t, string(raw.snapshot()[0].Payload), `"type":"event"`)

	require.Len(t, channels.snapshot(), 1)
	assert.JSONEq(t, `{"id":"slack"}`, string(channels.snapshot()[0].Payload))
	require.Len(t, chats.snapshot(), 2)
	assert.Equal(t, "cron.fired", notes.snapshot()[0].Name)
}

func TestBridge_MalformedFrameEmitsError(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l)
	errs := record(t, b, EventError)
	require.NoError(t, b.Start(t.Context()))

	l.last().emitRaw([]byte("not json"))
	l.last().emitRaw([]byte(`{"type":"bogus"}`))

	require.Eventually(t, func() bool { return errs.len() == 2 }, time.Second, 5*time.Millisecond)
	var info ErrorInfo
	require.NoError(t, json.Unmarshal(errs.snapshot()[0].Payload, &info))
	assert.Equal(t, KindTransportError, info.Kind)

	_, err := b.Ping(t.Context(), 0)
	require.NoError(t, err)
}

func TestBridge_LivenessDropsEvents(t *testing.T) {
	var alive sync.Mutex
	live := true
	l := &fakeLauncher{}
	b := newTestBridge(t, l, func(o *Options) {
		o.Liveness = func() bool {
			alive.Lock()
			defer alive.Unlock()
			return live
		}
	})
	notes := record(t, b, EventNotification)
	require.NoError(t, b.Start(t.Context()))

	l.last().event("first", nil)
	require.Eventually(t, func() bool { return notes.len() == 1 }, time.Second, 5*time.Millisecond)

	alive.Lock()
	live = false
	alive.Unlock()
	l.last().event("second", nil)

	// Subsequent pings prove the reader moved past the dropped event.
	_, err := b.Ping(t.Context(), 0)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, notes.len())
}
