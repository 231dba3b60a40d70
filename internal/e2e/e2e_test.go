// ABOUTME: End-to-end tests running the whole bridge against the fake-gateway binary
// ABOUTME: Builds cmd/fake-gateway once and drives everything through the HTTP client

package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-bridge/internal/api"
	"github.com/2389/coven-bridge/internal/app"
	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/config"
	"github.com/2389/coven-bridge/internal/provider"
)

var (
	buildOnce sync.Once
	binPath   string
	buildErr  error
)

func fakeGateway(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("fake gateway relies on unix signals")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "coven-bridge-e2e")
		if err != nil {
			buildErr = err
			return
		}
		binPath = filepath.Join(dir, "fake-gateway")
		out, err := exec.Command("go", "build", "-o", binPath, "../../cmd/fake-gateway").CombinedOutput()
		if err != nil {
			buildErr = &buildError{err: err, out: string(out)}
		}
	})
	require.NoError(t, buildErr)
	return binPath
}

type buildError struct {
	err error
	out string
}

func (e *buildError) Error() string { return "building fake-gateway: " + e.err.Error() + "\n" + e.out }

type harness struct {
	app    *app.App
	client *api.Client
	cancel context.CancelFunc
	done   chan error
}

func startBridge(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	bin := fakeGateway(t)

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "bridge.db")
	cfg.Vault.Passphrase = "e2e passphrase"
	cfg.Gateway.Command = bin
	cfg.Gateway.StartupTimeout = 5 * time.Second
	cfg.Gateway.StopGracePeriod = 2 * time.Second
	cfg.Gateway.RPCTimeout = 5 * time.Second
	if tweak != nil {
		tweak(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{app: a, client: api.NewClient(ln.Addr().String(), ""), cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- a.Serve(ctx, ln) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
	}
}

func TestE2E_LifecycleAndRPC(t *testing.T) {
	h := startBridge(t, nil)
	ctx := context.Background()

	_, err := h.client.SaveProvider(ctx, "anthropic", api.SaveProviderRequest{
		Type: provider.Anthropic, Name: "Anthropic", Enabled: true, APIKey: "sk-ant-e2e-key",
	})
	require.NoError(t, err)
	require.NoError(t, h.client.SetDefault(ctx, "anthropic"))

	info, err := h.client.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusRunning, info.Status)
	assert.NotZero(t, info.PID)

	health, err := h.client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.Equal(t, "fake-1.0", health.Version)

	// Provider keys reach the child through its environment.
	res, err := h.client.RPC(ctx, "status", nil, 0)
	require.NoError(t, err)
	require.True(t, res.Success)
	var st struct {
		DefaultProvider string   `json:"defaultProvider"`
		Keys            []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &st))
	assert.Equal(t, "anthropic", st.DefaultProvider)
	assert.Contains(t, st.Keys, "ANTHROPIC_API_KEY")

	res, err = h.client.RPC(ctx, "not.a.method", nil, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.KindInvalidArgument, res.Error.Kind)

	info, err = h.client.Restart(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusRunning, info.Status)
	assert.Equal(t, 1, info.Restarts)

	info, err = h.client.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusStopped, info.Status)
}

func TestE2E_ConcurrentCallsOutOfOrder(t *testing.T) {
	h := startBridge(t, nil)
	ctx := context.Background()
	_, err := h.client.Start(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	slow := make(chan api.RPCResult, 1)
	fast := make(chan api.RPCResult, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := h.client.RPC(ctx, "echo", json.RawMessage(`{"x":1,"delayMs":300}`), 0)
		assert.NoError(t, err)
		slow <- res
	}()
	go func() {
		defer wg.Done()
		res, err := h.client.RPC(ctx, "ping", nil, 0)
		assert.NoError(t, err)
		fast <- res
	}()
	wg.Wait()

	s, f := <-slow, <-fast
	require.True(t, s.Success)
	assert.JSONEq(t, `{"x":1,"delayMs":300}`, string(s.Result))
	require.True(t, f.Success)
	assert.JSONEq(t, `{"pong":true,"version":"fake-1.0"}`, string(f.Result))
}

func TestE2E_TimeoutThenLateResponse(t *testing.T) {
	h := startBridge(t, nil)
	ctx := context.Background()
	_, err := h.client.Start(ctx)
	require.NoError(t, err)

	res, err := h.client.RPC(ctx, "echo", json.RawMessage(`{"delayMs":500}`), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.KindTimeout, res.Error.Kind)

	// The late reply is discarded and the channel keeps working.
	time.Sleep(600 * time.Millisecond)
	res, err = h.client.RPC(ctx, "ping", nil, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestE2E_EventStream(t *testing.T) {
	h := startBridge(t, nil)
	ctx := context.Background()
	_, err := h.client.Start(ctx)
	require.NoError(t, err)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan api.StreamEvent, 16)
	go func() {
		_ = h.client.Events(streamCtx, []string{"chat:message", "channel:status"}, func(ev api.StreamEvent) {
			events <- ev
		})
	}()

	select {
	case ev := <-events:
		require.Equal(t, "ready", ev.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("no ready event")
	}

	res, err := h.client.RPC(ctx, "chat.send", json.RawMessage(`{"sessionKey":"s1","message":"hi"}`), 0)
	require.NoError(t, err)
	require.True(t, res.Success)

	select {
	case ev := <-events:
		require.Equal(t, "chat:message", ev.Name)
		var got bridge.Event
		require.NoError(t, json.Unmarshal(ev.Data, &got))
		assert.Equal(t, "chat.message", got.Name)
		assert.Contains(t, string(got.Payload), "Echo: hi")
	case <-time.After(3 * time.Second):
		t.Fatal("no chat:message event")
	}
}

func TestE2E_CrashFailsPendingAndAllowsRestart(t *testing.T) {
	h := startBridge(t, func(c *config.Config) {
		c.Gateway.Args = []string{"-crash-on", "cron.list"}
	})
	ctx := context.Background()
	_, err := h.client.Start(ctx)
	require.NoError(t, err)

	res, err := h.client.RPC(ctx, "cron.list", nil, 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.KindProcessCrashed, res.Error.Kind)

	require.Eventually(t, func() bool {
		info, err := h.client.Status(ctx)
		return err == nil && info.Status == bridge.StatusCrashed
	}, 3*time.Second, 20*time.Millisecond)

	info, err := h.client.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusRunning, info.Status)
}

func TestE2E_StartupTimeout(t *testing.T) {
	h := startBridge(t, func(c *config.Config) {
		c.Gateway.Args = []string{"-no-ready"}
		c.Gateway.StartupTimeout = 500 * time.Millisecond
	})
	ctx := context.Background()

	start := time.Now()
	_, err := h.client.Start(ctx)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, bridge.KindStartupTimeout, apiErr.Kind)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)

	info, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusStopped, info.Status)
}
