// ABOUTME: Tests for the provider routes of the control API
// ABOUTME: Runs against a real registry over the in-memory store and vault

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/provider"
	"github.com/2389/coven-bridge/internal/store"
	"github.com/2389/coven-bridge/internal/vault"
)

func TestProviders_SaveListDelete(t *testing.T) {
	env := newTestEnv(t)

	code, d := doJSON(t, env, http.MethodPut, "/api/providers/anthropic", SaveProviderRequest{
		Type: provider.Anthropic, Name: "Anthropic", Enabled: true, APIKey: "sk-ant-abc123",
	}, "")
	require.Equal(t, http.StatusOK, code)
	var info provider.KeyInfo
	require.NoError(t, json.Unmarshal(d.Result, &info))
	assert.Equal(t, "anthropic", info.ID)
	assert.True(t, info.HasKey)
	assert.NotContains(t, string(d.Result), "sk-ant-abc123", "keys are never returned")
	assert.Equal(t, 1, env.changes())

	code, d = doJSON(t, env, http.MethodGet, "/api/providers", nil, "")
	require.Equal(t, http.StatusOK, code)
	var list ProviderList
	require.NoError(t, json.Unmarshal(d.Result, &list))
	require.Len(t, list.Providers, 1)
	assert.True(t, list.Providers[0].HasKey)
	assert.True(t, list.EncryptionAvailable)
	assert.NotContains(t, string(d.Result), "sk-ant-abc123")

	code, d = doJSON(t, env, http.MethodGet, "/api/providers/anthropic", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(d.Result, &info))
	assert.Equal(t, "Anthropic", info.Name)

	code, _ = doJSON(t, env, http.MethodDelete, "/api/providers/anthropic", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, env.changes())

	code, d = doJSON(t, env, http.MethodGet, "/api/providers/anthropic", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, bridge.KindUnknownProvider, d.Error.Kind)
}

func TestProviders_InvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	code, d := doJSON(t, env, http.MethodPut, "/api/providers/x", SaveProviderRequest{Type: "bogus", Name: "X"}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, bridge.KindInvalidConfig, d.Error.Kind)
	assert.Equal(t, 0, env.changes())
}

func TestProviders_KeyRoutes(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.registry.Save(context.Background(), provider.Config{ID: "openai", Type: provider.OpenAI, Name: "OpenAI"}, "")
	require.NoError(t, err)

	code, d := doJSON(t, env, http.MethodGet, "/api/providers/openai/key", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"hasKey":false}`, string(d.Result))

	code, _ = doJSON(t, env, http.MethodPut, "/api/providers/openai/key", KeyRequest{APIKey: "sk-abcdefghij"}, "")
	require.Equal(t, http.StatusOK, code)

	code, d = doJSON(t, env, http.MethodGet, "/api/providers/openai/key", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"hasKey":true}`, string(d.Result))

	code, _ = doJSON(t, env, http.MethodDelete, "/api/providers/openai/key", nil, "")
	require.Equal(t, http.StatusOK, code)
	has, err := env.registry.HasAPIKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.False(t, has)

	code, d = doJSON(t, env, http.MethodGet, "/api/providers/ghost/key", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, bridge.KindUnknownProvider, d.Error.Kind)

	code, d = doJSON(t, env, http.MethodDelete, "/api/providers/ghost/key", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, bridge.KindUnknownProvider, d.Error.Kind)
}

func TestProviders_VaultUnavailable(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Providers = provider.NewRegistry(store.NewMemoryStore(), vault.NewUnavailableMemory(), quietLogger())
	})
	code, d := doJSON(t, env, http.MethodPut, "/api/providers/anthropic", SaveProviderRequest{
		Type: provider.Anthropic, Name: "Anthropic", APIKey: "sk-ant-abc123",
	}, "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, bridge.KindVaultUnavailable, d.Error.Kind)
}

func TestProviders_Default(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.registry.Save(ctx, provider.Config{ID: "anthropic", Type: provider.Anthropic, Name: "Anthropic"}, "")
	require.NoError(t, err)

	code, d := doJSON(t, env, http.MethodPut, "/api/providers/default", DefaultRequest{ID: "ghost"}, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, bridge.KindUnknownProvider, d.Error.Kind)

	code, _ = doJSON(t, env, http.MethodPut, "/api/providers/default", DefaultRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, env, http.MethodPut, "/api/providers/default", DefaultRequest{ID: "anthropic"}, "")
	require.Equal(t, http.StatusOK, code)

	code, d = doJSON(t, env, http.MethodGet, "/api/providers/default", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"id":"anthropic"}`, string(d.Result))

	code, _ = doJSON(t, env, http.MethodDelete, "/api/providers/anthropic", nil, "")
	require.Equal(t, http.StatusOK, code)

	_, d = doJSON(t, env, http.MethodGet, "/api/providers/default", nil, "")
	assert.JSONEq(t, `{"id":""}`, string(d.Result))
}

func TestProviders_ClearDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.registry.Save(ctx, provider.Config{ID: "anthropic", Type: provider.Anthropic, Name: "Anthropic"}, "")
	require.NoError(t, err)
	require.NoError(t, env.registry.SetDefault(ctx, "anthropic"))

	code, d := doJSON(t, env, http.MethodDelete, "/api/providers/default", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"id":""}`, string(d.Result))

	def, err := env.registry.Default(ctx)
	require.NoError(t, err)
	assert.Empty(t, def)
	_, err = env.registry.Get(ctx, "anthropic")
	require.NoError(t, err, "the provider itself is kept")

	assert.Equal(t, 1, env.changes())

	code, _ = doJSON(t, env, http.MethodDelete, "/api/providers/default", nil, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestProviders_Validate(t *testing.T) {
	env := newTestEnv(t)

	code, d := doJSON(t, env, http.MethodPost, "/api/providers/anthropic/validate", KeyRequest{APIKey: "sk-ant-abc123"}, "")
	require.Equal(t, http.StatusOK, code)
	var v provider.Validation
	require.NoError(t, json.Unmarshal(d.Result, &v))
	assert.True(t, v.Valid)

	_, d = doJSON(t, env, http.MethodPost, "/api/providers/anthropic/validate", KeyRequest{APIKey: "xyz"}, "")
	require.NoError(t, json.Unmarshal(d.Result, &v))
	assert.False(t, v.Valid)
	assert.Contains(t, v.Reason, "sk-ant-")
}

func TestClient_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := NewClient(env.server.URL, "")

	info, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusRunning, info.Status)

	_, err = c.Start(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, bridge.KindAlreadyRunning, apiErr.Kind)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.OK)

	res, err := c.RPC(ctx, "ping", nil, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = c.RPC(ctx, "echo", json.RawMessage(`{"x":1}`), 0)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, bridge.KindNotConnected, res.Error.Kind)

	_, err = c.SaveProvider(ctx, "anthropic", SaveProviderRequest{Type: provider.Anthropic, Name: "Anthropic"})
	require.NoError(t, err)
	require.NoError(t, c.SetDefault(ctx, "anthropic"))

	list, err := c.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", list.Default)
	require.Len(t, list.Providers, 1)

	require.NoError(t, c.ClearDefault(ctx))
	list, err = c.Providers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Default)

	v, err := c.ValidateKey(ctx, "anthropic", "xyz")
	require.NoError(t, err)
	assert.False(t, v.Valid)

	require.NoError(t, c.DeleteProvider(ctx, "anthropic"))

	st, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusStopped, st.Status)
}
