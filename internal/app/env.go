// ABOUTME: Hands provider credentials to the gateway, as spawn env and via providers.sync
// ABOUTME: The only callers of the registry's privileged key reads

package app

import (
	"context"
	"strings"

	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/provider"
)

// keyEnv names the variable each provider type's key is exported as.
var keyEnv = map[provider.Type]string{
	provider.Anthropic:  "ANTHROPIC_API_KEY",
	provider.OpenAI:     "OPENAI_API_KEY",
	provider.Google:     "GEMINI_API_KEY",
	provider.OpenRouter: "OPENROUTER_API_KEY",
}

const (
	envDefaultProvider = "COVEN_DEFAULT_PROVIDER"
	envOllamaHost      = "OLLAMA_HOST"
)

// credentialEnv turns credentials into KEY=value pairs. When several
// providers share a type the default wins, then the first listed.
func credentialEnv(creds []provider.Credential) []string {
	chosen := make(map[provider.Type]provider.Credential)
	var def string
	for _, c := range creds {
		if c.Default {
			def = c.ID
		}
		prev, seen := chosen[c.Type]
		if !seen || (c.Default && !prev.Default) {
			chosen[c.Type] = c
		}
	}

	var env []string
	for _, t := range provider.Types {
		c, ok := chosen[t]
		if !ok {
			continue
		}
		if name, ok := keyEnv[t]; ok && c.APIKey != "" {
			env = append(env, name+"="+c.APIKey)
		}
		if t == provider.Ollama && c.BaseURL != "" {
			env = append(env, envOllamaHost+"="+strings.TrimSuffix(c.BaseURL, "/"))
		}
	}
	if def != "" {
		env = append(env, envDefaultProvider+"="+def)
	}
	return env
}

// providerEnv is the bridge's spawn-time environment hook.
func (a *App) providerEnv(ctx context.Context) ([]string, error) {
	creds, err := a.registry.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	return credentialEnv(creds), nil
}

// SyncParams is the payload of providers.sync.
type SyncParams struct {
	Providers []provider.Credential `json:"providers"`
	Default   string                `json:"default"`
}

// providersChanged pushes the registry to the gateway in the background.
func (a *App) providersChanged(ctx context.Context) {
	if !a.alive.Load() {
		return
	}
	a.syncs.Add(1)
	go func() {
		defer a.syncs.Done()
		if err := a.SyncProviders(ctx); err != nil {
			a.logger.Warn("provider sync failed", "error", err)
		}
	}()
}

// SyncProviders sends the current providers and keys to a running gateway.
// It does nothing while the gateway is not connected; the next spawn picks
// the providers up from its environment.
func (a *App) SyncProviders(ctx context.Context) error {
	if !a.bridge.IsConnected() {
		return nil
	}
	creds, err := a.registry.Credentials(ctx)
	if err != nil {
		return err
	}
	params := SyncParams{Providers: creds}
	for _, c := range creds {
		if c.Default {
			params.Default = c.ID
		}
	}
	if _, err := a.bridge.Call(ctx, bridge.MethodProvidersSync, params, 0); err != nil {
		return err
	}
	a.logger.Debug("providers synced", "count", len(creds))
	return nil
}
