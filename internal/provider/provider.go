// ABOUTME: Provider configuration types and format-only API key validation
// ABOUTME: Validation is a local gate; it never contacts the provider

package provider

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-bridge/internal/bridge"
)

// Type identifies an LLM provider family.
type Type string

const (
	Anthropic  Type = "anthropic"
	OpenAI     Type = "openai"
	Google     Type = "google"
	OpenRouter Type = "openrouter"
	Ollama     Type = "ollama"
	Custom     Type = "custom"
)

// Types lists every recognized provider type.
var Types = []Type{Anthropic, OpenAI, Google, OpenRouter, Ollama, Custom}

func (t Type) Valid() bool { return slices.Contains(Types, t) }

// Errors are bridge errors so that callers can classify them with bridge.KindOf.
var (
	ErrInvalidConfig    = bridge.ErrInvalidConfig
	ErrUnknownProvider  = bridge.ErrUnknownProvider
	ErrVaultUnavailable = bridge.ErrVaultUnavailable
	ErrInvalidArgument  = bridge.ErrInvalidArgument
)

// Config describes one configured provider.
type Config struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Name      string            `json:"name"`
	BaseURL   string            `json:"baseUrl,omitempty"`
	Model     string            `json:"model,omitempty"`
	Enabled   bool              `json:"enabled"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt,omitzero"`
	UpdatedAt time.Time         `json:"updatedAt,omitzero"`
}

// Validate checks required fields and the type.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidConfig)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unrecognized type %q", ErrInvalidConfig, c.Type)
	}
	if c.Type == Custom && c.BaseURL == "" {
		return fmt.Errorf("%w: custom providers need a baseUrl", ErrInvalidConfig)
	}
	return nil
}

// KeyInfo is a provider joined with whether a key is stored. It never
// carries key material.
type KeyInfo struct {
	Config
	HasKey bool `json:"hasKey"`
}

// Validation is the result of a format-only key check.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type keyRule struct {
	prefix   string
	minLen   int
	optional bool
}

var keyRules = map[Type]keyRule{
	Anthropic:  {prefix: "sk-ant-", minLen: 10},
	OpenAI:     {prefix: "sk-", minLen: 10},
	Google:     {prefix: "AIza", minLen: 20},
	OpenRouter: {prefix: "sk-or-", minLen: 10},
	Ollama:     {optional: true},
	Custom:     {minLen: 1},
}

// ValidateKeyFormat checks key against the rules for t. The prefix is
// checked before the length so a foreign key reports a prefix mismatch.
func ValidateKeyFormat(t Type, key string) Validation {
	rule, ok := keyRules[t]
	if !ok {
		return Validation{Reason: fmt.Sprintf("unknown provider type %q", t)}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		if rule.optional {
			return Validation{Valid: true}
		}
		return Validation{Reason: "key is empty"}
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return Validation{Reason: "key contains whitespace"}
	}
	if rule.prefix != "" && !strings.HasPrefix(key, rule.prefix) {
		return Validation{Reason: fmt.Sprintf("%s keys start with %q", t, rule.prefix)}
	}
	if len(key) < rule.minLen {
		return Validation{Reason: fmt.Sprintf("key is shorter than %d characters", rule.minLen)}
	}
	return Validation{Valid: true}
}
