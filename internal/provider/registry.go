// ABOUTME: Provider Registry over the store and the secret vault
// ABOUTME: Owns the default-provider pointer; mutations are serialized

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/coven-bridge/internal/store"
	"github.com/2389/coven-bridge/internal/vault"
)

// defaultSetting is the settings key holding the default provider ID.
const defaultSetting = "default_provider"

// Backend is the persistence the registry needs.
type Backend interface {
	store.ProviderStore
	store.SettingsStore
}

// Registry manages provider configurations and their keys.
type Registry struct {
	mu      sync.Mutex
	backend Backend
	vault   vault.Vault
	logger  *slog.Logger
}

// NewRegistry creates a registry.
func NewRegistry(backend Backend, v vault.Vault, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: backend, vault: v, logger: logger.With("component", "providers")}
}

// EncryptionAvailable reports whether keys can be stored.
func (r *Registry) EncryptionAvailable() bool { return r.vault.EncryptionAvailable() }

func fromRecord(rec *store.ProviderRecord) Config {
	return Config{
		ID:        rec.ID,
		Type:      Type(rec.Type),
		Name:      rec.Name,
		BaseURL:   rec.BaseURL,
		Model:     rec.Model,
		Enabled:   rec.Enabled,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toRecord(c Config) *store.ProviderRecord {
	return &store.ProviderRecord{
		ID:       c.ID,
		Type:     string(c.Type),
		Name:     c.Name,
		BaseURL:  c.BaseURL,
		Model:    c.Model,
		Enabled:  c.Enabled,
		Metadata: c.Metadata,
	}
}

func vaultErr(err error) error {
	if errors.Is(err, vault.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrVaultUnavailable, err)
	}
	return err
}

// List returns all providers.
func (r *Registry) List(ctx context.Context) ([]Config, error) {
	recs, err := r.backend.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Config, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

// Get returns one provider or ErrUnknownProvider.
func (r *Registry) Get(ctx context.Context, id string) (Config, error) {
	rec, err := r.backend.GetProvider(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if err != nil {
		return Config{}, err
	}
	return fromRecord(rec), nil
}

// Save upserts cfg. A non-empty apiKey is stored alongside; when the vault
// cannot encrypt, nothing is written and ErrVaultUnavailable is returned.
func (r *Registry) Save(ctx context.Context, cfg Config, apiKey string) (Config, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if apiKey != "" && !r.vault.EncryptionAvailable() {
		return Config{}, fmt.Errorf("%w: cannot store key for %s", ErrVaultUnavailable, cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.backend.GetProvider(ctx, cfg.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Config{}, err
	}
	rec := toRecord(cfg)
	if err := r.backend.UpsertProvider(ctx, rec); err != nil {
		return Config{}, err
	}
	if apiKey != "" {
		if err := r.vault.Set(ctx, cfg.ID, apiKey); err != nil {
			r.rollbackSave(ctx, cfg.ID, prev)
			return Config{}, vaultErr(err)
		}
	}
	r.logger.Info("saved provider", "id", cfg.ID, "type", cfg.Type, "with_key", apiKey != "")
	return fromRecord(rec), nil
}

// rollbackSave restores the record Save replaced, or removes the one it
// created, after the key could not be stored.
func (r *Registry) rollbackSave(ctx context.Context, id string, prev *store.ProviderRecord) {
	var err error
	if prev == nil {
		err = r.backend.DeleteProvider(ctx, id)
	} else {
		err = r.backend.UpsertProvider(ctx, prev)
	}
	if err != nil {
		r.logger.Error("rolling back provider save", "id", id, "error", err)
	}
}

// Delete removes a provider and its key. If it was the default, the default
// is cleared; no other provider is promoted.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.backend.GetProvider(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
		}
		return err
	}
	if err := r.vault.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting key for %s: %w", id, err)
	}
	if err := r.backend.DeleteProvider(ctx, id); err != nil {
		return err
	}

	def, err := r.backend.GetSetting(ctx, defaultSetting)
	if err == nil && def == id {
		if err := r.backend.DeleteSetting(ctx, defaultSetting); err != nil {
			return fmt.Errorf("clearing default provider: %w", err)
		}
		r.logger.Info("cleared default provider", "id", id)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	r.logger.Info("deleted provider", "id", id)
	return nil
}

// SetAPIKey stores key for an existing provider.
func (r *Registry) SetAPIKey(ctx context.Context, id, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.vault.Set(ctx, id, key); err != nil {
		return vaultErr(err)
	}
	r.logger.Info("stored provider key", "id", id)
	return nil
}

// DeleteAPIKey removes the stored key for an existing provider. Deleting a
// key that was never set is not an error.
func (r *Registry) DeleteAPIKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.vault.Delete(ctx, id); err != nil {
		return vaultErr(err)
	}
	r.logger.Info("deleted provider key", "id", id)
	return nil
}

// HasAPIKey reports whether a key is stored, without reading it.
func (r *Registry) HasAPIKey(ctx context.Context, id string) (bool, error) {
	return r.vault.Has(ctx, id)
}

// APIKey returns the raw key for id. It is for in-process use when
// configuring the gateway and must never be exposed to UI callers.
// A missing key returns "" without error.
func (r *Registry) APIKey(ctx context.Context, id string) (string, error) {
	key, err := r.vault.Get(ctx, id)
	if errors.Is(err, vault.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", vaultErr(err)
	}
	return key, nil
}

// SetDefault points the default at an existing provider.
func (r *Registry) SetDefault(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.backend.SetSetting(ctx, defaultSetting, id); err != nil {
		return err
	}
	r.logger.Info("set default provider", "id", id)
	return nil
}

// ClearDefault unsets the default provider. Clearing an unset default is
// not an error.
func (r *Registry) ClearDefault(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.DeleteSetting(ctx, defaultSetting); err != nil {
		return err
	}
	r.logger.Info("cleared default provider")
	return nil
}

// Default returns the default provider ID, or "" when unset. A pointer to a
// provider that no longer exists reads as unset.
func (r *Registry) Default(ctx context.Context) (string, error) {
	id, err := r.backend.GetSetting(ctx, defaultSetting)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := r.backend.GetProvider(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("default provider points at a missing provider", "id", id)
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// ValidateKey checks key format for provider id. When no provider has that
// ID, id is interpreted as a provider type name.
func (r *Registry) ValidateKey(ctx context.Context, id, key string) (Validation, error) {
	t := Type(id)
	cfg, err := r.Get(ctx, id)
	switch {
	case err == nil:
		t = cfg.Type
	case errors.Is(err, ErrUnknownProvider):
		if !t.Valid() {
			return Validation{}, err
		}
	default:
		return Validation{}, err
	}
	return ValidateKeyFormat(t, key), nil
}

// ListWithKeyInfo returns every provider with its HasKey flag.
func (r *Registry) ListWithKeyInfo(ctx context.Context) ([]KeyInfo, error) {
	providers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]KeyInfo, 0, len(providers))
	for _, p := range providers {
		has, err := r.vault.Has(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyInfo{Config: p, HasKey: has})
	}
	return out, nil
}

// Credential is a provider with its key, for handing to the gateway.
type Credential struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// Credentials returns every enabled provider with its key. Like APIKey it is
// privileged. When the vault is unavailable keys are left empty.
func (r *Registry) Credentials(ctx context.Context) ([]Credential, error) {
	providers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	def, err := r.Default(ctx)
	if err != nil {
		return nil, err
	}

	var out []Credential
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		c := Credential{ID: p.ID, Type: p.Type, BaseURL: p.BaseURL, Model: p.Model, Default: p.ID == def}
		if r.vault.EncryptionAvailable() {
			if c.APIKey, err = r.APIKey(ctx, p.ID); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, nil
}
