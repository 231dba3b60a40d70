// ABOUTME: Store interfaces and record types for coven-bridge persistence
// ABOUTME: Provider configs, sealed secret blobs, and key/value settings

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ProviderRecord is the persisted form of a provider configuration.
type ProviderRecord struct {
	ID        string
	Type      string
	Name      string
	BaseURL   string
	Model     string
	Enabled   bool
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderStore persists provider configurations.
type ProviderStore interface {
	// UpsertProvider inserts or replaces by ID. CreatedAt is preserved on update.
	UpsertProvider(ctx context.Context, p *ProviderRecord) error
	GetProvider(ctx context.Context, id string) (*ProviderRecord, error)
	ListProviders(ctx context.Context) ([]*ProviderRecord, error)
	DeleteProvider(ctx context.Context, id string) error
}

// SecretStore persists opaque encrypted blobs by name. It never sees plaintext.
type SecretStore interface {
	PutSecret(ctx context.Context, name string, blob []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error
	HasSecret(ctx context.Context, name string) (bool, error)
	ListSecretNames(ctx context.Context) ([]string, error)
}

// SettingsStore holds small string settings such as the default provider.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Store is everything the bridge persists.
type Store interface {
	ProviderStore
	SecretStore
	SettingsStore
	Close() error
}
