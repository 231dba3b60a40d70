// ABOUTME: In-memory Store implementation for tests and ephemeral sessions
// ABOUTME: Mirrors SQLiteStore semantics without touching disk

package store

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*ProviderRecord
	secrets   map[string][]byte
	settings  map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*ProviderRecord),
		secrets:   make(map[string][]byte),
		settings:  make(map[string]string),
	}
}

func copyProvider(p *ProviderRecord) *ProviderRecord {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

func (m *MemoryStore) UpsertProvider(_ context.Context, p *ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.providers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.providers[p.ID] = copyProvider(p)
	return nil
}

func (m *MemoryStore) GetProvider(_ context.Context, id string) (*ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProvider(p), nil
}

func (m *MemoryStore) ListProviders(_ context.Context) ([]*ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ProviderRecord, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, copyProvider(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[id]; !ok {
		return ErrNotFound
	}
	delete(m.providers, id)
	return nil
}

func (m *MemoryStore) PutSecret(_ context.Context, name string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = bytes.Clone(blob)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.secrets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(blob), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secrets[name]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, name)
	return nil
}

func (m *MemoryStore) HasSecret(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.secrets[name]
	return ok, nil
}

func (m *MemoryStore) ListSecretNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.secrets)), nil
}

func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
