// ABOUTME: In-memory Vault for tests and ephemeral sessions
// ABOUTME: Unavailable mode mimics a vault without a configured passphrase

package vault

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Memory is a Vault held in process memory.
type Memory struct {
	mu          sync.RWMutex
	keys        map[string]string
	unavailable bool
}

var _ Vault = (*Memory)(nil)

// NewMemory returns an empty vault with encryption available.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]string)}
}

// NewUnavailableMemory returns a vault that refuses Get and Set.
func NewUnavailableMemory() *Memory {
	m := NewMemory()
	m.unavailable = true
	return m
}

func (m *Memory) EncryptionAvailable() bool { return !m.unavailable }

func (m *Memory) Get(_ context.Context, id string) (string, error) {
	if m.unavailable {
		return "", ErrUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return "", ErrNotFound
	}
	return k, nil
}

func (m *Memory) Set(_ context.Context, id, key string) error {
	if m.unavailable {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = key
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}

func (m *Memory) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[id]
	return ok, nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.keys)), nil
}
