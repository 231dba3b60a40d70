// ABOUTME: Tests for the sealed and in-memory vaults
// ABOUTME: Covers round trips, passphrase checks, AAD binding, and unavailable mode

package vault

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-bridge/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSealed_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()

	v, err := Open(ctx, backend, "correct horse", quietLogger())
	require.NoError(t, err)
	assert.True(t, v.EncryptionAvailable())

	require.NoError(t, v.Set(ctx, "anthropic", "sk-ant-secret"))

	got, err := v.Get(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", got)

	blob, err := backend.GetSecret(ctx, "anthropic")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "sk-ant-secret", "plaintext must not reach the store")

	has, err := v.Has(ctx, "anthropic")
	require.NoError(t, err)
	assert.True(t, has)

	ids, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic"}, ids)

	require.NoError(t, v.Delete(ctx, "anthropic"))
	require.NoError(t, v.Delete(ctx, "anthropic"))
	_, err = v.Get(ctx, "anthropic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSealed_ReopenWithSamePassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	v, err := Open(ctx, s, "pass-1", quietLogger())
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "openai", "sk-abc"))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, err = Open(ctx, s, "pass-1", quietLogger())
	require.NoError(t, err)
	got, err := v.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", got)

	_, err = Open(ctx, s, "pass-2", quietLogger())
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestSealed_BlobIsBoundToID(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	v, err := Open(ctx, backend, "pw", quietLogger())
	require.NoError(t, err)

	require.NoError(t, v.Set(ctx, "a", "key-a"))
	blob, err := backend.GetSecret(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, backend.PutSecret(ctx, "b", blob))

	_, err = v.Get(ctx, "b")
	assert.Error(t, err, "a blob moved to another ID must not decrypt")
}

func TestSealed_Unavailable(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	require.NoError(t, backend.PutSecret(ctx, "old", []byte{1}))

	v, err := Open(ctx, backend, "", quietLogger())
	require.NoError(t, err)
	assert.False(t, v.EncryptionAvailable())

	assert.ErrorIs(t, v.Set(ctx, "x", "y"), ErrUnavailable)
	_, err = v.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrUnavailable)

	has, err := v.Has(ctx, "old")
	require.NoError(t, err)
	assert.True(t, has)
	require.NoError(t, v.Delete(ctx, "old"))

	names, err := backend.ListSecretNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k1 := DeriveKey("pw", salt)
	assert.Len(t, k1, 32)
	assert.Equal(t, k1, DeriveKey("pw", salt))
	assert.NotEqual(t, k1, DeriveKey("pw2", salt))
	assert.NotEqual(t, k1, DeriveKey("pw", []byte("fedcba9876543210")))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "b", "2"))
	require.NoError(t, m.Set(ctx, "a", "1"))

	ids, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	u := NewUnavailableMemory()
	assert.False(t, u.EncryptionAvailable())
	assert.ErrorIs(t, u.Set(ctx, "a", "1"), ErrUnavailable)
}
