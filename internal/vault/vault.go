// ABOUTME: Secret vault contract for provider API keys
// ABOUTME: Keys are stored per provider ID; callers never see ciphertext

package vault

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned by Get and Set when no encryption key is configured.
	ErrUnavailable = errors.New("vault encryption unavailable")
	// ErrNotFound is returned by Get when no key is stored for the ID.
	ErrNotFound = errors.New("no key stored")
	// ErrWrongPassphrase is returned by Open when the passphrase does not match
	// the one the vault was created with.
	ErrWrongPassphrase = errors.New("wrong vault passphrase")
)

// Vault stores provider API keys.
type Vault interface {
	Get(ctx context.Context, id string) (string, error)
	Set(ctx context.Context, id, key string) error
	// Delete removes the key for id. Deleting a missing key is not an error.
	Delete(ctx context.Context, id string) error
	Has(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
	EncryptionAvailable() bool
}
