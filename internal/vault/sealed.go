// ABOUTME: Passphrase-sealed vault over the SQLite secret table
// ABOUTME: XChaCha20-Poly1305 with an argon2id-derived key; the provider ID is bound as AAD

package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/2389/coven-bridge/internal/store"
)

// Settings keys used by the sealed vault.
const (
	saltSetting  = "vault.salt"
	checkSetting = "vault.check"
)

const (
	blobVersion = 1
	saltSize    = 16
	checkText   = "coven-bridge vault"
)

// argon2id parameters.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// Backend is the persistence the sealed vault needs.
type Backend interface {
	store.SecretStore
	store.SettingsStore
}

// Sealed encrypts keys before handing them to the backend.
type Sealed struct {
	backend Backend
	aead    cipher.AEAD
	logger  *slog.Logger
}

var _ Vault = (*Sealed)(nil)

// DeriveKey stretches a passphrase into a 32-byte key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
}

// Open returns a vault over backend. An empty passphrase yields a vault whose
// EncryptionAvailable is false; Get and Set then fail with ErrUnavailable.
// The salt and a check value are created on first use.
func Open(ctx context.Context, backend Backend, passphrase string, logger *slog.Logger) (*Sealed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Sealed{backend: backend, logger: logger.With("component", "vault")}
	if passphrase == "" {
		v.logger.Warn("no vault passphrase configured, provider keys cannot be stored")
		return v, nil
	}

	salt, err := v.loadSalt(ctx)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	v.aead = aead

	if err := v.verifyPassphrase(ctx); err != nil {
		return nil, err
	}
	v.logger.Info("vault unsealed")
	return v, nil
}

func (v *Sealed) loadSalt(ctx context.Context) ([]byte, error) {
	encoded, err := v.backend.GetSetting(ctx, saltSetting)
	if err == nil {
		salt, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding vault salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading vault salt: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating vault salt: %w", err)
	}
	if err := v.backend.SetSetting(ctx, saltSetting, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("storing vault salt: %w", err)
	}
	v.logger.Info("created vault salt")
	return salt, nil
}

// verifyPassphrase decrypts the stored check value, creating it on first use.
func (v *Sealed) verifyPassphrase(ctx context.Context) error {
	encoded, err := v.backend.GetSetting(ctx, checkSetting)
	if errors.Is(err, store.ErrNotFound) {
		blob, err := v.seal(checkSetting, []byte(checkText))
		if err != nil {
			return err
		}
		return v.backend.SetSetting(ctx, checkSetting, base64.StdEncoding.EncodeToString(blob))
	}
	if err != nil {
		return fmt.Errorf("loading vault check: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding vault check: %w", err)
	}
	if _, err := v.open(checkSetting, blob); err != nil {
		return ErrWrongPassphrase
	}
	return nil
}

func (v *Sealed) EncryptionAvailable() bool { return v.aead != nil }

// seal returns version || nonce || ciphertext, authenticated against id.
func (v *Sealed) seal(id string, plaintext []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+v.aead.Overhead())
	out[0] = blobVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return v.aead.Seal(out, nonce, plaintext, []byte(id)), nil
}

func (v *Sealed) open(id string, blob []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(blob) < 1+ns+v.aead.Overhead() {
		return nil, errors.New("sealed blob too short")
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("unsupported sealed blob version %d", blob[0])
	}
	nonce, ciphertext := blob[1:1+ns], blob[1+ns:]
	return v.aead.Open(nil, nonce, ciphertext, []byte(id))
}

func (v *Sealed) Get(ctx context.Context, id string) (string, error) {
	if !v.EncryptionAvailable() {
		return "", ErrUnavailable
	}
	blob, err := v.backend.GetSecret(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	plaintext, err := v.open(id, blob)
	if err != nil {
		return "", fmt.Errorf("decrypting key for %s: %w", id, err)
	}
	return string(plaintext), nil
}

func (v *Sealed) Set(ctx context.Context, id, key string) error {
	if !v.EncryptionAvailable() {
		return ErrUnavailable
	}
	blob, err := v.seal(id, []byte(key))
	if err != nil {
		return err
	}
	if err := v.backend.PutSecret(ctx, id, blob); err != nil {
		return err
	}
	v.logger.Debug("stored key", "id", id)
	return nil
}

func (v *Sealed) Delete(ctx context.Context, id string) error {
	err := v.backend.DeleteSecret(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (v *Sealed) Has(ctx context.Context, id string) (bool, error) {
	return v.backend.HasSecret(ctx, id)
}

func (v *Sealed) List(ctx context.Context) ([]string, error) {
	return v.backend.ListSecretNames(ctx)
}
