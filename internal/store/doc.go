// Package store provides persistent storage for coven-bridge using SQLite.
//
// # Architecture
//
// Three narrow interfaces are combined into Store:
//
//   - ProviderStore: provider configurations keyed by ID
//   - SecretStore: opaque sealed blobs keyed by name (the vault's backend)
//   - SettingsStore: small string settings such as the default provider
//
// SQLiteStore implements all of them in a single struct. MemoryStore is an
// in-memory implementation with the same semantics for tests.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Default: $XDG_DATA_HOME/coven/bridge.db (~/.local/share/coven/bridge.db)
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist. Secret
// blobs are never interpreted here; plaintext never reaches this package.
package store
