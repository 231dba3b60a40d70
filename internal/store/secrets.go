// ABOUTME: Sealed secret blob persistence on SQLiteStore
// ABOUTME: Blobs are stored as given; encryption happens in the vault layer

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutSecret stores blob under name, replacing any previous value.
func (s *SQLiteStore) PutSecret(ctx context.Context, name string, blob []byte) error {
	query := `
		INSERT INTO secrets (name, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, name, blob, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	s.logger.Debug("stored secret", "name", name, "bytes", len(blob))
	return nil
}

// GetSecret returns the blob stored under name.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM secrets WHERE name = ?`, name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying secret: %w", err)
	}
	return blob, nil
}

// DeleteSecret removes the blob stored under name.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted secret", "name", name)
	return nil
}

// HasSecret reports whether a blob exists under name without reading it.
func (s *SQLiteStore) HasSecret(ctx context.Context, name string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM secrets WHERE name = ?`, name).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying secret: %w", err)
	}
	return true, nil
}

// ListSecretNames returns all secret names in sorted order.
func (s *SQLiteStore) ListSecretNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning secret name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
