// ABOUTME: Provider configuration persistence on SQLiteStore
// ABOUTME: Upsert by ID, listing in name order, metadata stored as JSON

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertProvider inserts a provider or replaces an existing one with the same ID.
func (s *SQLiteStore) UpsertProvider(ctx context.Context, p *ProviderRecord) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var metadata any
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("encoding provider metadata: %w", err)
		}
		metadata = string(b)
	}

	query := `
		INSERT INTO providers (id, type, name, base_url, model, enabled, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			base_url = excluded.base_url,
			model = excluded.model,
			enabled = excluded.enabled,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Type,
		p.Name,
		nullString(p.BaseURL),
		nullString(p.Model),
		p.Enabled,
		metadata,
		p.CreatedAt.Format(time.RFC3339Nano),
		p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting provider: %w", err)
	}

	// Reflect the stored creation time when this was an update.
	var createdAt string
	if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM providers WHERE id = ?`, p.ID).Scan(&createdAt); err == nil {
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			p.CreatedAt = parsed
		}
	}

	s.logger.Debug("upserted provider", "id", p.ID, "type", p.Type)
	return nil
}

// GetProvider retrieves a provider by ID.
// Returns ErrNotFound if the provider doesn't exist.
func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*ProviderRecord, error) {
	query := `
		SELECT id, type, name, base_url, model, enabled, metadata_json, created_at, updated_at
		FROM providers
		WHERE id = ?
	`
	p, err := s.scanProvider(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return p, nil
}

// ListProviders returns all providers ordered by name, then ID.
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]*ProviderRecord, error) {
	query := `
		SELECT id, type, name, base_url, model, enabled, metadata_json, created_at, updated_at
		FROM providers
		ORDER BY name, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var providers []*ProviderRecord
	for rows.Next() {
		p, err := s.scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating providers: %w", err)
	}
	return providers, nil
}

// DeleteProvider removes a provider by ID.
// Returns ErrNotFound if the provider doesn't exist.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted provider", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanProvider(row rowScanner) (*ProviderRecord, error) {
	var p ProviderRecord
	var baseURL, model, metadata sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&p.ID,
		&p.Type,
		&p.Name,
		&baseURL,
		&model,
		&p.Enabled,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	p.BaseURL = baseURL.String
	p.Model = model.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			s.logger.Warn("failed to parse provider metadata", "id", p.ID, "error", err)
		}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err != nil {
		s.logger.Warn("failed to parse provider created_at", "id", p.ID, "error", err)
	} else {
		p.CreatedAt = parsed
	}
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		s.logger.Warn("failed to parse provider updated_at", "id", p.ID, "error", err)
	} else {
		p.UpdatedAt = parsed
	}
	return &p, nil
}
