// Package postgres implements repositories on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/livequery/internal/domain/cooldownstore"
)

// CooldownStore persists notification cooldown records in PostgreSQL so every
// process sharing the database de-duplicates against the same history.
type CooldownStore struct {
	pool *pgxpool.Pool
}

// NewCooldownStore constructs a CooldownStore backed by the provided pgx pool.
func NewCooldownStore(pool *pgxpool.Pool) *CooldownStore {
	return &CooldownStore{pool: pool}
}

const (
	cooldownUpsertSQL = `
INSERT INTO notification_cooldowns (
    key,
    last_error_signature,
    last_error_at,
    updated_at
)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (key) DO UPDATE SET
    last_error_signature = EXCLUDED.last_error_signature,
    last_error_at = EXCLUDED.last_error_at,
    updated_at = NOW();
`
	cooldownSelectSQL = `SELECT last_error_signature, last_error_at FROM notification_cooldowns WHERE key = $1;`
	cooldownDeleteSQL = `DELETE FROM notification_cooldowns WHERE key = $1;`
)

// Load implements cooldownstore.Store.
func (s *CooldownStore) Load(ctx context.Context, key string) (cooldownstore.Record, bool, error) {
	if s.pool == nil {
		return cooldownstore.Record{}, false, fmt.Errorf("cooldown store: nil pool")
	}
	var record cooldownstore.Record
	err := s.pool.QueryRow(ctx, cooldownSelectSQL, strings.TrimSpace(key)).
		Scan(&record.LastErrorSignature, &record.LastErrorAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cooldownstore.Record{}, false, nil
	}
	if err != nil {
		return cooldownstore.Record{}, false, fmt.Errorf("load cooldown %s: %w", key, err)
	}
	record.LastErrorAt = record.LastErrorAt.UTC()
	return record, true, nil
}

// Save implements cooldownstore.Store.
func (s *CooldownStore) Save(ctx context.Context, key string, record cooldownstore.Record) error {
	if s.pool == nil {
		return fmt.Errorf("cooldown store: nil pool")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("cooldown store: key required")
	}
	if _, err := s.pool.Exec(ctx, cooldownUpsertSQL, key, record.LastErrorSignature, record.LastErrorAt.UTC()); err != nil {
		return fmt.Errorf("save cooldown %s: %w", key, err)
	}
	return nil
}

// Delete implements cooldownstore.Store.
func (s *CooldownStore) Delete(ctx context.Context, key string) error {
	if s.pool == nil {
		return fmt.Errorf("cooldown store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, cooldownDeleteSQL, strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("delete cooldown %s: %w", key, err)
	}
	return nil
}
