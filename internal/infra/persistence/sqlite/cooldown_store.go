// Package sqlite persists cooldown records in a local SQLite file so notification
// de-duplication survives process restarts within a session.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coachpo/livequery/internal/domain/cooldownstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS notification_cooldowns (
	key TEXT PRIMARY KEY,
	last_error_signature TEXT NOT NULL,
	last_error_at TEXT NOT NULL
);`

// CooldownStore implements cooldownstore.Store on SQLite.
type CooldownStore struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string) (*CooldownStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cooldown table: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &CooldownStore{db: db}, nil
}

// Close releases the database handle.
func (s *CooldownStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load implements cooldownstore.Store.
func (s *CooldownStore) Load(ctx context.Context, key string) (cooldownstore.Record, bool, error) {
	var (
		record cooldownstore.Record
		at     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_error_signature, last_error_at FROM notification_cooldowns WHERE key = ?`, key,
	).Scan(&record.LastErrorSignature, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return cooldownstore.Record{}, false, nil
	}
	if err != nil {
		return cooldownstore.Record{}, false, fmt.Errorf("load cooldown %s: %w", key, err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return cooldownstore.Record{}, false, fmt.Errorf("parse cooldown %s: %w", key, err)
	}
	record.LastErrorAt = parsed
	return record, true, nil
}

// Save implements cooldownstore.Store.
func (s *CooldownStore) Save(ctx context.Context, key string, record cooldownstore.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_cooldowns(key, last_error_signature, last_error_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	last_error_signature=excluded.last_error_signature,
	last_error_at=excluded.last_error_at`,
		key, record.LastErrorSignature, record.LastErrorAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save cooldown %s: %w", key, err)
	}
	return nil
}

// Delete implements cooldownstore.Store.
func (s *CooldownStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_cooldowns WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cooldown %s: %w", key, err)
	}
	return nil
}
