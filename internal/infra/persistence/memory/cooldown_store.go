// Package memory provides process-local persistence implementations.
package memory

import (
	"context"
	"sync"

	"github.com/coachpo/livequery/internal/domain/cooldownstore"
)

// CooldownStore keeps cooldown records in a map for the lifetime of the process.
type CooldownStore struct {
	mu      sync.RWMutex
	records map[string]cooldownstore.Record
}

// NewCooldownStore creates an empty store.
func NewCooldownStore() *CooldownStore {
	return &CooldownStore{records: make(map[string]cooldownstore.Record)}
}

// Load implements cooldownstore.Store.
func (s *CooldownStore) Load(ctx context.Context, key string) (cooldownstore.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return cooldownstore.Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	return record, ok, nil
}

// Save implements cooldownstore.Store.
func (s *CooldownStore) Save(ctx context.Context, key string, record cooldownstore.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = record
	s.mu.Unlock()
	return nil
}

// Delete implements cooldownstore.Store.
func (s *CooldownStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *CooldownStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
