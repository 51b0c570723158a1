// Package cooldownstore defines persistence contracts for error-notification cooldown records.
package cooldownstore

import (
	"context"
	"strings"
	"time"
)

// Record remembers the last externally visible error for one consumer and collection.
type Record struct {
	LastErrorSignature string    `json:"lastErrorSignature"`
	LastErrorAt        time.Time `json:"lastErrorAt"`
}

// Store abstracts persistence of cooldown records. Records are advisory: a store may
// lose them at any time without affecting correctness.
type Store interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Save(ctx context.Context, key string, record Record) error
	Delete(ctx context.Context, key string) error
}

// Key namespaces a record by consumer identity and collection name.
func Key(consumer, collection string) string {
	return strings.TrimSpace(consumer) + "/" + strings.TrimSpace(collection)
}
