// Package remote defines the contract livequery consumes from the hosted document store.
package remote

import (
	"context"

	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

// Store is the remote document store. Implementations report failures as *errs.E
// so classification happens once, at the adapter boundary.
type Store interface {
	// QueryOnce executes a single request restricted by the constraint set.
	QueryOnce(ctx context.Context, cs query.ConstraintSet) ([]schema.Record, error)
	// Subscribe opens a push channel. Each value on the batch channel is the full,
	// ordered result set. Cancelling ctx tears the channel down; both channels are
	// closed once the subscription ends.
	Subscribe(ctx context.Context, cs query.ConstraintSet) (<-chan []schema.Record, <-chan error, error)
}
