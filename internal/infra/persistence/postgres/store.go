package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/livequery/internal/infra/persistence"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Cooldowns returns the cooldown repository sharing the store's pool.
func (s *Store) Cooldowns() *CooldownStore {
	return NewCooldownStore(s.Pool())
}

// ObserveMetrics reports the pool's connection counts under name. It is a no-op
// without a pool or metrics.
func (s *Store) ObserveMetrics(metrics *telemetry.Metrics, name string) error {
	pool := s.Pool()
	if pool == nil {
		return nil
	}
	return metrics.ObservePool(name, func() telemetry.PoolStats {
		stat := pool.Stat()
		return telemetry.PoolStats{
			Total:        int64(stat.TotalConns()),
			Idle:         int64(stat.IdleConns()),
			Acquired:     int64(stat.AcquiredConns()),
			Constructing: int64(stat.ConstructingConns()),
		}
	})
}
