package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/metric"
)

// PoolStats is a point-in-time view of a database connection pool.
type PoolStats struct {
	Total        int64
	Idle         int64
	Acquired     int64
	Constructing int64
}

// ObservePool reports stats for the named pool on every collection cycle as
// livequery_db_pool_connections, one series per connection state.
func (m *Metrics) ObservePool(pool string, stats func() PoolStats) error {
	if m == nil || stats == nil {
		return nil
	}
	pool = strings.TrimSpace(pool)
	if pool == "" {
		pool = "primary"
	}
	states := map[string]metric.MeasurementOption{}
	for _, state := range []string{PoolTotal, PoolIdle, PoolAcquired, PoolConstructing} {
		states[state] = metric.WithAttributes(PoolAttributes(pool, state)...)
	}
	_, err := m.meter.Int64ObservableGauge("livequery_db_pool_connections",
		metric.WithDescription("Database pool connections by state"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			s := stats()
			observer.Observe(s.Total, states[PoolTotal])
			observer.Observe(s.Idle, states[PoolIdle])
			observer.Observe(s.Acquired, states[PoolAcquired])
			observer.Observe(s.Constructing, states[PoolConstructing])
			return nil
		}),
	)
	return err
}
