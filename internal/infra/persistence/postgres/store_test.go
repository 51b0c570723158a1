package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/livequery/internal/domain/cooldownstore"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
}

func TestCooldownStoreNilPool(t *testing.T) {
	store := New(nil).Cooldowns()
	ctx := context.Background()
	if _, _, err := store.Load(ctx, "c/accounts"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Save(ctx, "c/accounts", cooldownstore.Record{LastErrorAt: time.Now()}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Delete(ctx, "c/accounts"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestObserveMetricsWithoutPoolIsNoop(t *testing.T) {
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if err := New(nil).ObserveMetrics(metrics, "cooldowns"); err != nil {
		t.Fatalf("expected no-op without pool, got %v", err)
	}
}
