package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

func ids(records []schema.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	docs := map[string]map[string]any{
		"a": {"owner": "u1", "balance": 10.5, "tags": []any{"vip"}},
		"b": {"owner": "u1", "balance": decimal.RequireFromString("200")},
		"c": {"owner": "u2", "balance": "75"},
		"d": {"owner": "u3"},
	}
	for id, fields := range docs {
		_, err := s.Put(ctx, "accounts", id, fields)
		require.NoError(t, err)
	}
	return s
}

func nextBatch(t *testing.T, batches <-chan []schema.Record) []schema.Record {
	t.Helper()
	select {
	case batch, ok := <-batches:
		require.True(t, ok, "batch channel closed")
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestQueryOnceFiltersOrdersAndCaps(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	got, err := s.QueryOnce(ctx, query.New("accounts").WithFilter("owner", query.OpEqual, "u1"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(got))

	got, err = s.QueryOnce(ctx, query.New("accounts").
		WithFilter("balance", query.OpGreater, 50).
		WithOrdering("balance", query.Descending))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, ids(got))

	got, err = s.QueryOnce(ctx, query.New("accounts").WithOrdering("balance", query.Ascending).WithCap(2))
	require.NoError(t, err)
	require.Equal(t, []string{"d", "a"}, ids(got), "missing field sorts first")
}

func TestOperators(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	cases := map[string]struct {
		cs   query.ConstraintSet
		want []string
	}{
		"not equal":      {query.New("accounts").WithFilter("owner", query.OpNotEqual, "u1"), []string{"c", "d"}},
		"in":             {query.New("accounts").WithFilter("owner", query.OpIn, []any{"u2", "u3"}), []string{"c", "d"}},
		"not in":         {query.New("accounts").WithFilter("owner", query.OpNotIn, []any{"u1"}), []string{"c", "d"}},
		"array contains": {query.New("accounts").WithFilter("tags", query.OpArrayContains, "vip"), []string{"a"}},
		"less equal":     {query.New("accounts").WithFilter("balance", query.OpLessEqual, "75"), []string{"a", "c"}},
		"missing field":  {query.New("accounts").WithFilter("closedAt", query.OpNotEqual, nil), []string{}},
		"by id":          {query.New("accounts").WithFilter("id", query.OpEqual, "c"), []string{"c"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := s.QueryOnce(ctx, tc.cs)
			require.NoError(t, err)
			require.Equal(t, tc.want, ids(got))
		})
	}
}

func TestUnknownCollectionIsEmpty(t *testing.T) {
	got, err := New().QueryOnce(context.Background(), query.New("nothing"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPutAssignsULIDAndIsolatesCallers(t *testing.T) {
	s := New()
	ctx := context.Background()
	fields := map[string]any{"name": "x"}

	record, err := s.Put(ctx, "accounts", "", fields)
	require.NoError(t, err)
	_, err = ulid.Parse(record.ID)
	require.NoError(t, err)

	fields["name"] = "mutated"
	stored, err := s.Get(ctx, "accounts", record.ID)
	require.NoError(t, err)
	require.Equal(t, "x", stored.Fields["name"])

	_, err = s.Put(ctx, " ", "id", fields)
	require.Equal(t, errs.CodeInvalid, errs.From("", err).Code)
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, "accounts", "a"))

	err := s.Delete(ctx, "accounts", "a")
	require.Equal(t, errs.ClassNotFound, errs.Classify(err))

	_, err = s.Get(ctx, "accounts", "a")
	require.Equal(t, errs.ClassNotFound, errs.Classify(err))
}

func TestSubscribePushesInitialAndChanges(t *testing.T) {
	s := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, _, err := s.Subscribe(ctx, query.New("accounts").WithFilter("owner", query.OpEqual, "u1"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(nextBatch(t, batches)))
	require.Equal(t, 1, s.Subscribers())

	_, err = s.Put(context.Background(), "accounts", "e", map[string]any{"owner": "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "e"}, ids(nextBatch(t, batches)))

	require.NoError(t, s.Delete(context.Background(), "accounts", "a"))
	require.Equal(t, []string{"b", "e"}, ids(nextBatch(t, batches)))

	// Writes to other collections do not wake the subscriber.
	_, err = s.Put(context.Background(), "transactions", "t1", map[string]any{"owner": "u1"})
	require.NoError(t, err)
	select {
	case batch := <-batches:
		t.Fatalf("unexpected batch %v", ids(batch))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberKeepsLatestBatch(t *testing.T) {
	s := New(WithSubscriberBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, _, err := s.Subscribe(ctx, query.New("accounts"))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(context.Background(), "accounts", id, map[string]any{})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids(nextBatch(t, batches)))
}

func TestOlderEvaluationNeverOvertakesNewer(t *testing.T) {
	sub := &subscriber{batches: make(chan []schema.Record, 1), errs: make(chan error, 1)}

	sub.push([]schema.Record{{ID: "newer"}}, 2)
	sub.push([]schema.Record{{ID: "older"}}, 1)
	require.Equal(t, []string{"newer"}, ids(<-sub.batches))

	sub.push([]schema.Record{{ID: "same-version"}}, 2)
	require.Equal(t, []string{"same-version"}, ids(<-sub.batches))
}

func TestWritesAdvanceCollectionVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	cs := query.New("accounts")

	_, version := s.evaluate(cs)
	require.Zero(t, version)
	_, err := s.Put(ctx, "accounts", "a", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = s.Put(ctx, "accounts", "b", map[string]any{"n": 2})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "accounts", "a"))

	records, version := s.evaluate(cs)
	require.Equal(t, uint64(3), version)
	require.Equal(t, []string{"b"}, ids(records))
	_, other := s.evaluate(query.New("transactions"))
	require.Zero(t, other)
}

func TestConcurrentWritersLeaveNewestBatch(t *testing.T) {
	s := New(WithSubscriberBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches, _, err := s.Subscribe(ctx, query.New("accounts"))
	require.NoError(t, err)
	require.Empty(t, nextBatch(t, batches))

	const writers = 20
	var wg conc.WaitGroup
	for i := 0; i < writers; i++ {
		id := fmt.Sprintf("acc-%02d", i)
		wg.Go(func() {
			if _, err := s.Put(ctx, "accounts", id, map[string]any{"n": 1}); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	require.Len(t, nextBatch(t, batches), writers)
}

func TestCancelClosesChannels(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	batches, errCh, err := s.Subscribe(ctx, query.New("accounts"))
	require.NoError(t, err)
	nextBatch(t, batches)
	cancel()

	select {
	case _, ok := <-batches:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("batch channel not closed")
	}
	_, ok := <-errCh
	require.False(t, ok)
	require.Equal(t, 0, s.Subscribers())
}

func TestInterruptFailsSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, errCh, err := s.Subscribe(ctx, query.New("accounts"))
	require.NoError(t, err)
	nextBatch(t, batches)

	outage := errs.New(storeLabel, errs.CodeUnavailable, errs.WithMessage("maintenance"))
	require.Equal(t, 1, s.Interrupt("accounts", outage))
	require.Equal(t, 0, s.Subscribers())

	select {
	case got := <-errCh:
		require.True(t, errors.Is(got, outage))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}

	// Later writes are not pushed to a failed subscriber.
	_, err = s.Put(context.Background(), "accounts", "a", map[string]any{})
	require.NoError(t, err)
	require.Len(t, batches, 0)
}

func TestSubscribeRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New().Subscribe(ctx, query.New("accounts"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSeedBanking(t *testing.T) {
	s := New()
	require.NoError(t, SeedBanking(context.Background(), s))
	require.ElementsMatch(t, []string{"accounts", "transactions"}, s.Collections())

	got, err := s.QueryOnce(context.Background(), query.New("transactions").
		WithFilter("accountId", query.OpEqual, "acc-1").
		WithFilter("amount", query.OpLess, 0).
		WithOrdering("postedAt", query.Descending))
	require.NoError(t, err)
	require.Equal(t, []string{"tx-003", "tx-001"}, ids(got))
}
