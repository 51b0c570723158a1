package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/cache"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/engine"
	"github.com/coachpo/livequery/internal/infra/persistence/memory"
	"github.com/coachpo/livequery/internal/subscription"
	"github.com/coachpo/livequery/internal/testutil/remotefake"
)

const waitTimeout = 2 * time.Second

type harness struct {
	store     *remotefake.Store
	cache     *cache.Cache
	clock     *fakeClock
	scheduler *subscription.ManualScheduler
	manager   *subscription.Manager
	cooldowns *memory.CooldownStore
	sink      *collectingSink
	deps      Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	store := remotefake.New()
	store.SetRecords([]schema.Record{
		{ID: "acc-1", Fields: map[string]any{"owner": "u-1", "balance": "120.00"}},
		{ID: "acc-2", Fields: map[string]any{"owner": "u-1", "balance": "9.50"}},
	})
	c := cache.New(cache.WithClock(clock.Now))
	eng, err := engine.New(engine.Config{Store: store, Cache: c})
	require.NoError(t, err)

	scheduler := subscription.NewManualScheduler()
	manager, err := subscription.NewManager(subscription.Config{
		Store:     store,
		Cache:     c,
		Policy:    subscription.DefaultPolicy(),
		Scheduler: scheduler,
	})
	require.NoError(t, err)

	cooldowns := memory.NewCooldownStore()
	sink := &collectingSink{}
	notifier, err := NewNotifier(cooldowns, WithSink(sink), WithNotifierClock(clock.Now))
	require.NoError(t, err)

	t.Cleanup(func() {
		manager.Close()
		c.Close()
	})
	return &harness{
		store:     store,
		cache:     c,
		clock:     clock,
		scheduler: scheduler,
		manager:   manager,
		cooldowns: cooldowns,
		sink:      sink,
		deps: Deps{
			Engine:        eng,
			Subscriptions: manager,
			Notifier:      notifier,
			RetryPolicy:   subscription.Policy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxRetries: 3},
		},
	}
}

func ownerFilter(owner string) query.FilterBuilder {
	return func(cs query.ConstraintSet) query.ConstraintSet {
		return cs.WithFilter("owner", query.OpEqual, owner).WithOrdering("balance", query.Descending)
	}
}

func oneShotConfig() Config {
	return Config{
		ConsumerID:   "accounts-page",
		Collection:   "accounts",
		Filter:       ownerFilter("u-1"),
		CacheEnabled: true,
		RetryOnError: true,
		MaxRetries:   3,
	}
}

type stateFeed chan State

func (f stateFeed) onChange(st State) { f <- st }

func (f stateFeed) waitFor(t *testing.T, pred func(State) bool) State {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st := <-f:
			if pred(st) {
				return st
			}
		case <-deadline:
			t.Fatal("timed out waiting for state")
			return State{}
		}
	}
}

func realTimeConfig(feed stateFeed) Config {
	cfg := oneShotConfig()
	cfg.RealTime = true
	cfg.OnChange = feed.onChange
	return cfg
}

func nextConn(t *testing.T, store *remotefake.Store) *remotefake.Conn {
	t.Helper()
	select {
	case conn := <-store.Connections():
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for subscribe")
		return nil
	}
}

func unavailableErr() error {
	return errs.New("docstore", errs.CodeUnavailable, errs.WithMessage("backend restarting"))
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t)
	_, err := New(Deps{}, oneShotConfig())
	require.Error(t, err)

	_, err = New(h.deps, Config{})
	require.Error(t, err)

	noNotifier := h.deps
	noNotifier.Notifier = nil
	_, err = New(noNotifier, oneShotConfig())
	require.Error(t, err)

	noSubs := h.deps
	noSubs.Subscriptions = nil
	cfg := oneShotConfig()
	cfg.RealTime = true
	_, err = New(noSubs, cfg)
	require.Error(t, err)
}

func TestOneShotLoadsData(t *testing.T) {
	h := newHarness(t)
	c, err := New(h.deps, oneShotConfig())
	require.NoError(t, err)
	require.True(t, c.State().Loading)
	require.False(t, c.State().IsEmpty, "loading state is never empty")

	require.NoError(t, c.Start(context.Background()))
	st := c.State()
	require.False(t, st.Loading)
	require.False(t, st.IsEmpty)
	require.Len(t, st.Data, 2)
	require.Empty(t, st.Error)
	require.Equal(t, errs.ClassNone, st.Class)

	queried := h.store.Queries()[0]
	require.Equal(t, "accounts", queried.Collection())
	ordering, ok := queried.Ordering()
	require.True(t, ok)
	require.Equal(t, query.Descending, ordering.Direction)
}

func TestOneShotUsesFreshCacheAndRefetchBypassesIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := New(h.deps, oneShotConfig())
	require.NoError(t, err)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Reconfigure(ctx, oneShotConfig()))
	require.Equal(t, 1, h.store.QueryCount(), "fresh cache entry must satisfy the second read")

	require.NoError(t, c.Refetch(ctx))
	require.Equal(t, 2, h.store.QueryCount())
	require.NoError(t, c.Refetch(ctx))
	require.Equal(t, 3, h.store.QueryCount())
}

func TestCacheDisabledAlwaysHitsRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := oneShotConfig()
	cfg.CacheEnabled = false
	c, err := New(h.deps, cfg)
	require.NoError(t, err)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	require.Equal(t, 2, h.store.QueryCount())
	require.Equal(t, 0, h.cache.Len())
}

func TestOneShotExhaustedRetriesReportEmptyData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := New(h.deps, oneShotConfig())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	require.Len(t, c.State().Data, 2)

	h.store.QueueQueryError(unavailableErr(), unavailableErr(), unavailableErr(), unavailableErr())
	err = c.Refetch(ctx)
	require.Error(t, err)
	require.Equal(t, 5, h.store.QueryCount(), "initial load plus one read and three retries")

	st := c.State()
	require.False(t, st.Loading)
	require.True(t, st.IsEmpty, "exhausted one-shot reads never present stale data")
	require.Equal(t, "backend restarting", st.Error)
	require.Equal(t, errs.ClassTransient, st.Class)
	require.Equal(t, 1, h.sink.Count())
}

func TestOneShotRecoversWithinRetryBudget(t *testing.T) {
	h := newHarness(t)
	h.store.QueueQueryError(unavailableErr(), unavailableErr())
	c, err := New(h.deps, oneShotConfig())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, 3, h.store.QueryCount())
	require.Len(t, c.State().Data, 2)
	require.Equal(t, 0, h.sink.Count())
}

func TestOneShotPermanentIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.store.QueueQueryError(errs.New("docstore", errs.CodeUnauthenticated, errs.WithMessage("sign in again")))
	c, err := New(h.deps, oneShotConfig())
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, errs.ClassPermanent, errs.Classify(err))
	require.Equal(t, 1, h.store.QueryCount())
	require.Equal(t, errs.ClassPermanent, c.State().Class)
	require.Equal(t, 1, h.sink.Count())
}

func TestRetryOnErrorDisabled(t *testing.T) {
	h := newHarness(t)
	h.store.QueueQueryError(unavailableErr())
	cfg := oneShotConfig()
	cfg.RetryOnError = false
	c, err := New(h.deps, cfg)
	require.NoError(t, err)

	require.Error(t, c.Start(context.Background()))
	require.Equal(t, 1, h.store.QueryCount())
}

func TestSuccessResetsCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := oneShotConfig()
	cfg.RetryOnError = false
	c, err := New(h.deps, cfg)
	require.NoError(t, err)

	h.store.QueueQueryError(unavailableErr())
	require.Error(t, c.Start(ctx))
	require.Equal(t, 1, h.cooldowns.Len())

	require.NoError(t, c.Refetch(ctx))
	require.Equal(t, 0, h.cooldowns.Len())

	h.store.QueueQueryError(unavailableErr())
	require.Error(t, c.Refetch(ctx))
	require.Equal(t, 2, h.sink.Count(), "a success in between re-arms notifications")
}

func TestRealTimeStreamsAndPrepopulatesFromCache(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	cfg := realTimeConfig(feed)
	cs := query.Build(cfg.Collection, cfg.Filter)
	h.cache.Put(cs.CanonicalKey(), []schema.Record{{ID: "cached"}})

	c, err := New(h.deps, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	st := c.State()
	require.True(t, st.Loading)
	require.False(t, st.IsEmpty)
	require.Equal(t, "cached", st.Data[0].ID)

	conn := nextConn(t, h.store)
	require.True(t, conn.Query.Equal(cs))
	require.True(t, conn.Push([]schema.Record{{ID: "live-1"}, {ID: "live-2"}}))

	st = feed.waitFor(t, func(s State) bool { return !s.Loading })
	require.Len(t, st.Data, 2)
	require.Equal(t, "live-1", st.Data[0].ID)

	entry, ok := h.cache.Get(cs.CanonicalKey())
	require.True(t, ok)
	require.Len(t, entry.Records, 2)

	require.True(t, conn.Push(nil))
	st = feed.waitFor(t, func(s State) bool { return len(s.Data) == 0 })
	require.True(t, st.IsEmpty)
}

func TestRealTimePermanentFailureKeepsDataAndBypassesCooldown(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	c, err := New(h.deps, realTimeConfig(feed))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	conn := nextConn(t, h.store)
	require.True(t, conn.Fail(unavailableErr()))
	feed.waitFor(t, func(s State) bool { return s.Class == errs.ClassTransient })
	require.Equal(t, 1, h.sink.Count())

	_, fired := h.scheduler.FireNext()
	require.True(t, fired)
	reopened := nextConn(t, h.store)
	require.True(t, reopened.Push([]schema.Record{{ID: "acc-1"}}))
	feed.waitFor(t, func(s State) bool { return len(s.Data) == 1 && s.Err == nil })

	h.notifierRecordTransient(t)
	require.True(t, reopened.Fail(errs.New("docstore", errs.CodePermissionDenied, errs.WithMessage("revoked"))))
	st := feed.waitFor(t, func(s State) bool { return s.Class == errs.ClassPermanent })
	require.Len(t, st.Data, 1, "failed subscriptions keep the last delivered data")
	require.Equal(t, "revoked", st.Error)
	require.Equal(t, 3, h.sink.Count())

	require.Equal(t, subscription.StateFailed, c.Handle().State())
	require.Equal(t, 0, h.scheduler.Pending())
}

// notifierRecordTransient arms an active cooldown for the consumer so the permanent
// failure that follows has something to bypass.
func (h *harness) notifierRecordTransient(t *testing.T) {
	t.Helper()
	require.True(t, h.deps.Notifier.Report(context.Background(), "accounts-page", "accounts", unavailableErr()))
}

func TestRealTimeReconnectStormNotifiesOnceAndKeepsData(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	c, err := New(h.deps, realTimeConfig(feed))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	conn := nextConn(t, h.store)
	require.True(t, conn.Push([]schema.Record{{ID: "acc-1"}}))
	feed.waitFor(t, func(s State) bool { return !s.Loading })

	h.store.QueueSubscribeError(unavailableErr(), unavailableErr(), unavailableErr())
	require.True(t, conn.Fail(unavailableErr()))
	feed.waitFor(t, func(s State) bool { return s.Err != nil })
	for i := 0; i < 3; i++ {
		_, fired := h.scheduler.FireNext()
		require.True(t, fired)
	}

	require.Eventually(t, func() bool {
		return c.Handle().State() == subscription.StateFailed
	}, waitTimeout, 5*time.Millisecond)
	st := c.State()
	require.Len(t, st.Data, 1)
	require.Equal(t, errs.ClassTransient, st.Class)
	require.Equal(t, 1, h.sink.Count(), "identical errors inside the cooldown are suppressed")
	require.Equal(t, []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second}, h.scheduler.Delays())
}

func TestRealTimeMaxRetriesOverride(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	cfg := realTimeConfig(feed)
	cfg.MaxRetries = 1
	c, err := New(h.deps, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	conn := nextConn(t, h.store)
	h.store.QueueSubscribeError(unavailableErr())
	require.True(t, conn.Fail(unavailableErr()))
	feed.waitFor(t, func(s State) bool { return s.Err != nil })
	_, fired := h.scheduler.FireNext()
	require.True(t, fired)

	require.Eventually(t, func() bool {
		return c.Handle().State() == subscription.StateFailed
	}, waitTimeout, 5*time.Millisecond)
	require.Equal(t, []time.Duration{3 * time.Second}, h.scheduler.Delays())
}

func TestRealTimeAbsentCollectionIsEmptyNotAnError(t *testing.T) {
	h := newHarness(t)
	notFound := errs.New("docstore", errs.CodeNotFound, errs.WithMessage("no such collection"))
	h.store.QueueSubscribeError(notFound, notFound, notFound, notFound, notFound, notFound)
	feed := make(stateFeed, 64)
	c, err := New(h.deps, realTimeConfig(feed))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	feed.waitFor(t, func(s State) bool { return !s.Loading })
	require.Eventually(t, func() bool { return h.scheduler.Pending() == 1 }, waitTimeout, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		h.scheduler.FireNext()
	}

	st := c.State()
	require.Empty(t, st.Error)
	require.Nil(t, st.Err)
	require.False(t, st.Loading)
	require.True(t, st.IsEmpty)
	require.Zero(t, h.sink.Count())
	require.Equal(t, 4, h.store.SubscribeCount())
	require.Zero(t, h.scheduler.Pending())
	require.Equal(t, subscription.StateStreaming, c.Handle().State())
}

func TestReconfigureReleasesOldHandleAndDropsStaleCallbacks(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	ctx := context.Background()
	c, err := New(h.deps, realTimeConfig(feed))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	oldConn := nextConn(t, h.store)
	oldHandle := c.Handle()
	c.mu.Lock()
	oldEpoch := c.epoch
	c.mu.Unlock()

	next := realTimeConfig(feed)
	next.Collection = "transactions"
	next.Filter = func(cs query.ConstraintSet) query.ConstraintSet {
		return cs.WithFilter("accountId", query.OpEqual, "acc-1").WithCap(20)
	}
	require.NoError(t, c.Reconfigure(ctx, next))

	require.Equal(t, subscription.StateCancelled, oldHandle.State())
	select {
	case <-oldConn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("old channel still open")
	}
	require.Equal(t, 1, h.manager.Active())

	stale := binding{controller: c, epoch: oldEpoch}
	stale.OnDelivery(subscription.Delivery{Records: []schema.Record{{ID: "acc-ghost"}}})
	stale.OnFailure(subscription.Failure{Err: errs.New("docstore", errs.CodeUnauthenticated), Class: errs.ClassPermanent})

	st := c.State()
	require.True(t, st.Loading)
	require.Empty(t, st.Data)
	require.Nil(t, st.Err)
	require.Equal(t, 0, h.sink.Count())

	newConn := nextConn(t, h.store)
	require.Equal(t, "transactions", newConn.Query.Collection())
	require.True(t, newConn.Push([]schema.Record{{ID: "tx-1"}}))
	st = feed.waitFor(t, func(s State) bool { return !s.Loading })
	require.Equal(t, "tx-1", st.Data[0].ID)
}

func TestSwitchingModesReleasesSubscription(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	ctx := context.Background()
	c, err := New(h.deps, realTimeConfig(feed))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	nextConn(t, h.store)
	handle := c.Handle()

	require.NoError(t, c.Reconfigure(ctx, oneShotConfig()))
	require.Equal(t, subscription.StateCancelled, handle.State())
	require.Nil(t, c.Handle())
	require.Equal(t, 0, h.manager.Active())
	require.Len(t, c.State().Data, 2)
}

func TestCloseCancelsAndIgnoresLateCallbacks(t *testing.T) {
	h := newHarness(t)
	feed := make(stateFeed, 64)
	c, err := New(h.deps, realTimeConfig(feed))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	conn := nextConn(t, h.store)
	handle := c.Handle()

	c.Close()
	c.Close()
	require.Equal(t, subscription.StateCancelled, handle.State())
	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatal("channel still open after close")
	}
	require.Error(t, c.Refetch(context.Background()))
	require.Error(t, c.Start(context.Background()))
}
