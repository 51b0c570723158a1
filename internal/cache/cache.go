// Package cache provides the process-wide, time-boxed result cache keyed by canonical query keys.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

// DefaultFreshnessWindow is the age after which an entry no longer satisfies a one-shot read.
const DefaultFreshnessWindow = 5 * time.Minute

// Entry is the last-known result set for one canonical key.
type Entry struct {
	Key       string
	Records   []schema.Record
	FetchedAt time.Time
}

// Collection returns the collection segment of the entry key.
func (e Entry) Collection() string {
	return query.CollectionOfKey(e.Key)
}

// Cache is a best-effort result cache. Writes are last-write-wins per key. Get never
// fails: a missing entry is reported as absent and a stale one is left to the caller.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time
	metrics *telemetry.Metrics

	maxAge        time.Duration
	sweepInterval time.Duration
	shutdown      chan struct{}
	once          sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics records lookups on the supplied instruments.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// WithSweeper starts a background routine that drops entries older than maxAge every interval.
func WithSweeper(interval, maxAge time.Duration) Option {
	return func(c *Cache) {
		if interval <= 0 || maxAge <= 0 {
			return
		}
		c.maxAge = maxAge
		c.sweepInterval = interval
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := new(Cache)
	c.entries = make(map[string]Entry)
	c.clock = time.Now
	c.shutdown = make(chan struct{})
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.sweepInterval > 0 {
		go c.sweepExpired(c.sweepInterval)
	}
	return c
}

// Get returns a copy of the entry stored under key, regardless of age.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// GetFresh returns the entry only if it is younger than window. A stale entry is evicted.
func (c *Cache) GetFresh(key string, window time.Duration) (Entry, bool) {
	collection := query.CollectionOfKey(key)
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(context.Background(), collection, telemetry.ResultMiss)
		return Entry{}, false
	}
	if !c.IsFresh(entry, window) {
		delete(c.entries, key)
		c.mu.Unlock()
		c.metrics.RecordCacheLookup(context.Background(), collection, telemetry.ResultStale)
		return Entry{}, false
	}
	c.mu.Unlock()
	c.metrics.RecordCacheLookup(context.Background(), collection, telemetry.ResultHit)
	return cloneEntry(entry), true
}

// Put overwrites the entry for key with records fetched now.
func (c *Cache) Put(key string, records []schema.Record) Entry {
	entry := Entry{Key: key, Records: schema.CloneRecords(records), FetchedAt: c.clock()}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return cloneEntry(entry)
}

// Invalidate removes every entry belonging to collection and returns how many were dropped.
func (c *Cache) Invalidate(collection string) int {
	removed := 0
	c.mu.Lock()
	for key := range c.entries {
		if query.CollectionOfKey(key) == collection {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// IsFresh reports whether entry is younger than window. It never touches the network.
func (c *Cache) IsFresh(entry Entry, window time.Duration) bool {
	if entry.FetchedAt.IsZero() {
		return false
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return c.clock().Sub(entry.FetchedAt) < window
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops background maintenance routines.
func (c *Cache) Close() {
	c.once.Do(func() {
		close(c.shutdown)
	})
}

func (c *Cache) sweepExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.pruneExpired()
		}
	}
}

func (c *Cache) pruneExpired() int {
	if c.maxAge <= 0 {
		return 0
	}
	now := c.clock()
	removed := 0
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.Sub(entry.FetchedAt) >= c.maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

func cloneEntry(entry Entry) Entry {
	clone := entry
	clone.Records = schema.CloneRecords(entry.Records)
	return clone
}
