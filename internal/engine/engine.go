// Package engine performs one-shot, cache-aware reads against the remote document store.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/cache"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/remote"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

const storeLabel = "engine"

// Config wires an Engine.
type Config struct {
	Store           remote.Store
	Cache           *cache.Cache
	FreshnessWindow time.Duration
	Metrics         *telemetry.Metrics
	Logger          *log.Logger
}

// Engine executes single request/response reads. It never retries; retry policy
// belongs to the caller.
type Engine struct {
	store   remote.Store
	cache   *cache.Cache
	window  time.Duration
	metrics *telemetry.Metrics
	logger  *log.Logger
}

// New constructs an Engine. A nil cache disables caching entirely.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("remote store required"))
	}
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = cache.DefaultFreshnessWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		store:   cfg.Store,
		cache:   cfg.Cache,
		window:  window,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

type execOptions struct {
	readCache  bool
	writeCache bool
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execOptions)

// SkipCacheRead forces a remote call regardless of cache freshness.
func SkipCacheRead() ExecOption {
	return func(o *execOptions) { o.readCache = false }
}

// SkipCacheWrite leaves the cache untouched after a successful fetch.
func SkipCacheWrite() ExecOption {
	return func(o *execOptions) { o.writeCache = false }
}

// Execute returns the records matching cs. A fresh cache entry is served without a
// remote call; otherwise one request is issued and a successful result overwrites the
// cache entry. Failures are returned as *errs.E and never touch the cache. A not-found
// response is a successful empty result.
func (e *Engine) Execute(ctx context.Context, cs query.ConstraintSet, opts ...ExecOption) ([]schema.Record, error) {
	options := execOptions{readCache: true, writeCache: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	key := cs.CanonicalKey()
	collection := cs.Collection()

	if options.readCache && e.cache != nil {
		if entry, ok := e.cache.GetFresh(key, e.window); ok {
			return entry.Records, nil
		}
	}

	records, err := e.store.QueryOnce(ctx, cs)
	if err != nil {
		classified := errs.From(storeLabel, err)
		if classified.Class() != errs.ClassNotFound {
			e.metrics.RecordRemoteRequest(ctx, collection, telemetry.OperationQuery, classified.Class().String())
			e.logger.Printf("engine: query failed collection=%s code=%s: %v", collection, classified.Code, err)
			return nil, fmt.Errorf("execute %s: %w", collection, classified)
		}
		records = nil
	}
	e.metrics.RecordRemoteRequest(ctx, collection, telemetry.OperationQuery, telemetry.ResultSuccess)

	if records == nil {
		records = []schema.Record{}
	}
	if options.writeCache && e.cache != nil {
		e.cache.Put(key, records)
	}
	return schema.CloneRecords(records), nil
}

// Cache exposes the cache the engine reads through, which may be nil.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}
