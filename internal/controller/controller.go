// Package controller exposes the per-consumer data/loading/error/refetch contract on top
// of the execution engine and the subscription manager.
package controller

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/engine"
	"github.com/coachpo/livequery/internal/subscription"
)

const storeLabel = "controller"

// Config is the single configuration surface of a consumer.
type Config struct {
	ConsumerID   string
	Collection   string
	Filter       query.FilterBuilder
	RealTime     bool
	CacheEnabled bool
	RetryOnError bool
	// MaxRetries bounds retries when RetryOnError is set. Zero selects the default budget.
	MaxRetries int
	// OnChange observes every state change. It must not call back into the controller.
	OnChange func(State)
}

// State is the live tuple a consumer renders.
type State struct {
	Data    []schema.Record
	Loading bool
	Error   string
	Err     *errs.E
	Class   errs.Class
	IsEmpty bool
}

// Deps are the shared collaborators a controller runs against.
type Deps struct {
	Engine        *engine.Engine
	Subscriptions *subscription.Manager
	Notifier      *Notifier
	// RetryPolicy drives one-shot retries. The zero value selects the default policy.
	RetryPolicy subscription.Policy
	Logger      *log.Logger
}

// Controller orchestrates one consumer. At most one subscription handle is live at a
// time; results from superseded configurations are dropped.
type Controller struct {
	engine   *engine.Engine
	subs     *subscription.Manager
	notifier *Notifier
	policy   subscription.Policy
	logger   *log.Logger

	emitMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	query      query.ConstraintSet
	epoch      uint64
	loadSeq    uint64
	data       []schema.Record
	loading    bool
	err        *errs.E
	handle     *subscription.Handle
	cancelLoad context.CancelFunc
	closed     bool
}

// New validates cfg and builds a controller. Nothing is fetched until Start.
func New(deps Deps, cfg Config) (*Controller, error) {
	if deps.Engine == nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("execution engine required"))
	}
	if deps.Notifier == nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("notifier required"))
	}
	if err := validate(cfg, deps); err != nil {
		return nil, err
	}
	policy := deps.RetryPolicy
	if policy == (subscription.Policy{}) {
		policy = subscription.DefaultPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		engine:   deps.Engine,
		subs:     deps.Subscriptions,
		notifier: deps.Notifier,
		policy:   policy.Normalize(),
		logger:   logger,
		cfg:      cfg,
		query:    query.Build(cfg.Collection, cfg.Filter),
		data:     []schema.Record{},
		loading:  true,
	}, nil
}

func validate(cfg Config, deps Deps) error {
	if strings.TrimSpace(cfg.Collection) == "" {
		return errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("collection required"))
	}
	if cfg.RealTime && deps.Subscriptions == nil {
		return errs.New(storeLabel, errs.CodeInvalid,
			errs.WithMessage("real-time mode requires a subscription manager"),
			errs.WithCollection(cfg.Collection))
	}
	return nil
}

// Start performs the initial load. In one-shot mode it blocks until the read and its
// retries finish and returns the final error; in real-time mode it opens the
// subscription and returns immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	return c.apply(ctx, cfg)
}

// Reconfigure releases the current handle or in-flight read and starts over with cfg.
func (c *Controller) Reconfigure(ctx context.Context, cfg Config) error {
	if err := validate(cfg, Deps{Subscriptions: c.subs}); err != nil {
		return err
	}
	return c.apply(ctx, cfg)
}

func (c *Controller) apply(ctx context.Context, cfg Config) error {
	cs := query.Build(cfg.Collection, cfg.Filter)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New(storeLabel, errs.CodeCancelled, errs.WithMessage("controller closed"))
	}
	c.releaseLocked()
	c.epoch++
	epoch := c.epoch
	c.cfg = cfg
	c.query = cs
	c.data = []schema.Record{}
	c.loading = true
	c.err = nil

	if cfg.RealTime {
		if cached, ok := c.cachedLocked(cfg, cs); ok {
			c.data = cached
		}
		var opts []subscription.SubscribeOption
		if budget, override := c.retryBudget(cfg); override {
			opts = append(opts, subscription.WithMaxRetries(budget))
		}
		c.handle = c.subs.Subscribe(cs, binding{controller: c, epoch: epoch}, opts...)
		c.mu.Unlock()
		c.logger.Printf("controller: subscribed consumer=%s query=%s", cfg.ConsumerID, cs)
		c.publish()
		return nil
	}

	c.loadSeq++
	seq := c.loadSeq
	loadCtx, cancel := context.WithCancel(ctx)
	c.cancelLoad = cancel
	c.mu.Unlock()
	c.publish()

	defer cancel()
	return c.load(loadCtx, epoch, seq, cfg, cs, c.execOptions(cfg)...)
}

// Refetch forces a remote read that bypasses cache freshness, retried like the initial
// load. In real-time mode a failed refetch keeps the last delivered data.
func (c *Controller) Refetch(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New(storeLabel, errs.CodeCancelled, errs.WithMessage("controller closed"))
	}
	if c.cancelLoad != nil {
		c.cancelLoad()
	}
	c.loadSeq++
	seq := c.loadSeq
	epoch := c.epoch
	cfg := c.cfg
	cs := c.query
	loadCtx, cancel := context.WithCancel(ctx)
	c.cancelLoad = cancel
	c.loading = true
	c.mu.Unlock()
	c.publish()

	defer cancel()
	opts := append([]engine.ExecOption{engine.SkipCacheRead()}, c.execOptions(cfg)...)
	return c.load(loadCtx, epoch, seq, cfg, cs, opts...)
}

// State returns a snapshot of the consumer state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Handle returns the live subscription handle, if any.
func (c *Controller) Handle() *subscription.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Close releases the subscription or in-flight read. Later callbacks are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.epoch++
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.handle != nil {
		c.handle.Cancel()
		c.handle = nil
	}
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
}

func (c *Controller) cachedLocked(cfg Config, cs query.ConstraintSet) ([]schema.Record, bool) {
	if !cfg.CacheEnabled || c.engine.Cache() == nil {
		return nil, false
	}
	entry, ok := c.engine.Cache().Get(cs.CanonicalKey())
	if !ok {
		return nil, false
	}
	return entry.Records, true
}

func (c *Controller) execOptions(cfg Config) []engine.ExecOption {
	if cfg.CacheEnabled {
		return nil
	}
	return []engine.ExecOption{engine.SkipCacheRead(), engine.SkipCacheWrite()}
}

// retryBudget returns the retry count for cfg and whether it differs from the
// collaborator's default.
func (c *Controller) retryBudget(cfg Config) (int, bool) {
	switch {
	case !cfg.RetryOnError:
		return 0, true
	case cfg.MaxRetries > 0:
		return cfg.MaxRetries, true
	default:
		return c.policy.MaxRetries, false
	}
}

func (c *Controller) load(ctx context.Context, epoch, seq uint64, cfg Config, cs query.ConstraintSet, opts ...engine.ExecOption) error {
	budget, _ := c.retryBudget(cfg)
	operation := func() ([]schema.Record, error) {
		records, err := c.engine.Execute(ctx, cs, opts...)
		if err != nil && errs.Classify(err) == errs.ClassPermanent {
			return nil, backoff.Permanent(err)
		}
		return records, err
	}
	records, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.policy.NewBackOff()),
		backoff.WithMaxTries(uint(budget)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Printf("controller: retrying read consumer=%s collection=%s in %s: %v",
				cfg.ConsumerID, cs.Collection(), next, err)
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	c.finishLoad(ctx, epoch, seq, cfg, records, err)
	return err
}

func (c *Controller) finishLoad(ctx context.Context, epoch, seq uint64, cfg Config, records []schema.Record, err error) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch || seq != c.loadSeq {
		c.mu.Unlock()
		return
	}
	c.cancelLoad = nil
	c.loading = false
	if err == nil {
		c.data = schema.CloneRecords(records)
		c.err = nil
		c.mu.Unlock()
		c.notifier.Reset(context.WithoutCancel(ctx), cfg.ConsumerID, cfg.Collection)
		c.publish()
		return
	}
	envelope := errs.From(storeLabel, err)
	c.err = envelope
	if !cfg.RealTime {
		c.data = []schema.Record{}
	}
	c.mu.Unlock()
	c.logger.Printf("controller: read failed consumer=%s collection=%s class=%s: %v",
		cfg.ConsumerID, cfg.Collection, envelope.Class(), err)
	c.notifier.Report(context.WithoutCancel(ctx), cfg.ConsumerID, cfg.Collection, envelope)
	c.publish()
}

type binding struct {
	controller *Controller
	epoch      uint64
}

func (b binding) OnDelivery(d subscription.Delivery) { b.controller.onDelivery(b.epoch, d) }
func (b binding) OnFailure(f subscription.Failure)   { b.controller.onFailure(b.epoch, f) }

func (c *Controller) onDelivery(epoch uint64, d subscription.Delivery) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.data = d.Records
	c.loading = false
	c.err = nil
	cfg := c.cfg
	c.mu.Unlock()

	c.notifier.Reset(context.Background(), cfg.ConsumerID, cfg.Collection)
	c.publish()
}

func (c *Controller) onFailure(epoch uint64, f subscription.Failure) {
	c.mu.Lock()
	if c.closed || epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.err = f.Err
	c.loading = false
	cfg := c.cfg
	c.mu.Unlock()

	c.notifier.Report(context.Background(), cfg.ConsumerID, cfg.Collection, f.Err)
	c.publish()
}

func (c *Controller) snapshotLocked() State {
	st := State{
		Data:    schema.CloneRecords(c.data),
		Loading: c.loading,
		Err:     c.err,
	}
	if c.err != nil {
		st.Error = c.err.Summary()
		st.Class = c.err.Class()
	}
	st.IsEmpty = !st.Loading && len(st.Data) == 0
	return st
}

func (c *Controller) publish() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	onChange := c.cfg.OnChange
	closed := c.closed
	st := c.snapshotLocked()
	c.mu.Unlock()
	if onChange != nil && !closed {
		onChange(st)
	}
}
