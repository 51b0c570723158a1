package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

// State is the lifecycle position of a Handle.
type State int

const (
	// StateConnecting opens a push channel.
	StateConnecting State = iota
	// StateStreaming has an open channel delivering batches.
	StateStreaming
	// StateReconnecting waits for the backoff timer after a transient failure or an
	// open against an absent collection.
	StateReconnecting
	// StateFailed is terminal after a permanent failure or an exhausted retry budget.
	StateFailed
	// StateCancelled is terminal after Cancel.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further delivery can happen in this state.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateCancelled
}

// RetryState tracks consecutive failures since the last delivered batch.
type RetryState struct {
	Attempt int
	Class   errs.Class
}

// Delivery is one batch pushed by the remote store.
type Delivery struct {
	Generation uint64
	Records    []schema.Record
}

// Failure describes one classified channel failure. Final is set when the handle
// will not reconnect.
type Failure struct {
	Generation uint64
	Err        *errs.E
	Class      errs.Class
	Attempt    int
	Delay      time.Duration
	Final      bool
}

// Listener receives a handle's deliveries and failures, in channel order.
type Listener interface {
	OnDelivery(Delivery)
	OnFailure(Failure)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Delivery func(Delivery)
	Failure  func(Failure)
}

// OnDelivery implements Listener.
func (l ListenerFuncs) OnDelivery(d Delivery) {
	if l.Delivery != nil {
		l.Delivery(d)
	}
}

// OnFailure implements Listener.
func (l ListenerFuncs) OnFailure(f Failure) {
	if l.Failure != nil {
		l.Failure(f)
	}
}

// Handle is one logical subscription. Each (re)connect gets a fresh generation; callbacks
// from an older generation are dropped before they touch the cache or the listener.
type Handle struct {
	id       string
	query    query.ConstraintSet
	manager  *Manager
	policy   Policy
	listener Listener

	mu         sync.Mutex
	state      State
	retry      RetryState
	generation uint64
	timer      Timer
	teardown   context.CancelFunc
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// Query returns the constraint set the handle streams.
func (h *Handle) Query() query.ConstraintSet { return h.query }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Retry returns the current retry bookkeeping.
func (h *Handle) Retry() RetryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retry
}

// Generation returns the id of the current channel.
func (h *Handle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Cancel tears down the channel and discards any pending reconnect. It is idempotent.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state == StateCancelled {
		h.mu.Unlock()
		return
	}
	h.generation++
	h.stopLocked()
	h.state = StateCancelled
	h.mu.Unlock()

	h.manager.transition(h, StateCancelled)
	h.manager.release(h)
}

func (h *Handle) stopLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.teardown != nil {
		h.teardown()
		h.teardown = nil
	}
}

func (h *Handle) connect() {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.generation++
	gen := h.generation
	h.timer = nil
	ctx, cancel := context.WithCancel(h.manager.ctx)
	h.teardown = cancel
	h.state = StateConnecting
	h.mu.Unlock()
	h.manager.transition(h, StateConnecting)

	batches, failures, err := h.manager.store.Subscribe(ctx, h.query)
	if err != nil {
		h.fail(gen, err)
		return
	}

	h.mu.Lock()
	if gen != h.generation || h.state.Terminal() {
		h.mu.Unlock()
		cancel()
		return
	}
	h.state = StateStreaming
	h.mu.Unlock()
	h.manager.transition(h, StateStreaming)

	go h.pump(ctx, gen, batches, failures)
}

func (h *Handle) pump(ctx context.Context, gen uint64, batches <-chan []schema.Record, failures <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case records, ok := <-batches:
			if !ok {
				h.fail(gen, h.manager.closedError(h.query))
				return
			}
			h.deliver(gen, records)
		case err, ok := <-failures:
			if !ok {
				h.fail(gen, h.manager.closedError(h.query))
				return
			}
			if errs.Classify(err) == errs.ClassNotFound {
				h.deliver(gen, nil)
				continue
			}
			h.fail(gen, err)
			return
		}
	}
}

func (h *Handle) deliver(gen uint64, records []schema.Record) {
	h.emit(gen, records, true)
}

// emit hands records to the cache and the listener. resetRetry is false for the empty
// result reported while the collection is absent, which must not refill the budget.
func (h *Handle) emit(gen uint64, records []schema.Record, resetRetry bool) bool {
	h.mu.Lock()
	if gen != h.generation || h.state.Terminal() {
		h.mu.Unlock()
		return false
	}
	if resetRetry {
		h.retry = RetryState{}
	}
	h.mu.Unlock()

	if records == nil {
		records = []schema.Record{}
	}
	if c := h.manager.cache; c != nil {
		c.Put(h.query.CanonicalKey(), records)
	}
	h.listener.OnDelivery(Delivery{Generation: gen, Records: schema.CloneRecords(records)})
	return true
}

func (h *Handle) fail(gen uint64, err error) {
	envelope := *errs.From(storeLabel, err)
	if envelope.Collection == "" {
		envelope.Collection = h.query.Collection()
	}
	classified := &envelope
	class := classified.Class()
	if class == errs.ClassNotFound {
		h.absent(gen, classified)
		return
	}

	h.mu.Lock()
	if gen != h.generation || h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	h.retry.Attempt++
	h.retry.Class = class
	attempt := h.retry.Attempt

	failure := Failure{Generation: gen, Err: classified, Class: class, Attempt: attempt}
	if class == errs.ClassPermanent || h.policy.Exhausted(attempt) {
		failure.Final = true
		h.state = StateFailed
	} else {
		failure.Delay = h.policy.Delay(attempt - 1)
		h.state = StateReconnecting
		h.timer = h.manager.scheduler.AfterFunc(failure.Delay, func() { h.reconnect(gen) })
	}
	next := h.state
	h.mu.Unlock()

	h.manager.transition(h, next)
	if failure.Final {
		h.manager.logger.Printf("subscription: handle failed id=%s collection=%s class=%s attempt=%d: %v",
			h.id, h.query.Collection(), class, attempt, classified)
		h.manager.release(h)
	} else {
		h.manager.metrics.RecordReconnect(context.Background(), h.query.Collection(), failure.Delay)
		h.manager.logger.Printf("subscription: reconnect scheduled id=%s collection=%s attempt=%d delay=%s: %v",
			h.id, h.query.Collection(), attempt, failure.Delay, classified)
	}
	h.listener.OnFailure(failure)
}

// absent handles an open rejected because the collection does not exist. The consumer
// sees an empty result and never an error; the open is retried on the reconnect
// schedule until the budget is spent, after which the handle rests as an empty stream.
func (h *Handle) absent(gen uint64, cause *errs.E) {
	if !h.emit(gen, nil, false) {
		return
	}

	h.mu.Lock()
	if gen != h.generation || h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	h.retry.Attempt++
	h.retry.Class = errs.ClassNotFound
	attempt := h.retry.Attempt
	var delay time.Duration
	if h.policy.Exhausted(attempt) {
		h.state = StateStreaming
	} else {
		delay = h.policy.Delay(attempt - 1)
		h.state = StateReconnecting
		h.timer = h.manager.scheduler.AfterFunc(delay, func() { h.reconnect(gen) })
	}
	next := h.state
	h.mu.Unlock()

	h.manager.transition(h, next)
	if next == StateReconnecting {
		h.manager.logger.Printf("subscription: collection absent id=%s collection=%s attempt=%d retry_in=%s: %v",
			h.id, h.query.Collection(), attempt, delay, cause)
		return
	}
	h.manager.logger.Printf("subscription: collection absent id=%s collection=%s attempt=%d, polling stopped",
		h.id, h.query.Collection(), attempt)
}

func (h *Handle) reconnect(gen uint64) {
	h.mu.Lock()
	if gen != h.generation || h.state != StateReconnecting {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.connect()
}
