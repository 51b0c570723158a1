// Package subscription maintains long-lived push channels with capped exponential reconnects.
package subscription

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/cache"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/remote"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

const storeLabel = "subscription"

// Config wires a Manager.
type Config struct {
	Store     remote.Store
	Cache     *cache.Cache
	Policy    Policy
	Scheduler Scheduler
	Metrics   *telemetry.Metrics
	Logger    *log.Logger
}

// Manager opens handles against one remote store and owns the reconnect scheduler.
type Manager struct {
	store     remote.Store
	cache     *cache.Cache
	policy    Policy
	scheduler Scheduler
	metrics   *telemetry.Metrics
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*Handle
	closed bool
}

// NewManager constructs a Manager. A nil cache skips cache population.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("remote store required"))
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = RealScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     cfg.Store,
		cache:     cfg.Cache,
		policy:    cfg.Policy.Normalize(),
		scheduler: scheduler,
		metrics:   cfg.Metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*Handle),
	}, nil
}

// SubscribeOption adjusts a single handle.
type SubscribeOption func(*Handle)

// WithPolicy overrides the manager's reconnect policy for one handle.
func WithPolicy(policy Policy) SubscribeOption {
	return func(h *Handle) {
		h.policy = policy.Normalize()
	}
}

// WithMaxRetries overrides only the retry budget for one handle.
func WithMaxRetries(n int) SubscribeOption {
	return func(h *Handle) {
		p := h.policy
		p.MaxRetries = n
		h.policy = p.Normalize()
	}
}

// Subscribe opens a new handle for cs. The channel is opened asynchronously; results
// and failures reach listener in the order the channel produced them.
func (m *Manager) Subscribe(cs query.ConstraintSet, listener Listener, opts ...SubscribeOption) *Handle {
	if listener == nil {
		listener = ListenerFuncs{}
	}
	h := &Handle{
		id:       uuid.NewString(),
		query:    cs,
		manager:  m,
		policy:   m.policy,
		listener: listener,
		state:    StateConnecting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.state = StateCancelled
		return h
	}
	m.active[h.id] = h
	m.mu.Unlock()

	m.logger.Printf("subscription: open id=%s query=%s", h.id, cs)
	go h.connect()
	return h
}

// Active returns the number of handles that are neither failed nor cancelled.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close cancels every live handle and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	m.cancel()
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	delete(m.active, h.id)
	m.mu.Unlock()
}

func (m *Manager) transition(h *Handle, state State) {
	m.metrics.RecordTransition(context.Background(), h.query.Collection(), state.String())
}

func (m *Manager) closedError(cs query.ConstraintSet) error {
	return errs.New(storeLabel, errs.CodeUnavailable,
		errs.WithMessage("push channel closed"),
		errs.WithCollection(cs.Collection()))
}
