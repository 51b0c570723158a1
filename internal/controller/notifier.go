package controller

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/cooldownstore"
	"github.com/coachpo/livequery/internal/infra/telemetry"
)

// DefaultCooldown suppresses repeated notifications with the same signature.
const DefaultCooldown = 30 * time.Second

// Notification is one externally visible error report.
type Notification struct {
	ID         string
	ConsumerID string
	Collection string
	Signature  string
	Message    string
	Class      errs.Class
	At         time.Time
}

// Sink receives notifications that survived throttling.
type Sink interface {
	Notify(Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

// Notify implements Sink.
func (f SinkFunc) Notify(n Notification) { f(n) }

// LogSink writes notifications to a logger.
func LogSink(logger *log.Logger) Sink {
	if logger == nil {
		logger = log.Default()
	}
	return SinkFunc(func(n Notification) {
		logger.Printf("notification: consumer=%s collection=%s class=%s signature=%q: %s",
			n.ConsumerID, n.Collection, n.Class, n.Signature, n.Message)
	})
}

// Notifier throttles error notifications per consumer and collection using persisted
// cooldown records. Permanent failures are never throttled.
type Notifier struct {
	store    cooldownstore.Store
	sink     Sink
	cooldown time.Duration
	clock    func() time.Time
	metrics  *telemetry.Metrics
	logger   *log.Logger

	// Report and Reset read-modify-write one record per key; keys serialize them.
	keys keyedMutex
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithCooldown overrides the default 30s window.
func WithCooldown(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.cooldown = d
		}
	}
}

// WithSink routes emitted notifications.
func WithSink(sink Sink) NotifierOption {
	return func(n *Notifier) {
		if sink != nil {
			n.sink = sink
		}
	}
}

// WithNotifierClock overrides the time source.
func WithNotifierClock(clock func() time.Time) NotifierOption {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithNotifierMetrics records emitted and suppressed notifications.
func WithNotifierMetrics(metrics *telemetry.Metrics) NotifierOption {
	return func(n *Notifier) {
		n.metrics = metrics
	}
}

// WithNotifierLogger sets the logger used for store failures and the default sink.
func WithNotifierLogger(logger *log.Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs a Notifier over store, which holds the cooldown records.
func NewNotifier(store cooldownstore.Store, opts ...NotifierOption) (*Notifier, error) {
	if store == nil {
		return nil, errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("cooldown store required"))
	}
	n := &Notifier{
		store:    store,
		cooldown: DefaultCooldown,
		clock:    time.Now,
		logger:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.sink == nil {
		n.sink = LogSink(n.logger)
	}
	return n, nil
}

// Report emits err unless the same signature was emitted for this consumer and
// collection within the cooldown. It reports whether a notification was emitted.
// Cooldown store failures are logged and never block the notification.
func (n *Notifier) Report(ctx context.Context, consumer, collection string, err error) bool {
	if err == nil {
		return false
	}
	envelope := errs.From("", err)
	class := envelope.Class()
	signature := envelope.Signature()
	key := cooldownstore.Key(consumer, collection)
	unlock := n.keys.lock(key)
	now := n.clock()

	if class != errs.ClassPermanent {
		record, ok, loadErr := n.store.Load(ctx, key)
		if loadErr != nil {
			n.logger.Printf("notifier: load cooldown key=%s: %v", key, loadErr)
		}
		if ok && record.LastErrorSignature == signature && now.Sub(record.LastErrorAt) < n.cooldown {
			unlock()
			n.metrics.RecordNotification(ctx, collection, class.String(), telemetry.ResultSuppressed)
			return false
		}
	}

	record := cooldownstore.Record{LastErrorSignature: signature, LastErrorAt: now}
	if saveErr := n.store.Save(ctx, key, record); saveErr != nil {
		n.logger.Printf("notifier: save cooldown key=%s: %v", key, saveErr)
	}
	unlock()
	n.metrics.RecordNotification(ctx, collection, class.String(), telemetry.ResultEmitted)
	n.sink.Notify(Notification{
		ID:         uuid.NewString(),
		ConsumerID: consumer,
		Collection: collection,
		Signature:  signature,
		Message:    envelope.Summary(),
		Class:      class,
		At:         now,
	})
	return true
}

// Reset clears the cooldown record after a successful load.
func (n *Notifier) Reset(ctx context.Context, consumer, collection string) {
	key := cooldownstore.Key(consumer, collection)
	unlock := n.keys.lock(key)
	defer unlock()
	if err := n.store.Delete(ctx, key); err != nil {
		n.logger.Printf("notifier: reset cooldown key=%s: %v", key, err)
	}
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
