// Package memstore implements an in-process document store with push subscriptions.
package memstore

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/iter"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

const (
	storeLabel = "memstore"
	// DefaultSubscriberBuffer is the number of undelivered batches kept per subscriber.
	DefaultSubscriberBuffer = 8
)

// Store keeps documents grouped by collection. Every write re-evaluates the
// subscriptions on the written collection and pushes their full result set, stamped
// with the collection's write version so a slower evaluation never overtakes a newer one.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]schema.Record
	versions    map[string]uint64
	subscribers map[uint64]*subscriber
	nextID      uint64
	buffer      int
	logger      *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSubscriberBuffer sizes each subscriber's batch channel.
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]schema.Record),
		versions:    make(map[string]uint64),
		subscribers: make(map[uint64]*subscriber),
		buffer:      DefaultSubscriberBuffer,
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Put creates or replaces a document. An empty id is assigned a ULID.
func (s *Store) Put(ctx context.Context, collection, id string, fields map[string]any) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return schema.Record{}, err
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return schema.Record{}, errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage("collection required"))
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = ulid.Make().String()
	}
	record := schema.Record{ID: id, Fields: fields}.Clone()

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]schema.Record)
		s.collections[collection] = docs
	}
	docs[id] = record
	s.versions[collection]++
	s.mu.Unlock()

	s.publish(collection)
	return record.Clone(), nil
}

// Delete removes a document. Deleting a missing document reports not_found.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	docs := s.collections[collection]
	if _, ok := docs[id]; !ok {
		s.mu.Unlock()
		return errs.New(storeLabel, errs.CodeNotFound,
			errs.WithMessage("document "+id+" not found"), errs.WithCollection(collection))
	}
	delete(docs, id)
	s.versions[collection]++
	s.mu.Unlock()

	s.publish(collection)
	return nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, collection, id string) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return schema.Record{}, err
	}
	s.mu.RLock()
	record, ok := s.collections[collection][id]
	s.mu.RUnlock()
	if !ok {
		return schema.Record{}, errs.New(storeLabel, errs.CodeNotFound,
			errs.WithMessage("document "+id+" not found"), errs.WithCollection(collection))
	}
	return record.Clone(), nil
}

// Collections lists the names of non-empty collections.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name, docs := range s.collections {
		if len(docs) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// QueryOnce evaluates cs against the current documents. An unknown collection is an
// empty result.
func (s *Store) QueryOnce(ctx context.Context, cs query.ConstraintSet) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, _ := s.evaluate(cs)
	return records, nil
}

// Subscribe registers a push subscription. The current result set is delivered first.
// Cancelling ctx unregisters the subscriber and closes both channels.
func (s *Store) Subscribe(ctx context.Context, cs query.ConstraintSet) (<-chan []schema.Record, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscriber{
		query:   cs,
		batches: make(chan []schema.Record, s.buffer),
		errs:    make(chan error, 1),
	}

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	sub.push(s.evaluate(cs))
	s.logger.Printf("memstore: subscriber added id=%d query=%s", sub.id, cs)

	go func() {
		<-ctx.Done()
		s.remove(sub.id)
		sub.close()
	}()
	return sub.batches, sub.errs, nil
}

// Interrupt fails every subscription on collection with err, as an outage would.
// It returns the number of subscribers affected.
func (s *Store) Interrupt(collection string, err error) int {
	targets := s.subscribersOf(collection)
	for _, sub := range targets {
		s.remove(sub.id)
		sub.fail(err)
	}
	return len(targets)
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// evaluate returns the result of cs and the collection version it reflects.
func (s *Store) evaluate(cs query.ConstraintSet) ([]schema.Record, uint64) {
	s.mu.RLock()
	docs := s.collections[cs.Collection()]
	records := make([]schema.Record, 0, len(docs))
	for _, record := range docs {
		records = append(records, record)
	}
	result := Apply(cs, records)
	version := s.versions[cs.Collection()]
	s.mu.RUnlock()
	return result, version
}

func (s *Store) publish(collection string) {
	targets := s.subscribersOf(collection)
	if len(targets) == 0 {
		return
	}
	iter.ForEach(targets, func(sub **subscriber) {
		(*sub).push(s.evaluate((*sub).query))
	})
}

func (s *Store) subscribersOf(collection string) []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*subscriber, 0)
	for _, sub := range s.subscribers {
		if sub.query.Collection() == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) remove(id uint64) {
	s.mu.Lock()
	delete(s.subscribers, id)
	s.mu.Unlock()
}

type subscriber struct {
	id      uint64
	query   query.ConstraintSet
	batches chan []schema.Record
	errs    chan error

	mu      sync.Mutex
	version uint64
	failed  bool
	closed  bool
}

// push delivers records evaluated at version, replacing the oldest undelivered batch when
// the buffer is full. Every batch is a full result set, so only the newest one matters:
// a batch older than one already pushed is dropped.
func (s *subscriber) push(records []schema.Record, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed || version < s.version {
		return
	}
	s.version = version
	for {
		select {
		case s.batches <- records:
			return
		default:
		}
		select {
		case <-s.batches:
		default:
		}
	}
}

// fail sends a terminal error. The channels stay open until the subscriber's context ends.
func (s *subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed {
		return
	}
	s.failed = true
	s.errs <- err
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.batches)
	close(s.errs)
}
