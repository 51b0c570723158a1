// Package remotefake provides a scriptable remote document store for tests.
package remotefake

import (
	"context"
	"sync"

	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
)

const connBuffer = 16

// Store implements remote.Store with results and failures queued by the test.
type Store struct {
	mu            sync.Mutex
	records       []schema.Record
	queryErrs     []error
	queries       []query.ConstraintSet
	subscribeErrs []error
	subscribes    int
	conns         chan *Conn
	block         chan struct{}
}

// New creates an empty fake store.
func New() *Store {
	return &Store{conns: make(chan *Conn, 64)}
}

// SetRecords sets the result returned by every successful QueryOnce.
func (s *Store) SetRecords(records []schema.Record) {
	s.mu.Lock()
	s.records = schema.CloneRecords(records)
	s.mu.Unlock()
}

// QueueQueryError makes the next QueryOnce call fail with err.
func (s *Store) QueueQueryError(errs ...error) {
	s.mu.Lock()
	s.queryErrs = append(s.queryErrs, errs...)
	s.mu.Unlock()
}

// QueueSubscribeError makes the next Subscribe call fail immediately with err.
func (s *Store) QueueSubscribeError(errs ...error) {
	s.mu.Lock()
	s.subscribeErrs = append(s.subscribeErrs, errs...)
	s.mu.Unlock()
}

// BlockQueries makes QueryOnce wait until the returned release func is called.
func (s *Store) BlockQueries() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// QueryCount returns how many QueryOnce calls were made.
func (s *Store) QueryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// Queries returns the constraint sets passed to QueryOnce.
func (s *Store) Queries() []query.ConstraintSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]query.ConstraintSet, len(s.queries))
	copy(out, s.queries)
	return out
}

// SubscribeCount returns how many Subscribe calls were made.
func (s *Store) SubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

// Connections yields every push channel opened successfully, in order.
func (s *Store) Connections() <-chan *Conn {
	return s.conns
}

// QueryOnce returns the queued error, if any, or the configured records.
func (s *Store) QueryOnce(ctx context.Context, cs query.ConstraintSet) ([]schema.Record, error) {
	s.mu.Lock()
	s.queries = append(s.queries, cs)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queryErrs) > 0 {
		err := s.queryErrs[0]
		s.queryErrs = s.queryErrs[1:]
		return nil, err
	}
	return schema.CloneRecords(s.records), nil
}

// Subscribe opens a Conn the test drives through Push and Fail.
func (s *Store) Subscribe(ctx context.Context, cs query.ConstraintSet) (<-chan []schema.Record, <-chan error, error) {
	s.mu.Lock()
	s.subscribes++
	if len(s.subscribeErrs) > 0 {
		err := s.subscribeErrs[0]
		s.subscribeErrs = s.subscribeErrs[1:]
		s.mu.Unlock()
		return nil, nil, err
	}
	s.mu.Unlock()

	conn := &Conn{
		Query:   cs,
		batches: make(chan []schema.Record, connBuffer),
		errs:    make(chan error, connBuffer),
		done:    make(chan struct{}),
	}
	go func() {
		<-ctx.Done()
		conn.shutdown()
	}()
	s.conns <- conn
	return conn.batches, conn.errs, nil
}

// Conn is one open push channel.
type Conn struct {
	Query query.ConstraintSet

	mu      sync.Mutex
	closed  bool
	batches chan []schema.Record
	errs    chan error
	done    chan struct{}
}

// Push delivers a batch. It reports false once the channel was torn down.
func (c *Conn) Push(records []schema.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.batches <- schema.CloneRecords(records)
	return true
}

// Fail delivers an error on the channel.
func (c *Conn) Fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.errs <- err
	return true
}

// End closes the channel from the store side without an error.
func (c *Conn) End() {
	c.shutdown()
}

// Done is closed once the channel ended from either side.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.batches)
	close(c.errs)
	close(c.done)
}
