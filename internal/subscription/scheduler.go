package subscription

import (
	"sync"
	"time"
)

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay. The manager owns exactly one.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealScheduler schedules on the runtime timer heap.
type RealScheduler struct{}

// AfterFunc wraps time.AfterFunc.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ManualScheduler records scheduled callbacks and runs them only when told to.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
	delays  []time.Duration
}

type manualTimer struct {
	owner *ManualScheduler
	delay time.Duration
	fn    func()
	done  bool
}

// NewManualScheduler creates an empty scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc queues fn; it runs on the goroutine that calls FireNext.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := &manualTimer{owner: s, delay: d, fn: fn}
	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return t
}

// Stop removes the timer from the queue.
func (t *manualTimer) Stop() bool {
	s := t.owner
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, p := range s.pending {
		if p == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return true
}

// FireNext runs the oldest pending callback synchronously and returns its delay.
func (s *ManualScheduler) FireNext() (time.Duration, bool) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return 0, false
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	t.done = true
	s.mu.Unlock()

	t.fn()
	return t.delay, true
}

// Pending returns the number of callbacks waiting to fire.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Delays returns every delay ever requested, in order, including stopped ones.
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}
