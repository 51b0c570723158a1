package subscription

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultBaseDelay is the wait before the first reconnect attempt.
	DefaultBaseDelay = 3 * time.Second
	// DefaultMaxDelay caps any single reconnect wait.
	DefaultMaxDelay = 5 * time.Minute
	// DefaultMaxRetries bounds consecutive transient failures before a handle fails.
	DefaultMaxRetries = 3
)

// Policy describes the capped exponential reconnect schedule.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy returns the 3s/6s/12s schedule with three retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxRetries: DefaultMaxRetries,
	}
}

// Normalize fills unset fields with defaults. A negative MaxRetries becomes zero.
func (p Policy) Normalize() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// NewBackOff returns a jitter-free exponential backoff following the policy.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.Normalize()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.Reset()
	return b
}

// Delay returns the wait before reconnect number attempt+1, i.e. BaseDelay * 2^attempt
// capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := p.NewBackOff()
	next := b.NextBackOff()
	for i := 0; i < attempt && next < b.MaxInterval; i++ {
		next = b.NextBackOff()
	}
	return next
}

// Exhausted reports whether attempt consecutive failures exceed the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.Normalize().MaxRetries
}
