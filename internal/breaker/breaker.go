// Package breaker provides the shared retry driver and circuit breaker that
// guard enrichd's two unreliable external dependencies: the transformer
// subprocess and the embedding service.
//
// Breaker state is process-local and never persisted. Each server instance
// protects itself independently; a restart resets all breakers.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrOpen is returned by Allow while the breaker is open and the cooldown
// has not elapsed. It is never retryable.
var ErrOpen = errors.New("circuit open")

// Breaker is an explicit, injectable circuit breaker. One instance guards
// one external dependency. Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	nextAttemptAt       time.Time

	now           func() time.Time
	onStateChange func(name, state string)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked (outside the breaker lock is
// not guaranteed; keep it cheap) whenever the breaker changes state.
func WithStateChange(fn func(name, state string)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker that opens after threshold consecutive
// failures and probes again after cooldown.
func New(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. While open it returns ErrOpen
// until the cooldown elapses, at which point the breaker moves to half-open
// and admits a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttemptAt) {
			return fmt.Errorf("%w: %s unavailable until %s", ErrOpen, b.name, b.nextAttemptAt.Format(time.RFC3339))
		}
		b.setState(StateHalfOpen)
	}
	return nil
}

// RecordSuccess resets the failure count. In half-open state the first
// success closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure increments the failure count. At threshold the breaker
// opens; any failure in half-open state reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == StateHalfOpen || b.consecutiveFailures >= b.threshold {
		b.nextAttemptAt = b.now().Add(b.cooldown)
		b.setState(StateOpen)
	}
}

// State returns the current state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Healthy reports whether the guarded dependency is currently considered
// available (breaker closed).
func (b *Breaker) Healthy() bool {
	return b.State() == StateClosed
}

// setState must be called with b.mu held.
func (b *Breaker) setState(state string) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(b.name, state)
	}
}
