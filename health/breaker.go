// Package health maintains per-provider health scores and gates dispatch
// through a three-state circuit breaker.
package health

import (
	"sync"
	"time"

	"github.com/asyncforge/mediagate/core"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// StateClosed allows all dispatches through
	StateClosed BreakerState = iota
	// StateOpen refuses dispatch until the open timeout elapses
	StateOpen
	// StateHalfOpen allows a single probe to test recovery
	StateHalfOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards dispatch to one provider. It is shared by all
// workers in the process and safe under concurrent mutation.
type CircuitBreaker struct {
	name        string
	threshold   int
	openTimeout time.Duration
	clock       core.Clock
	logger      core.Logger

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	nextRetryTime time.Time
}

// NewCircuitBreaker creates a closed breaker.
// threshold is the consecutive failure count that opens it; openTimeout
// is how long dispatch stays refused once open.
func NewCircuitBreaker(name string, threshold int, openTimeout time.Duration, logger core.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 10 * time.Minute
	}
	return &CircuitBreaker{
		name:        name,
		threshold:   threshold,
		openTimeout: openTimeout,
		clock:       core.RealClock{},
		logger:      logger,
		state:       StateClosed,
	}
}

// SetClock substitutes the time source. Intended for tests.
func (cb *CircuitBreaker) SetClock(clock core.Clock) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
}

// Allow reports whether a dispatch may proceed. It does not change
// state: the transition to half-open is owned by the health probe path
// (AllowProbe), so concurrent dispatches cannot race the single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	return !cb.clock.Now().Before(cb.nextRetryTime)
}

// AllowProbe reports whether a health probe should run, moving an
// expired Open breaker into HalfOpen.
func (cb *CircuitBreaker) AllowProbe() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.clock.Now().Before(cb.nextRetryTime) {
			return false
		}
		cb.transition(StateHalfOpen)
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets counters.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold.
// A half-open failure reopens immediately for another timeout.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	if cb.state == StateHalfOpen {
		cb.open()
		return
	}
	if cb.state == StateClosed && cb.failureCount >= cb.threshold {
		cb.open()
	}
}

// open must be called with the mutex held.
func (cb *CircuitBreaker) open() {
	cb.nextRetryTime = cb.clock.Now().Add(cb.openTimeout)
	cb.transition(StateOpen)
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to

	if cb.logger != nil && from != to {
		cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
			"breaker":       cb.name,
			"from":          from.String(),
			"to":            to.String(),
			"failure_count": cb.failureCount,
		})
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// NextRetryTime returns when an open breaker will admit a probe.
func (cb *CircuitBreaker) NextRetryTime() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.nextRetryTime
}

// Reset manually closes the breaker and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.transition(StateClosed)
}
