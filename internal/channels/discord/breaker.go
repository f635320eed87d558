package discord

import (
	"sync"
	"time"
)

const (
	breakerFailureThreshold = 3
	breakerRecoveryTimeout  = 300 * time.Second
)

// BreakerState is a read-only snapshot of a circuit breaker.
type BreakerState struct {
	FailureCount        int        `json:"failure_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	IsOpen              bool       `json:"is_open"`
	NextRetryTime       *time.Time `json:"next_retry_time,omitempty"`
	LastFailureTime     *time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker gates connection attempts for one bot instance. It opens
// after breakerFailureThreshold consecutive failures, half-opens when the
// recovery timeout elapses, and closes on the first success. A permanent
// failure (invalid token) opens it indefinitely. Owned by one instance's
// reconnection loop; safe for concurrent snapshots.
type CircuitBreaker struct {
	mu                  sync.Mutex
	failureCount        int
	consecutiveFailures int
	open                bool
	indefinite          bool
	nextRetry           time.Time
	lastFailure         time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{}
}

// RecordFailure counts one transient failure, opening the breaker when the
// threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.consecutiveFailures++
	b.lastFailure = time.Now()
	if b.consecutiveFailures >= breakerFailureThreshold {
		b.open = true
		b.nextRetry = time.Now().Add(breakerRecoveryTimeout)
	}
}

// RecordSuccess closes the breaker and resets the consecutive counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.open = false
	b.indefinite = false
	b.nextRetry = time.Time{}
}

// OpenIndefinitely opens the breaker with no scheduled retry. Used for
// permanent credential failures and exhausted retry sessions; only an
// explicit restart clears it.
func (b *CircuitBreaker) OpenIndefinitely() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.consecutiveFailures++
	b.lastFailure = time.Now()
	b.open = true
	b.indefinite = true
	b.nextRetry = time.Time{}
}

// CanAttempt reports whether a connection attempt is currently permitted.
// An open breaker permits one half-open attempt once the recovery timeout
// has elapsed.
func (b *CircuitBreaker) CanAttempt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.indefinite {
		return false
	}
	return now.After(b.nextRetry)
}

// IndefinitelyOpen reports whether the breaker is open with no retry scheduled.
func (b *CircuitBreaker) IndefinitelyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.indefinite
}

// Snapshot returns the current breaker state for health reporting.
func (b *CircuitBreaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerState{
		FailureCount:        b.failureCount,
		ConsecutiveFailures: b.consecutiveFailures,
		IsOpen:              b.open,
	}
	if !b.nextRetry.IsZero() {
		t := b.nextRetry
		st.NextRetryTime = &t
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		st.LastFailureTime = &t
	}
	return st
}
