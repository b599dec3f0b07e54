package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // Normal operation
	StateOpen     CircuitState = "open"      // Failures exceeded threshold
	StateHalfOpen CircuitState = "half_open" // Testing if recovered
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open for analysis backend")

// CircuitBreaker stops calls to a failing backend for a cool-down period.
// Consecutive failures at or above the threshold open the circuit; after
// the open timeout one probe is let through (half-open).
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	openTimeout time.Duration
	now         func() time.Time

	status       CircuitStatus
	probe        bool // a half-open probe is in flight
	probeStarted time.Time
}

// CircuitStatus represents the current status of a circuit
type CircuitStatus struct {
	State         CircuitState
	FailureCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
}

// NewCircuitBreaker creates a circuit breaker. A threshold <= 0 returns nil,
// which allows every call.
func NewCircuitBreaker(threshold int, openTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		return nil
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:   threshold,
		openTimeout: openTimeout,
		now:         time.Now,
		status:      CircuitStatus{State: StateClosed},
	}
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.status.State {
	case StateOpen:
		// Check if timeout has elapsed
		if cb.now().Sub(cb.status.OpenedAt) < cb.openTimeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.startProbe()
		return nil

	case StateHalfOpen:
		// Allow one test request; a probe that never reported back expires
		if cb.probe && cb.now().Sub(cb.probeStarted) < cb.openTimeout {
			return ErrCircuitOpen
		}
		cb.startProbe()
		return nil

	default:
		return nil
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probe = false
	cb.status.FailureCount = 0
	if cb.status.State != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probe = false
	cb.status.FailureCount++
	cb.status.LastFailureAt = cb.now()

	// A failed probe reopens immediately
	if cb.status.State == StateHalfOpen || cb.status.FailureCount >= cb.threshold {
		cb.status.OpenedAt = cb.now()
		if cb.status.State != StateOpen {
			cb.transition(StateOpen)
		}
	}
}

// Status returns a snapshot of the circuit
func (cb *CircuitBreaker) Status() CircuitStatus {
	if cb == nil {
		return CircuitStatus{State: StateClosed}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status
}

func (cb *CircuitBreaker) startProbe() {
	cb.probe = true
	cb.probeStarted = cb.now()
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	slog.Info("Circuit breaker state change",
		"from", cb.status.State,
		"to", to,
		"failures", cb.status.FailureCount,
	)
	cb.status.State = to
}
