// Package resilience wraps outbound operations with retry policies and
// per-service circuit breakers, and feeds failure outcomes back into
// account health.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/observability"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker blocks an operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError reports which service's breaker blocked the call.
type CircuitOpenError struct {
	Service string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for service %q", e.Service)
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// BreakerConfig contains configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before
	// probing resumes.
	RecoveryTimeout time.Duration
	// HalfOpenRetryCount is the max probe attempts while half-open.
	HalfOpenRetryCount int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		HalfOpenRetryCount: 3,
	}
}

// CircuitBreaker guards one logical service (not one account).
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	openedAt         time.Time
	halfOpenAttempts int
	config           BreakerConfig
	now              func() time.Time
}

// NewCircuitBreaker creates a breaker for the named service.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRetryCount <= 0 {
		cfg.HalfOpenRetryCount = 3
	}
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// SetClock overrides the breaker's clock. Intended for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Allow reports whether a request may proceed, transitioning an open
// breaker to half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) > cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenAttempts = 1
			return true
		}
		return false

	case StateHalfOpen:
		if cb.halfOpenAttempts < cb.config.HalfOpenRetryCount {
			cb.halfOpenAttempts++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request. A half-open success
// closes the breaker; a closed success decays the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case StateHalfOpen:
		cb.transitionTo(StateClosed)
		cb.failureCount = 0
		cb.halfOpenAttempts = 0
	}
}

// RecordFailure records a failed request, opening the breaker at the
// threshold and reopening immediately on a half-open failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailureTime = now
	cb.failureCount++

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.openedAt = now
		cb.halfOpenAttempts = 0
		cb.transitionTo(StateOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.halfOpenAttempts = 0
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	observability.CircuitState.WithLabelValues(cb.name).Set(float64(newState))
}
