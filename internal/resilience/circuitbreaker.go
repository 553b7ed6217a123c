// Package resilience provides the failover primitives the provider chains
// are built from: a three-state circuit breaker and a generic fallback group
// that tries providers in priority order, skipping ones whose breaker is
// open.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through to decide
	// whether the backend has recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages, usually the provider name.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget in the half-open state and the
	// number of successful probes needed to close. Default 3.
	HalfOpenMax int
}

// CircuitBreaker trips after MaxFailures consecutive failures, rejects calls
// for ResetTimeout, then probes the backend with up to HalfOpenMax calls.
// One failed probe re-opens it; HalfOpenMax successful probes close it.
type CircuitBreaker struct {
	name        string
	maxFailures int
	resetAfter  time.Duration
	probeBudget int
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker builds a closed breaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		resetAfter:  cfg.ResetTimeout,
		probeBudget: cfg.HalfOpenMax,
		now:         time.Now,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetAfter <= 0 {
		cb.resetAfter = 30 * time.Second
	}
	if cb.probeBudget <= 0 {
		cb.probeBudget = 3
	}
	return cb
}

// Execute runs fn unless the breaker rejects the call, and feeds the outcome
// back into the breaker state. The error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetAfter {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("breaker probing backend", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && probe:
		// One failed probe is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.failures = cb.maxFailures
		slog.Warn("breaker re-opened", "name", cb.name)

	case err != nil:
		cb.failures++
		cb.openedAt = cb.now()
		if cb.failures >= cb.maxFailures && cb.state == StateClosed {
			cb.state = StateOpen
			slog.Warn("breaker opened", "name", cb.name, "failures", cb.failures)
		}

	case probe:
		cb.probeOK++
		if cb.probeOK >= cb.probeBudget {
			cb.reset()
			slog.Info("breaker closed", "name", cb.name)
		}

	default:
		cb.failures = 0
	}
}

// State reports the current mode. An open breaker whose reset timeout has
// elapsed reports half-open; the actual transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetAfter {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

// reset clears all counters. Caller holds cb.mu.
func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
}
