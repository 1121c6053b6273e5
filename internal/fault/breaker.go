// Package fault provides the resilience primitives used around the backing
// stores: a circuit breaker and retry with jitter.
package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
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
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned when the breaker rejects a call outright.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter)
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	OpenTimeout      time.Duration // how long to stay open before probing
}

// Validate checks the configuration.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if c.SuccessThreshold <= 0 {
		return errors.New("success threshold must be positive")
	}
	if c.OpenTimeout <= 0 {
		return errors.New("open timeout must be positive")
	}
	return nil
}

// DefaultBreakerConfig returns the breaker settings used for store clients.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern with
// Closed/Open/HalfOpen states.
type CircuitBreaker struct {
	config      BreakerConfig
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	onChange    func(from, to State)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config BreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{config: config, state: StateClosed}, nil
}

// OnStateChange registers a callback invoked on every transition.
// Must be set before the breaker is shared between goroutines.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.onChange = fn
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.canExecute(); err != nil {
		return err
	}
	err := op(ctx)
	cb.recordResult(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.OpenTimeout {
			cb.transitionTo(StateHalfOpen)
			return nil
		}
		return &CircuitOpenError{
			Name:       cb.config.Name,
			RetryAfter: cb.config.OpenTimeout - time.Since(cb.lastFailure),
		}
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		cb.successes = 0
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionTo(StateOpen)
			}
		case StateHalfOpen:
			cb.transitionTo(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	old := cb.state
	cb.state = newState
	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	}
	if old != newState && cb.onChange != nil {
		cb.onChange(old, newState)
	}
}
