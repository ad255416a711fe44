package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitClosed means requests pass through normally
	CircuitClosed CircuitBreakerState = "closed"
	// CircuitOpen means requests fail immediately
	CircuitOpen CircuitBreakerState = "open"
	// CircuitHalfOpen means the breaker is testing whether the sink recovered
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when too many requests are in flight half-open
	ErrTooManyProbes = errors.New("too many half-open probes")
	// ErrInvalidBreakerConfig is returned when breaker config is invalid
	ErrInvalidBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before probing again
	Cooldown time.Duration
	// MaxProbes is the max concurrent requests allowed half-open
	MaxProbes uint32
}

// Validate checks the configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	if c.MaxProbes == 0 {
		return errors.New("MaxProbes must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig returns sensible defaults for notification sinks
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 3,
		Cooldown:    60 * time.Second,
		MaxProbes:   1,
	}
}

// CircuitBreaker implements the circuit breaker pattern around an unreliable
// downstream such as a webhook endpoint.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	clock        Clock
	state        CircuitBreakerState
	failures     uint32
	lastFailTime time.Time
	probes       uint32
	mu           sync.RWMutex
}

// NewCircuitBreaker creates a circuit breaker. A nil clock defaults to the
// system clock.
func NewCircuitBreaker(config CircuitBreakerConfig, clock Clock) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBreakerConfig, err)
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &CircuitBreaker{
		config: config,
		clock:  clock,
		state:  CircuitClosed,
	}, nil
}

// MustNewCircuitBreaker creates a circuit breaker or panics on invalid config.
// Use for hardcoded configurations validated at startup.
func MustNewCircuitBreaker(config CircuitBreakerConfig, clock Clock) *CircuitBreaker {
	cb, err := NewCircuitBreaker(config, clock)
	if err != nil {
		panic(err)
	}
	return cb
}

// Allow checks if a request is allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastFailTime) > cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 0
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrTooManyProbes
		}
		cb.probes++
		return nil

	default:
		return nil
	}
}

// RecordSuccess records a successful request. Returns the old and new state
// atomically.
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		if cb.probes > 0 {
			cb.probes--
		}
		// Success in half-open state closes the circuit
		cb.state = CircuitClosed
		cb.failures = 0
		cb.probes = 0
	}

	newState = cb.state
	return
}

// RecordFailure records a failed request. Returns the old and new state
// atomically.
func (cb *CircuitBreaker) RecordFailure() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.lastFailTime = cb.clock.Now()
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = CircuitOpen
		}

	case CircuitHalfOpen:
		if cb.probes > 0 {
			cb.probes--
		}
		// Failure in half-open state reopens the circuit
		cb.state = CircuitOpen
		cb.probes = 0
	}

	newState = cb.state
	return
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset returns the breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probes = 0
}
