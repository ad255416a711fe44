package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 3,
		Cooldown:    time.Minute,
		MaxProbes:   1,
	}, clock)
	require.NoError(t, err)
	return cb, clock
}

func TestCircuitBreakerConfigValidation(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{Cooldown: time.Second, MaxProbes: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidBreakerConfig)

	_, err = NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, MaxProbes: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidBreakerConfig)

	_, err = NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Second}, nil)
	assert.ErrorIs(t, err, ErrInvalidBreakerConfig)

	assert.Panics(t, func() {
		MustNewCircuitBreaker(CircuitBreakerConfig{}, nil)
	})
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(t)

	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	old, next := cb.RecordFailure()
	assert.Equal(t, CircuitClosed, old)
	assert.Equal(t, CircuitOpen, next)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(t)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, uint32(0), cb.Failures())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State(), "failure streak was broken")
}

func TestCircuitBreakerHalfOpenProbes(t *testing.T) {
	cb, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	// Still cooling down at exactly the cooldown boundary.
	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.NoError(t, cb.Allow(), "cooldown elapsed, breaker half-opens")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.NoError(t, cb.Allow(), "one probe admitted")
	assert.ErrorIs(t, cb.Allow(), ErrTooManyProbes)

	old, next := cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, old)
	assert.Equal(t, CircuitClosed, next)
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	old, next := cb.RecordFailure()
	assert.Equal(t, CircuitHalfOpen, old)
	assert.Equal(t, CircuitOpen, next)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Failures())
	assert.NoError(t, cb.Allow())
}
