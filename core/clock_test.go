package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
}

func TestFakeClockAfter(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	ch := clock.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired halfway")
	default:
	}

	clock.Advance(30 * time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, clock.Now(), at)
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	select {
	case <-clock.After(0):
	default:
		t.Fatal("non-positive timer must fire immediately")
	}
}
