package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var heapTestBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func heapAlert(id string, priority Priority, offset time.Duration) *Alert {
	return &Alert{
		AlertID:   id,
		Priority:  priority,
		Timestamp: heapTestBase.Add(offset),
		Payload:   Payload{Kind: PayloadKindSystem, Title: id},
	}
}

func TestHeapDequeueOrder(t *testing.T) {
	h := NewPriorityHeap()
	h.Enqueue(heapAlert("medium", PriorityMedium, 0))
	h.Enqueue(heapAlert("info", PriorityInfo, 0))
	h.Enqueue(heapAlert("critical", PriorityCritical, 0))

	assert.Equal(t, "critical", h.Dequeue().AlertID)
	assert.Equal(t, "medium", h.Dequeue().AlertID)
	assert.Equal(t, "info", h.Dequeue().AlertID)
	assert.Nil(t, h.Dequeue())
}

func TestHeapFIFOWithinPriority(t *testing.T) {
	h := NewPriorityHeap()
	h.Enqueue(heapAlert("second", PriorityHigh, 2*time.Second))
	h.Enqueue(heapAlert("first", PriorityHigh, time.Second))
	h.Enqueue(heapAlert("third", PriorityHigh, 3*time.Second))

	assert.Equal(t, "first", h.Dequeue().AlertID)
	assert.Equal(t, "second", h.Dequeue().AlertID)
	assert.Equal(t, "third", h.Dequeue().AlertID)
}

func TestHeapPeek(t *testing.T) {
	h := NewPriorityHeap()
	assert.Nil(t, h.Peek())

	h.Enqueue(heapAlert("low", PriorityLow, 0))
	h.Enqueue(heapAlert("high", PriorityHigh, 0))

	assert.Equal(t, "high", h.Peek().AlertID)
	assert.Equal(t, 2, h.Len(), "peek must not remove")
}

func TestHeapRemove(t *testing.T) {
	h := NewPriorityHeap()
	for i := 0; i < 10; i++ {
		h.Enqueue(heapAlert(fmt.Sprintf("a%d", i), PriorityMedium, time.Duration(i)*time.Second))
	}

	assert.True(t, h.Remove("a4"))
	assert.False(t, h.Remove("a4"))
	assert.False(t, h.Remove("unknown"))
	assert.Equal(t, 9, h.Len())

	// Heap property survives the mid-heap removal.
	prev := h.Dequeue()
	for next := h.Dequeue(); next != nil; next = h.Dequeue() {
		assert.False(t, next.Timestamp.Before(prev.Timestamp))
		prev = next
	}
}

func TestHeapRemoveExpired(t *testing.T) {
	h := NewPriorityHeap()
	keep := heapAlert("keep", PriorityHigh, 0)
	h.Enqueue(keep)

	gone := heapAlert("gone", PriorityCritical, 0)
	expiry := heapTestBase.Add(time.Minute)
	gone.ExpiresAt = &expiry
	h.Enqueue(gone)

	expired := h.RemoveExpired(heapTestBase.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "gone", expired[0].AlertID)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, "keep", h.Peek().AlertID)
}

func TestHeapToArraySorted(t *testing.T) {
	h := NewPriorityHeap()
	h.Enqueue(heapAlert("info", PriorityInfo, 0))
	h.Enqueue(heapAlert("crit-late", PriorityCritical, time.Minute))
	h.Enqueue(heapAlert("crit-early", PriorityCritical, 0))
	h.Enqueue(heapAlert("low", PriorityLow, 0))

	arr := h.ToArray()
	require.Len(t, arr, 4)
	assert.Equal(t, "crit-early", arr[0].AlertID)
	assert.Equal(t, "crit-late", arr[1].AlertID)
	assert.Equal(t, "low", arr[2].AlertID)
	assert.Equal(t, "info", arr[3].AlertID)

	// ToArray returns a copy; mutating it must not disturb the heap.
	arr[0] = nil
	assert.Equal(t, "crit-early", h.Peek().AlertID)
}

func TestHeapLargeInterleaved(t *testing.T) {
	h := NewPriorityHeap()
	priorities := Priorities()
	for i := 0; i < 200; i++ {
		p := priorities[i%len(priorities)]
		h.Enqueue(heapAlert(fmt.Sprintf("a%d", i), p, time.Duration(i)*time.Millisecond))
	}

	prev := h.Dequeue()
	count := 1
	for next := h.Dequeue(); next != nil; next = h.Dequeue() {
		if prev.Priority == next.Priority {
			assert.True(t, prev.Timestamp.Before(next.Timestamp),
				"FIFO violated within %s", prev.Priority)
		} else {
			assert.Less(t, prev.Priority.Weight(), next.Priority.Weight())
		}
		prev = next
		count++
	}
	assert.Equal(t, 200, count)
}
