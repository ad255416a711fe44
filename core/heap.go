package core

import (
	"sort"
	"time"
)

// PriorityHeap is a binary min-heap of alerts ordered by
// (priority weight, timestamp) lexicographic ascending, so equal-priority
// alerts dequeue FIFO. It has no concept of visibility delay or grouping;
// callers own both concerns.
//
// The heap is not safe for concurrent use; the owning QueueManager
// serializes access.
type PriorityHeap struct {
	items []*Alert
}

// NewPriorityHeap creates an empty heap.
func NewPriorityHeap() *PriorityHeap {
	return &PriorityHeap{items: make([]*Alert, 0, 16)}
}

// Len returns the number of queued alerts.
func (h *PriorityHeap) Len() int {
	return len(h.items)
}

// less reports whether items[i] orders before items[j].
func (h *PriorityHeap) less(i, j int) bool {
	wi, wj := h.items[i].Priority.Weight(), h.items[j].Priority.Weight()
	if wi != wj {
		return wi < wj
	}
	return h.items[i].Timestamp.Before(h.items[j].Timestamp)
}

func (h *PriorityHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

// Enqueue inserts an alert. O(log n).
func (h *PriorityHeap) Enqueue(alert *Alert) {
	h.items = append(h.items, alert)
	h.siftUp(len(h.items) - 1)
}

// Peek returns the minimum-key alert without removing it, or nil when empty.
func (h *PriorityHeap) Peek() *Alert {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// Dequeue removes and returns the minimum-key alert, or nil when empty.
// O(log n).
func (h *PriorityHeap) Dequeue() *Alert {
	if len(h.items) == 0 {
		return nil
	}
	min := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items[last] = nil
	h.items = h.items[:last]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return min
}

// Remove deletes the alert with the given id, restoring the heap property
// from the vacated index. Returns false if the id is not present.
// O(n) locate plus O(log n) fix-up.
func (h *PriorityHeap) Remove(id string) bool {
	idx := -1
	for i, item := range h.items {
		if item.AlertID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	last := len(h.items) - 1
	h.swap(idx, last)
	h.items[last] = nil
	h.items = h.items[:last]
	if idx < len(h.items) {
		// The relocated element may violate the property in either direction.
		h.siftDown(idx)
		h.siftUp(idx)
	}
	return true
}

// RemoveExpired filters out every alert whose expiration has passed at now,
// returning the removed alerts, then fully re-heapifies. O(n).
func (h *PriorityHeap) RemoveExpired(now time.Time) []*Alert {
	var expired []*Alert
	kept := h.items[:0]
	for _, item := range h.items {
		if item.Expired(now) {
			expired = append(expired, item)
		} else {
			kept = append(kept, item)
		}
	}
	for i := len(kept); i < len(h.items); i++ {
		h.items[i] = nil
	}
	h.items = kept
	if len(expired) > 0 {
		h.heapify()
	}
	return expired
}

// ToArray returns all alerts sorted by ordering key (not heap order) for
// deterministic enumeration. The returned slice is a copy.
func (h *PriorityHeap) ToArray() []*Alert {
	out := make([]*Alert, len(h.items))
	copy(out, h.items)
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if wi != wj {
			return wi < wj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (h *PriorityHeap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			return
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *PriorityHeap) siftDown(i int) {
	n := len(h.items)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *PriorityHeap) heapify() {
	for i := len(h.items)/2 - 1; i >= 0; i-- {
		h.siftDown(i)
	}
}
