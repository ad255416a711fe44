package notify

import (
	"context"
	"sync"

	"aegis/retention"
)

// MockNotifier records delivered events for testing
type MockNotifier struct {
	mu     sync.Mutex
	events []retention.NotificationEvent
	Err    error
}

// NewMockNotifier creates an empty mock notifier
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) Notify(_ context.Context, event retention.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (m *MockNotifier) Events() []retention.NotificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]retention.NotificationEvent, len(m.events))
	copy(out, m.events)
	return out
}

var _ retention.Notifier = (*MockNotifier)(nil)
