package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"aegis/core"
)

// MemoryStore is an in-process alert and audit store. It backs the default
// configuration and tests; deployments that need durability use SQLite or
// MongoDB instead.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*core.Alert
	audit  []core.RetentionAuditEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*core.Alert),
	}
}

// SaveAlert inserts or replaces an alert by ID
func (m *MemoryStore) SaveAlert(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *alert
	m.alerts[alert.AlertID] = &cp
	return nil
}

// GetAlert returns the alert with the given ID, or ErrAlertNotFound
func (m *MemoryStore) GetAlert(_ context.Context, alertID string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *alert
	return &cp, nil
}

// ListAlerts returns all stored alerts ordered by timestamp ascending
func (m *MemoryStore) ListAlerts(_ context.Context) ([]*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]*core.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		cp := *alert
		alerts = append(alerts, &cp)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts, nil
}

// RemoveAlert deletes an alert by ID
func (m *MemoryStore) RemoveAlert(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[alertID]; !ok {
		return ErrAlertNotFound
	}
	delete(m.alerts, alertID)
	return nil
}

// UpdateRetention replaces the retention metadata of a stored alert
func (m *MemoryStore) UpdateRetention(_ context.Context, alertID string, md *core.RetentionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return ErrAlertNotFound
	}
	alert.Retention = md
	return nil
}

// AppendAudit appends an audit entry. Entries are immutable once stored.
func (m *MemoryStore) AppendAudit(_ context.Context, entry *core.RetentionAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, *entry)
	return nil
}

// ListAudit returns audit entries in insertion order. An empty alertID
// returns the full trail.
func (m *MemoryStore) ListAudit(_ context.Context, alertID string) ([]core.RetentionAuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]core.RetentionAuditEntry, 0, len(m.audit))
	for _, entry := range m.audit {
		if alertID != "" && entry.AlertID != alertID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PruneAudit removes audit entries older than the cutoff and returns the count
func (m *MemoryStore) PruneAudit(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	pruned := 0
	for _, entry := range m.audit {
		if entry.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	m.audit = kept
	return pruned, nil
}
