package storage

import (
	"context"
	"testing"
	"time"

	"aegis/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert(id string, priority core.Priority, ts time.Time) *core.Alert {
	return &core.Alert{
		AlertID:   id,
		Priority:  priority,
		Timestamp: ts,
		Payload: core.Payload{
			Kind:    core.PayloadKindSystem,
			Title:   "disk pressure",
			Message: "volume /data above 90%",
			Source:  "node-7",
		},
		Persisted: true,
	}
}

func TestMemoryStore_AlertRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	alert := testAlert("a1", core.PriorityHigh, now)
	require.NoError(t, store.SaveAlert(ctx, alert))

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, alert.AlertID, got.AlertID)
	assert.Equal(t, alert.Priority, got.Priority)
	assert.Equal(t, alert.Payload, got.Payload)

	// Mutating the returned copy must not affect the stored alert
	got.Payload.Title = "mutated"
	again, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "disk pressure", again.Payload.Title)
}

func TestMemoryStore_GetAlert_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetAlert(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestMemoryStore_ListAlerts_Ordering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.SaveAlert(ctx, testAlert("newer", core.PriorityLow, base.Add(time.Minute))))
	require.NoError(t, store.SaveAlert(ctx, testAlert("older", core.PriorityLow, base)))

	alerts, err := store.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "older", alerts[0].AlertID)
	assert.Equal(t, "newer", alerts[1].AlertID)
}

func TestMemoryStore_RemoveAlert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveAlert(ctx, testAlert("a1", core.PriorityInfo, time.Now())))
	require.NoError(t, store.RemoveAlert(ctx, "a1"))

	_, err := store.GetAlert(ctx, "a1")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	assert.ErrorIs(t, store.RemoveAlert(ctx, "a1"), ErrAlertNotFound)
}

func TestMemoryStore_UpdateRetention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveAlert(ctx, testAlert("a1", core.PriorityCritical, now)))

	md := &core.RetentionMetadata{
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		Status:    core.RetentionActive,
	}
	require.NoError(t, store.UpdateRetention(ctx, "a1", md))

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got.Retention)
	assert.Equal(t, core.RetentionActive, got.Retention.Status)

	assert.ErrorIs(t, store.UpdateRetention(ctx, "missing", md), ErrAlertNotFound)
}

func TestMemoryStore_AuditFilterAndPrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []core.RetentionAuditEntry{
		{EntryID: "e1", AlertID: "a1", Action: core.AuditActionCreate, Timestamp: base},
		{EntryID: "e2", AlertID: "a2", Action: core.AuditActionCreate, Timestamp: base.Add(time.Hour)},
		{EntryID: "e3", AlertID: "a1", Action: core.AuditActionDelete, Timestamp: base.Add(2 * time.Hour)},
	}
	for i := range entries {
		require.NoError(t, store.AppendAudit(ctx, &entries[i]))
	}

	all, err := store.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	forA1, err := store.ListAudit(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, forA1, 2)
	assert.Equal(t, "e1", forA1[0].EntryID)
	assert.Equal(t, "e3", forA1[1].EntryID)

	pruned, err := store.PruneAudit(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	remaining, err := store.ListAudit(ctx, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e3", remaining[0].EntryID)
}
