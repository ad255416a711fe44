package core

import (
	"context"
	"testing"
	"time"

	"aegis/util/goroutine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var queueTestStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(cfg QueueConfig) (*QueueManager, *FakeClock) {
	clock := NewFakeClock(queueTestStart)
	return NewQueueManager(cfg, clock, nil), clock
}

func queueAlert(id string, priority Priority, kind PayloadKind, offset time.Duration) *Alert {
	return &Alert{
		AlertID:   id,
		Priority:  priority,
		Timestamp: queueTestStart.Add(offset),
		Payload:   Payload{Kind: kind, Title: id},
	}
}

func TestQueueAddAndStatus(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	_, err := qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 0))
	require.NoError(t, err)
	_, err = qm.AddAlert(queueAlert("h1", PriorityHigh, PayloadKindTelemetry, 0))
	require.NoError(t, err)
	_, err = qm.AddAlert(queueAlert("h2", PriorityHigh, PayloadKindTelemetry, 0))
	require.NoError(t, err)

	status := qm.GetStatus()
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.ByPriority[PriorityCritical])
	assert.Equal(t, 2, status.ByPriority[PriorityHigh])
	assert.Equal(t, 0, status.Processed)
}

func TestQueueRejectsInvalidAlerts(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	_, err := qm.AddAlert(nil)
	assert.Error(t, err)

	_, err = qm.AddAlert(&Alert{AlertID: "x", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidPriority)
}

func TestQueueStampsIdentityAndTTL(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.DefaultTTL = map[Priority]time.Duration{PriorityInfo: time.Hour}
	qm, clock := newTestQueue(cfg)

	alert := &Alert{Priority: PriorityInfo, Payload: Payload{Kind: PayloadKindHealth, Title: "hb"}}
	id, err := qm.AddAlert(alert)
	require.NoError(t, err)

	assert.NotEmpty(t, id)
	assert.Equal(t, clock.Now(), alert.Timestamp)
	require.NotNil(t, alert.ExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *alert.ExpiresAt)
}

func TestQueueCriticalVisibleImmediately(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	got := make(chan ProcessedAlert, 4)
	qm.AddProcessor(func(pa ProcessedAlert) { got <- pa })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qm.Start(ctx)
	defer qm.Stop()

	_, err := qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 0))
	require.NoError(t, err)

	select {
	case pa := <-got:
		assert.Equal(t, "c1", pa.AlertID)
		assert.False(t, pa.ProcessedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("critical alert was not delivered")
	}
}

func TestQueueVisibilityDelay(t *testing.T) {
	qm, clock := newTestQueue(DefaultQueueConfig())

	got := make(chan ProcessedAlert, 4)
	qm.AddProcessor(func(pa ProcessedAlert) { got <- pa })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qm.Start(ctx)
	defer qm.Stop()

	_, err := qm.AddAlert(queueAlert("h1", PriorityHigh, PayloadKindTelemetry, 0))
	require.NoError(t, err)

	select {
	case pa := <-got:
		t.Fatalf("alert %s delivered before its visibility delay", pa.AlertID)
	case <-time.After(100 * time.Millisecond):
	}

	// Cross the 5s visibility threshold, then force a scheduling pass.
	clock.Advance(5 * time.Second)
	_, err = qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 5*time.Second))
	require.NoError(t, err)

	delivered := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case pa := <-got:
			delivered[pa.AlertID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 deliveries, got %d", len(delivered))
		}
	}
	assert.True(t, delivered["h1"])
	assert.True(t, delivered["c1"])
}

func TestQueueExpiredAlertsNeverDelivered(t *testing.T) {
	qm, clock := newTestQueue(DefaultQueueConfig())

	got := make(chan ProcessedAlert, 4)
	qm.AddProcessor(func(pa ProcessedAlert) { got <- pa })

	alert := queueAlert("l1", PriorityLow, PayloadKindTelemetry, 0)
	expiry := queueTestStart.Add(time.Minute)
	alert.ExpiresAt = &expiry
	_, err := qm.AddAlert(alert)
	require.NoError(t, err)

	// Past both the expiry and the low-priority visibility delay.
	clock.Advance(10 * time.Minute)
	qm.deliverDue()

	assert.Empty(t, got)
	assert.Equal(t, 0, qm.GetStatus().Total)
}

func TestQueueGroupLeaderHoldsOneSlot(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	a1 := queueAlert("g1", PriorityHigh, PayloadKindTelemetry, 0)
	a1.GroupID = "grp-1"
	a2 := queueAlert("g2", PriorityHigh, PayloadKindTelemetry, time.Second)
	a2.GroupID = "grp-1"

	_, err := qm.AddAlert(a1)
	require.NoError(t, err)
	_, err = qm.AddAlert(a2)
	require.NoError(t, err)

	status := qm.GetStatus()
	assert.Equal(t, 1, status.Total, "same-group arrivals share one heap slot")
	assert.Equal(t, 1, status.Grouped)

	all := qm.GetAllAlerts()
	require.Len(t, all, 1)
	assert.Equal(t, "g1", all[0].AlertID)
	assert.True(t, all[0].IsGrouped)
	assert.Equal(t, 2, all[0].GroupCount)
}

func TestQueueRemoveAlert(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	_, err := qm.AddAlert(queueAlert("a1", PriorityMedium, PayloadKindSystem, 0))
	require.NoError(t, err)

	assert.True(t, qm.RemoveAlert("a1"))
	assert.False(t, qm.RemoveAlert("a1"))
	assert.False(t, qm.RemoveAlert("unknown"))
	assert.Equal(t, 0, qm.GetStatus().Total)
}

func TestQueueClear(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	_, _ = qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 0))
	_, _ = qm.AddAlert(queueAlert("h1", PriorityHigh, PayloadKindSystem, 0))
	_, _ = qm.AddAlert(queueAlert("h2", PriorityHigh, PayloadKindSystem, time.Second))

	p := PriorityHigh
	qm.Clear(&p)
	status := qm.GetStatus()
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.ByPriority[PriorityCritical])

	qm.Clear(nil)
	assert.Equal(t, 0, qm.GetStatus().Total)
}

func TestQueueOverflowDropOldest(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxTotal = 3
	cfg.Overflow = OverflowDropOldest
	qm, _ := newTestQueue(cfg)

	_, _ = qm.AddAlert(queueAlert("oldest", PriorityLow, PayloadKindTelemetry, 0))
	_, _ = qm.AddAlert(queueAlert("mid", PriorityLow, PayloadKindTelemetry, time.Second))
	_, _ = qm.AddAlert(queueAlert("new", PriorityLow, PayloadKindTelemetry, 2*time.Second))
	_, _ = qm.AddAlert(queueAlert("crit", PriorityCritical, PayloadKindSystem, 3*time.Second))

	status := qm.GetStatus()
	assert.Equal(t, 3, status.Total)

	ids := map[string]bool{}
	for _, pa := range qm.GetAllAlerts() {
		ids[pa.AlertID] = true
	}
	assert.False(t, ids["oldest"], "oldest low alert should be evicted")
	assert.True(t, ids["crit"])
}

func TestQueueOverflowNeverEvictsMoreUrgent(t *testing.T) {
	for _, strategy := range []OverflowStrategy{OverflowDropOldest, OverflowDropLowest} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := DefaultQueueConfig()
			cfg.MaxTotal = 3
			cfg.Overflow = strategy
			qm, _ := newTestQueue(cfg)

			_, _ = qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 0))
			_, _ = qm.AddAlert(queueAlert("c2", PriorityCritical, PayloadKindSystem, time.Second))
			_, _ = qm.AddAlert(queueAlert("c3", PriorityCritical, PayloadKindSystem, 2*time.Second))

			// Every queued alert outranks the newcomer, so the newcomer is
			// the one dropped; the capacity bound still holds.
			_, err := qm.AddAlert(queueAlert("i1", PriorityInfo, PayloadKindHealth, 3*time.Second))
			require.NoError(t, err, "capacity handling is silent")

			status := qm.GetStatus()
			assert.Equal(t, 3, status.Total)
			assert.Equal(t, 3, status.ByPriority[PriorityCritical])

			ids := map[string]bool{}
			for _, pa := range qm.GetAllAlerts() {
				ids[pa.AlertID] = true
			}
			assert.True(t, ids["c1"] && ids["c2"] && ids["c3"])
			assert.False(t, ids["i1"])
		})
	}
}

func TestQueueOverflowDropLowest(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxTotal = 3
	cfg.Overflow = OverflowDropLowest
	qm, _ := newTestQueue(cfg)

	_, _ = qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 0))
	_, _ = qm.AddAlert(queueAlert("h1", PriorityHigh, PayloadKindSystem, 0))
	_, _ = qm.AddAlert(queueAlert("i1", PriorityInfo, PayloadKindHealth, 0))
	_, _ = qm.AddAlert(queueAlert("h2", PriorityHigh, PayloadKindSystem, time.Second))

	ids := map[string]bool{}
	for _, pa := range qm.GetAllAlerts() {
		ids[pa.AlertID] = true
	}
	assert.False(t, ids["i1"], "lowest tier should be evicted first")
	assert.True(t, ids["c1"])
	assert.True(t, ids["h1"])
	assert.True(t, ids["h2"])
}

func TestQueueOverflowCompress(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxTotal = 3
	cfg.Overflow = OverflowCompress
	cfg.CompressThreshold = 2
	qm, _ := newTestQueue(cfg)

	_, _ = qm.AddAlert(queueAlert("i1", PriorityInfo, PayloadKindHealth, 0))
	_, _ = qm.AddAlert(queueAlert("i2", PriorityInfo, PayloadKindHealth, time.Second))
	_, _ = qm.AddAlert(queueAlert("i3", PriorityInfo, PayloadKindHealth, 2*time.Second))
	_, _ = qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 3*time.Second))

	all := qm.GetAllAlerts()
	require.Len(t, all, 2, "cluster collapses to one representative")

	var rep *ProcessedAlert
	for i := range all {
		if all[i].Priority == PriorityInfo {
			rep = &all[i]
		}
	}
	require.NotNil(t, rep)
	assert.Equal(t, "i1", rep.AlertID, "oldest cluster member is the representative")
	assert.True(t, rep.IsGrouped)
	assert.Equal(t, 3, rep.GroupCount)
}

func TestQueueOverflowSummarize(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxTotal = 3
	cfg.Overflow = OverflowSummarize
	cfg.SummarizeThreshold = 2
	qm, _ := newTestQueue(cfg)

	_, _ = qm.AddAlert(queueAlert("i1", PriorityInfo, PayloadKindHealth, 0))
	_, _ = qm.AddAlert(queueAlert("i2", PriorityInfo, PayloadKindHealth, time.Second))
	_, _ = qm.AddAlert(queueAlert("i3", PriorityInfo, PayloadKindHealth, 2*time.Second))
	_, _ = qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 3*time.Second))

	all := qm.GetAllAlerts()
	require.Len(t, all, 2)

	var summary *ProcessedAlert
	for i := range all {
		if all[i].Payload.Kind == PayloadKindSummary {
			summary = &all[i]
		}
	}
	require.NotNil(t, summary, "tier should be replaced by a synthetic summary")
	assert.Equal(t, PriorityMedium, summary.Priority)
	assert.True(t, summary.IsGrouped)
	assert.Equal(t, 3, summary.GroupCount)
}

func TestQueueOverflowPaginate(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxTotal = 2
	cfg.Overflow = OverflowPaginate
	qm, _ := newTestQueue(cfg)

	for i, id := range []string{"a", "b", "c"} {
		_, err := qm.AddAlert(queueAlert(id, PriorityLow, PayloadKindTelemetry, time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, qm.GetStatus().Total, "paginate admits past the bound")
}

func TestQueueProcessorPanicIsolation(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	got := make(chan string, 4)
	qm.AddProcessor(func(pa ProcessedAlert) { panic("processor bug") })
	qm.AddProcessor(func(pa ProcessedAlert) { got <- pa.AlertID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qm.Start(ctx)
	defer qm.Stop()

	_, err := qm.AddAlert(queueAlert("c1", PriorityCritical, PayloadKindSystem, 0))
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("second processor never ran after sibling panic")
	}
}

func TestQueueRemoveProcessor(t *testing.T) {
	qm, _ := newTestQueue(DefaultQueueConfig())

	id := qm.AddProcessor(func(pa ProcessedAlert) {})
	assert.True(t, qm.RemoveProcessor(id))
	assert.False(t, qm.RemoveProcessor(id))
}

func TestQueueStartStopIdempotent(t *testing.T) {
	goroutine.AssertNoLeaks(t)
	qm, _ := newTestQueue(DefaultQueueConfig())

	ctx := context.Background()
	qm.Start(ctx)
	qm.Start(ctx)
	qm.Stop()
	qm.Stop()
}
