package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegis/core"
	"aegis/retention"
	"aegis/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type recordingCache struct {
	snapshots [][]core.ProcessedAlert
	err       error
}

func (c *recordingCache) SaveSnapshot(_ context.Context, alerts []core.ProcessedAlert) error {
	if c.err != nil {
		return c.err
	}
	c.snapshots = append(c.snapshots, alerts)
	return nil
}

type serviceFixture struct {
	service *AlertService
	groups  *core.GroupingEngine
	clock   *core.FakeClock
	store   *storage.MemoryStore
	cache   *recordingCache
}

func newFixture(t *testing.T, withRetention bool) *serviceFixture {
	t.Helper()

	clock := core.NewFakeClock(testStart)
	queue := core.NewQueueManager(core.DefaultQueueConfig(), clock, nil)
	groups, err := core.NewGroupingEngine(core.DefaultGroupCriteria(), clock, nil)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	cache := &recordingCache{}

	var engine *retention.Engine
	if withRetention {
		engine = retention.NewEngine(store, store, nil, retention.DefaultPolicy(), clock, nil)
	}

	return &serviceFixture{
		service: NewAlertService(queue, groups, engine, store, cache, clock, nil),
		groups:  groups,
		clock:   clock,
		store:   store,
		cache:   cache,
	}
}

func criticalSpec(source string) *core.AlertSpec {
	return &core.AlertSpec{
		Priority: "critical",
		Kind:     "system",
		Title:    "Disk pressure",
		Message:  "volume /data above 90%",
		Source:   source,
	}
}

func TestNewAlertServiceRequiresEngines(t *testing.T) {
	clock := core.NewFakeClock(testStart)
	queue := core.NewQueueManager(core.DefaultQueueConfig(), clock, nil)
	groups, err := core.NewGroupingEngine(core.DefaultGroupCriteria(), clock, nil)
	require.NoError(t, err)

	assert.Panics(t, func() {
		NewAlertService(nil, groups, nil, nil, nil, clock, nil)
	})
	assert.Panics(t, func() {
		NewAlertService(queue, nil, nil, nil, nil, clock, nil)
	})
}

func TestAddAlertEnqueues(t *testing.T) {
	f := newFixture(t, false)

	id, err := f.service.AddAlert(context.Background(), criticalSpec("node-7"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	status := f.service.GetStatus()
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.ByPriority[core.PriorityCritical])
}

func TestAddAlertRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, false)

	spec := criticalSpec("node-7")
	spec.Priority = "urgent"
	_, err := f.service.AddAlert(context.Background(), spec)
	assert.Error(t, err)

	assert.Equal(t, 0, f.service.GetStatus().Total)
}

func TestAddAlertGroupsSameSource(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.service.AddAlert(ctx, criticalSpec("node-7"))
	require.NoError(t, err)
	_, err = f.service.AddAlert(ctx, criticalSpec("node-7"))
	require.NoError(t, err)

	groups := f.service.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Size())
}

func TestAddAlertPersistsWithRetentionMetadata(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	spec := criticalSpec("node-7")
	spec.Persist = true
	id, err := f.service.AddAlert(ctx, spec)
	require.NoError(t, err)

	stored, err := f.store.GetAlert(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Retention)
	assert.Equal(t, core.RetentionActive, stored.Retention.Status)
	assert.Equal(t, testStart.Add(365*24*time.Hour), stored.Retention.ExpiresAt)

	entries, err := f.store.ListAudit(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.AuditActionCreate, entries[0].Action)
}

func TestAddAlertPersistRequiresStore(t *testing.T) {
	clock := core.NewFakeClock(testStart)
	queue := core.NewQueueManager(core.DefaultQueueConfig(), clock, nil)
	groups, err := core.NewGroupingEngine(core.DefaultGroupCriteria(), clock, nil)
	require.NoError(t, err)
	svc := NewAlertService(queue, groups, nil, nil, nil, clock, nil)

	spec := criticalSpec("node-7")
	spec.Persist = true
	_, err = svc.AddAlert(context.Background(), spec)
	assert.Error(t, err)
}

func TestRemoveAlert(t *testing.T) {
	f := newFixture(t, false)

	id, err := f.service.AddAlert(context.Background(), criticalSpec("node-7"))
	require.NoError(t, err)

	assert.True(t, f.service.RemoveAlert(id))
	assert.False(t, f.service.RemoveAlert(id))
	assert.Equal(t, 0, f.service.GetStatus().Total)
}

func TestGetAllAlertsRefreshesSnapshot(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.service.AddAlert(ctx, criticalSpec("node-7"))
	require.NoError(t, err)

	alerts := f.service.GetAllAlerts(ctx)
	assert.Len(t, alerts, 1)
	require.Len(t, f.cache.snapshots, 1)
	assert.Len(t, f.cache.snapshots[0], 1)
}

func TestGetAllAlertsSurvivesSnapshotFailure(t *testing.T) {
	f := newFixture(t, false)
	f.cache.err = errors.New("cache unavailable")

	_, err := f.service.AddAlert(context.Background(), criticalSpec("node-7"))
	require.NoError(t, err)

	alerts := f.service.GetAllAlerts(context.Background())
	assert.Len(t, alerts, 1)
}

func TestDismissAlertPassthrough(t *testing.T) {
	f := newFixture(t, false)

	id, err := f.service.AddAlert(context.Background(), criticalSpec("node-7"))
	require.NoError(t, err)

	// Critical alerts are persistent and require explicit acknowledgment
	ok, err := f.service.DismissAlert(id, core.DismissUser, core.DismissOptions{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrDismissalNotAllowed)

	ok, err = f.service.DismissAlert(id, core.DismissUser, core.DismissOptions{Acknowledged: true})
	require.NoError(t, err)
	assert.True(t, ok)

	history := f.service.DismissalHistory()
	require.Len(t, history, 1)
	assert.True(t, f.service.UndoDismissal(history[0].ActionID))
}

func TestQueueDeliveryStartsDismissalTimers(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan core.ProcessedAlert, 4)
	f.service.AddProcessor(func(pa core.ProcessedAlert) { delivered <- pa })

	f.service.Start(ctx)
	defer f.service.Stop()

	lowSpec := &core.AlertSpec{Priority: "low", Kind: "telemetry", Title: "Stale reading", Source: "telemetry-1"}
	_, err := f.service.AddAlert(ctx, lowSpec)
	require.NoError(t, err)

	// Low alerts wait out a five-minute visibility delay; their 60s timeout
	// must not run while they are still invisible.
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, f.groups.SweepAutoDismiss())

	// Cross the visibility threshold; a critical arrival forces a pass.
	f.clock.Advance(3 * time.Minute)
	_, err = f.service.AddAlert(ctx, criticalSpec("node-7"))
	require.NoError(t, err)

	got := map[core.Priority]bool{}
	for i := 0; i < 2; i++ {
		select {
		case pa := <-delivered:
			got[pa.Priority] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 deliveries, got %d", len(got))
		}
	}
	require.True(t, got[core.PriorityLow])

	f.clock.Advance(60 * time.Second)
	assert.Equal(t, 1, f.groups.SweepAutoDismiss(), "timeout counts from first visibility")
}

func TestBulkDismissPlumbsType(t *testing.T) {
	f := newFixture(t, false)

	id, err := f.service.AddAlert(context.Background(), criticalSpec("node-7"))
	require.NoError(t, err)

	result := f.service.BulkDismiss([]string{id}, core.DismissUser, core.DismissOptions{Acknowledged: true})
	assert.ElementsMatch(t, []string{id}, result.Dismissed)

	history := f.service.DismissalHistory()
	require.Len(t, history, 1)
	assert.Equal(t, core.DismissUser, history[0].Type)
}

func TestRetentionOperationsRequireEngine(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	err := f.service.PlaceLegalHold(ctx, "a1", "analyst", "litigation", "CASE-42")
	assert.ErrorIs(t, err, ErrRetentionDisabled)

	err = f.service.RemoveLegalHold(ctx, "a1", "analyst", "released")
	assert.ErrorIs(t, err, ErrRetentionDisabled)

	_, err = f.service.PerformRetentionCleanup(ctx)
	assert.ErrorIs(t, err, ErrRetentionDisabled)
}

func TestLegalHoldRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	spec := criticalSpec("node-7")
	spec.Persist = true
	id, err := f.service.AddAlert(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, f.service.PlaceLegalHold(ctx, id, "analyst", "litigation", "CASE-42"))

	stored, err := f.store.GetAlert(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Retention)
	assert.Equal(t, core.RetentionLegalHold, stored.Retention.Status)

	require.NoError(t, f.service.RemoveLegalHold(ctx, id, "analyst", "released"))

	stored, err = f.store.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.RetentionActive, stored.Retention.Status)
}
