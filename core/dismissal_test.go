package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dismissTestEngine(t *testing.T) (*GroupingEngine, *FakeClock) {
	t.Helper()
	return newTestGrouping(t, GroupCriteria{SameSource: true})
}

// showAlert admits an alert and marks it visible, the way queue delivery does.
func showAlert(ge *GroupingEngine, clock *FakeClock, alert *Alert) {
	ge.AnalyzeAndGroup(alert)
	ge.MarkVisible(alert.AlertID, clock.Now())
}

func TestDismissCriticalRequiresAcknowledgment(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("c1", PriorityCritical, "eps", "Battery critical", 0))

	ok, err := ge.DismissAlert("c1", DismissUser, DismissOptions{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDismissalNotAllowed)

	// Persistent alerts can never be auto-dismissed, acknowledged or not.
	ok, err = ge.DismissAlert("c1", DismissAutoPriority, DismissOptions{Acknowledged: true})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDismissalNotAllowed)

	ok, err = ge.DismissAlert("c1", DismissUser, DismissOptions{Acknowledged: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDismissStickyAllowsAutoPriority(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("h1", PriorityHigh, "eps", "Battery low", 0))

	_, err := ge.DismissAlert("h1", DismissUser, DismissOptions{})
	assert.ErrorIs(t, err, ErrDismissalNotAllowed)

	ok, err := ge.DismissAlert("h1", DismissAutoPriority, DismissOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDismissAutoHideMinViewTime(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	showAlert(ge, clock, groupTestAlert("m1", PriorityMedium, "eps", "Voltage drift", 0))

	_, err := ge.DismissAlert("m1", DismissUser, DismissOptions{})
	assert.ErrorIs(t, err, ErrDismissalNotAllowed, "3s minimum view time not reached")

	clock.Advance(3 * time.Second)
	ok, err := ge.DismissAlert("m1", DismissUser, DismissOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDismissAutoHideBeforeShown(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("m1", PriorityMedium, "eps", "Voltage drift", 0))

	// View time is measured from visibility; an alert never shown has none,
	// no matter how long ago it was ingested.
	clock.Advance(time.Hour)
	_, err := ge.DismissAlert("m1", DismissUser, DismissOptions{})
	assert.ErrorIs(t, err, ErrDismissalNotAllowed)

	ge.MarkVisible("m1", clock.Now())
	clock.Advance(3 * time.Second)
	ok, err := ge.DismissAlert("m1", DismissUser, DismissOptions{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDismissForceOverridesRules(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("c1", PriorityCritical, "eps", "Battery critical", 0))

	ok, err := ge.DismissAlert("c1", DismissUser, DismissOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDismissUnknownAlert(t *testing.T) {
	ge, _ := dismissTestEngine(t)

	ok, err := ge.DismissAlert("ghost", DismissUser, DismissOptions{})
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestDismissWholeGroup(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("h1", PriorityHigh, "eps", "Battery low", 0))
	ge.AnalyzeAndGroup(groupTestAlert("h2", PriorityHigh, "eps", "Battery sagging", time.Second))

	ok, err := ge.DismissAlert("h1", DismissUser, DismissOptions{Acknowledged: true})
	require.NoError(t, err)
	assert.True(t, ok)

	group := ge.GroupFor("h2")
	require.NotNil(t, group)
	assert.True(t, group.Dismissal.IsDismissed, "dismissal applies to the whole group")
	assert.Equal(t, DismissUser, group.Dismissal.Type)
	assert.True(t, group.Dismissal.Undoable)
}

func TestBulkDismiss(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("h1", PriorityHigh, "eps", "Battery low", 0))
	ge.AnalyzeAndGroup(groupTestAlert("c1", PriorityCritical, "thermal", "Overheat", 0))

	result := ge.BulkDismiss([]string{"h1", "c1", "ghost"}, DismissBulk, DismissOptions{Acknowledged: true})

	assert.ElementsMatch(t, []string{"h1", "c1"}, result.Dismissed)
	assert.Contains(t, result.Skipped, "ghost")
	assert.NotEmpty(t, result.ActionID)

	history := ge.DismissalHistory()
	require.Len(t, history, 1)
	assert.Equal(t, DismissBulk, history[0].Type)
}

func TestBulkDismissDryRun(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("h1", PriorityHigh, "eps", "Battery low", 0))

	result := ge.BulkDismiss([]string{"h1"}, DismissBulk, DismissOptions{Acknowledged: true, DryRun: true})

	assert.True(t, result.DryRun)
	assert.ElementsMatch(t, []string{"h1"}, result.Dismissed)
	assert.Empty(t, result.ActionID)
	assert.Empty(t, ge.DismissalHistory(), "dry run must not mutate state")
}

func TestConditionalDismiss(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("old-low", PriorityLow, "telemetry-1", "stale reading", 0))
	ge.AnalyzeAndGroup(groupTestAlert("new-low", PriorityLow, "telemetry-2", "fresh reading", 9*time.Minute))
	ge.AnalyzeAndGroup(groupTestAlert("old-high", PriorityHigh, "telemetry-3", "rate warning", 0))

	clock.Advance(10 * time.Minute)

	result, err := ge.ConditionalDismiss(DismissCriteria{
		Priorities: []Priority{PriorityLow},
		OlderThan:  5 * time.Minute,
	}, DismissOptions{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"old-low"}, result.Dismissed)
}

func TestConditionalDismissSourcePattern(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("l1", PriorityLow, "telemetry-1", "reading", 0))
	ge.AnalyzeAndGroup(groupTestAlert("l2", PriorityLow, "comms-1", "reading", 0))

	result, err := ge.ConditionalDismiss(DismissCriteria{
		SourcePattern: `^telemetry-`,
	}, DismissOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"l1"}, result.Dismissed)

	_, err = ge.ConditionalDismiss(DismissCriteria{SourcePattern: "("}, DismissOptions{})
	assert.Error(t, err)
}

func TestUndoDismissal(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("h1", PriorityHigh, "eps", "Battery low", 0))
	ge.AnalyzeAndGroup(groupTestAlert("h2", PriorityHigh, "eps", "Battery sagging", time.Second))

	_, err := ge.DismissAlert("h1", DismissUser, DismissOptions{Acknowledged: true})
	require.NoError(t, err)

	history := ge.DismissalHistory()
	require.Len(t, history, 1)

	clock.Advance(4 * time.Minute)
	assert.True(t, ge.UndoDismissal(history[0].ActionID))

	group := ge.GroupFor("h1")
	require.NotNil(t, group)
	assert.False(t, group.Dismissal.IsDismissed)
	assert.Empty(t, ge.DismissalHistory(), "undone actions leave the history")
}

func TestUndoWindowExpires(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("h1", PriorityHigh, "eps", "Battery low", 0))

	_, err := ge.DismissAlert("h1", DismissUser, DismissOptions{Acknowledged: true})
	require.NoError(t, err)
	actionID := ge.DismissalHistory()[0].ActionID

	// The window is exactly five minutes; landing on the boundary is too late.
	clock.Advance(5 * time.Minute)
	assert.False(t, ge.UndoDismissal(actionID))
}

func TestUndoUnknownAction(t *testing.T) {
	ge, _ := dismissTestEngine(t)
	assert.False(t, ge.UndoDismissal("no-such-action"))
}

func TestSweepAutoDismiss(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	showAlert(ge, clock, groupTestAlert("l1", PriorityLow, "telemetry-1", "reading", 0))
	showAlert(ge, clock, groupTestAlert("i1", PriorityInfo, "health-1", "heartbeat", 0))
	showAlert(ge, clock, groupTestAlert("c1", PriorityCritical, "eps", "Battery critical", 0))

	assert.Equal(t, 0, ge.SweepAutoDismiss(), "nothing due yet")

	// Info auto-hides after 15s; low times out after 60s.
	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, ge.SweepAutoDismiss())

	clock.Advance(45 * time.Second)
	assert.Equal(t, 1, ge.SweepAutoDismiss())

	group := ge.GroupFor("c1")
	assert.Nil(t, group, "single critical stays a pending cluster")
	assert.Equal(t, 0, ge.SweepAutoDismiss(), "persistent alerts are never swept")

	// Timeout dismissals are not undoable and leave no history.
	assert.Empty(t, ge.DismissalHistory())
}

func TestSweepHonorsRuleOverride(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	ge.SetDismissalRule(PriorityLow, DismissalRule{Behavior: DismissBehaviorTimeout, TimeoutAfter: 5 * time.Second})
	showAlert(ge, clock, groupTestAlert("l1", PriorityLow, "telemetry-1", "reading", 0))

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, ge.SweepAutoDismiss())
}

func TestSweepSkipsUnshownAlerts(t *testing.T) {
	ge, clock := dismissTestEngine(t)
	ge.AnalyzeAndGroup(groupTestAlert("l1", PriorityLow, "telemetry-1", "reading", 0))

	// Low alerts time out 60s after being shown. This one has not been
	// shown at all, so no amount of queue dwell time makes it sweepable.
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, ge.SweepAutoDismiss())

	ge.MarkVisible("l1", clock.Now())
	clock.Advance(60 * time.Second)
	assert.Equal(t, 1, ge.SweepAutoDismiss())
}
