package service

import (
	"context"
	"errors"
	"fmt"

	"aegis/core"
	"aegis/retention"

	"go.uber.org/zap"
)

// AlertStore defines the persistence operations the service needs.
// Defined here (consumer package) following interface segregation; the
// storage backends satisfy it structurally.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *core.Alert) error
}

// SnapshotCache defines the optional read-side cache for processed alerts
type SnapshotCache interface {
	SaveSnapshot(ctx context.Context, alerts []core.ProcessedAlert) error
}

// ErrRetentionDisabled is returned for retention operations when no
// retention engine was configured.
var ErrRetentionDisabled = errors.New("retention engine not configured")

// AlertService is the facade the dashboard talks to. It wires ingestion
// through validation, grouping and the timed queue, and exposes dismissal
// and compliance operations on top of the underlying engines.
type AlertService struct {
	queue     *core.QueueManager
	groups    *core.GroupingEngine
	retention *retention.Engine
	store     AlertStore
	cache     SnapshotCache
	clock     core.Clock
	logger    *zap.SugaredLogger
}

// NewAlertService creates the service. queue and groups are required and
// the constructor panics if either is nil; retention, store and cache are
// optional collaborators.
func NewAlertService(
	queue *core.QueueManager,
	groups *core.GroupingEngine,
	retentionEngine *retention.Engine,
	store AlertStore,
	cache SnapshotCache,
	clock core.Clock,
	logger *zap.SugaredLogger,
) *AlertService {
	if queue == nil {
		panic("queue is required")
	}
	if groups == nil {
		panic("groups is required")
	}
	if clock == nil {
		clock = core.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &AlertService{
		queue:     queue,
		groups:    groups,
		retention: retentionEngine,
		store:     store,
		cache:     cache,
		clock:     clock,
		logger:    logger,
	}

	// View-relative dismissal timers (auto-hide, timeout) start when the
	// queue surfaces the alert, not when it was ingested.
	queue.AddProcessor(func(pa core.ProcessedAlert) {
		groups.MarkVisible(pa.AlertID, pa.ProcessedAt)
	})
	return s
}

// Start begins queue delivery. Stop drains and halts it.
func (s *AlertService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop halts queue delivery
func (s *AlertService) Stop() {
	s.queue.Stop()
}

// AddAlert validates the spec, stamps identity, runs grouping analysis,
// persists when requested, and enqueues. Returns the new alert ID.
func (s *AlertService) AddAlert(ctx context.Context, spec *core.AlertSpec) (string, error) {
	alert, err := core.NewAlert(spec, s.clock)
	if err != nil {
		return "", err
	}

	// Grouping runs before enqueue so same-group arrivals share one slot
	if group := s.groups.AnalyzeAndGroup(alert); group != nil {
		alert.GroupID = group.GroupID
	}

	if alert.Persisted {
		if s.store == nil {
			return "", fmt.Errorf("alert %s requests persistence but no store is configured", alert.AlertID)
		}
		if s.retention != nil {
			if err := s.retention.AddRetentionMetadata(ctx, alert); err != nil {
				return "", fmt.Errorf("failed to stamp retention metadata: %w", err)
			}
		}
		if err := s.store.SaveAlert(ctx, alert); err != nil {
			return "", fmt.Errorf("failed to persist alert: %w", err)
		}
	}

	id, err := s.queue.AddAlert(alert)
	if err != nil {
		return "", err
	}

	s.logger.Debugw("Alert added",
		"alert_id", id,
		"priority", alert.Priority.String(),
		"group_id", alert.GroupID,
		"persisted", alert.Persisted)
	return id, nil
}

// RemoveAlert removes an alert from the queue and the grouping arena.
// Returns false when the alert is not queued.
func (s *AlertService) RemoveAlert(id string) bool {
	removed := s.queue.RemoveAlert(id)
	s.groups.Forget(id)
	return removed
}

// Clear empties the queue, or a single priority tier when one is given
func (s *AlertService) Clear(priority *core.Priority) {
	s.queue.Clear(priority)
}

// AddProcessor registers a delivery callback and returns its handle
func (s *AlertService) AddProcessor(fn core.Processor) int {
	return s.queue.AddProcessor(fn)
}

// RemoveProcessor unregisters a processor by handle
func (s *AlertService) RemoveProcessor(id int) bool {
	return s.queue.RemoveProcessor(id)
}

// GetStatus returns current queue counters
func (s *AlertService) GetStatus() core.QueueStatus {
	return s.queue.GetStatus()
}

// GetAllAlerts returns the queue contents in stable delivery order and
// refreshes the read-side snapshot cache when one is configured.
func (s *AlertService) GetAllAlerts(ctx context.Context) []core.ProcessedAlert {
	alerts := s.queue.GetAllAlerts()

	if s.cache != nil {
		if err := s.cache.SaveSnapshot(ctx, alerts); err != nil {
			// Snapshot refresh is best-effort
			s.logger.Warnw("Failed to refresh queue snapshot", "error", err)
		}
	}
	return alerts
}

// Groups returns the current alert groups
func (s *AlertService) Groups() []*core.AlertGroup {
	return s.groups.Groups()
}

// DismissAlert dismisses the group owning the alert. The boolean is false
// when the alert is unknown; a non-nil error means the dismissal rule
// rejected the request.
func (s *AlertService) DismissAlert(alertID string, dtype core.DismissalType, opts core.DismissOptions) (bool, error) {
	return s.groups.DismissAlert(alertID, dtype, opts)
}

// BulkDismiss dismisses many alerts in one undoable action
func (s *AlertService) BulkDismiss(alertIDs []string, dtype core.DismissalType, opts core.DismissOptions) core.BulkDismissResult {
	return s.groups.BulkDismiss(alertIDs, dtype, opts)
}

// ConditionalDismiss dismisses every alert matching the criteria
func (s *AlertService) ConditionalDismiss(criteria core.DismissCriteria, opts core.DismissOptions) (core.BulkDismissResult, error) {
	return s.groups.ConditionalDismiss(criteria, opts)
}

// UndoDismissal reverses a dismissal action while its undo window is open
func (s *AlertService) UndoDismissal(actionID string) bool {
	return s.groups.UndoDismissal(actionID)
}

// DismissalHistory returns the bounded undo history, newest first
func (s *AlertService) DismissalHistory() []core.DismissalAction {
	return s.groups.DismissalHistory()
}

// PlaceLegalHold blocks deletion of a persisted alert
func (s *AlertService) PlaceLegalHold(ctx context.Context, alertID, placedBy, reason, reference string) error {
	if s.retention == nil {
		return ErrRetentionDisabled
	}
	return s.retention.PlaceLegalHold(ctx, alertID, placedBy, reason, reference, nil)
}

// RemoveLegalHold lifts a hold and recomputes the retention status
func (s *AlertService) RemoveLegalHold(ctx context.Context, alertID, removedBy, reason string) error {
	if s.retention == nil {
		return ErrRetentionDisabled
	}
	return s.retention.RemoveLegalHold(ctx, alertID, removedBy, reason)
}

// PerformRetentionCleanup runs one on-demand purge pass
func (s *AlertService) PerformRetentionCleanup(ctx context.Context) (retention.CleanupResult, error) {
	if s.retention == nil {
		return retention.CleanupResult{}, ErrRetentionDisabled
	}
	return s.retention.Cleanup(ctx)
}
