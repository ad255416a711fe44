package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/core"
	"aegis/metrics"
	"aegis/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore defines the persistence operations the retention engine needs.
// Defined here (consumer package), implemented by the storage backends.
type AlertStore interface {
	GetAlert(ctx context.Context, alertID string) (*core.Alert, error)
	ListAlerts(ctx context.Context) ([]*core.Alert, error)
	RemoveAlert(ctx context.Context, alertID string) error
	UpdateRetention(ctx context.Context, alertID string, md *core.RetentionMetadata) error
}

// AuditStore persists the append-only retention audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *core.RetentionAuditEntry) error
	ListAudit(ctx context.Context, alertID string) ([]core.RetentionAuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int, error)
}

// NotificationKind identifies a retention lifecycle notification.
type NotificationKind string

const (
	NotifyPreExpiration   NotificationKind = "pre_expiration"
	NotifyGraceEntered    NotificationKind = "grace_entered"
	NotifyPendingDeletion NotificationKind = "pending_deletion"
)

// NotificationEvent is handed to the notifier when a lifecycle threshold is
// crossed.
type NotificationEvent struct {
	Kind     NotificationKind `json:"kind"`
	AlertID  string           `json:"alert_id"`
	Priority core.Priority    `json:"priority"`
	Message  string           `json:"message"`
	DueAt    time.Time        `json:"due_at"`
}

// Notifier delivers retention lifecycle notifications. Implementations must
// be safe for sequential reuse; failures are logged and never abort the
// lifecycle pass that triggered them.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent) error
}

// nopNotifier drops every event.
type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, NotificationEvent) error { return nil }

var (
	ErrNotPersisted        = errors.New("alert has no retention metadata")
	ErrLegalHoldNotAllowed = errors.New("legal hold not allowed for this priority")
	ErrNoLegalHold         = errors.New("alert has no legal hold")
)

// CleanupResult summarizes one purge pass. Per-alert failures are collected
// in Errors rather than aborting the batch.
type CleanupResult struct {
	Deleted      int               `json:"deleted"`
	SkippedGrace int               `json:"skipped_grace"`
	SkippedHold  int               `json:"skipped_hold"`
	Failed       int               `json:"failed"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// Engine drives the retention lifecycle for persisted alerts.
type Engine struct {
	store    AlertStore
	audit    AuditStore
	notifier Notifier
	policy   *Policy
	clock    core.Clock
	logger   *zap.SugaredLogger
}

// NewEngine creates a retention engine. A nil notifier drops notifications,
// a nil clock uses the system clock, a nil logger discards output.
func NewEngine(store AlertStore, audit AuditStore, notifier Notifier, policy *Policy, clock core.Clock, logger *zap.SugaredLogger) *Engine {
	if store == nil {
		panic("alert store is required")
	}
	if audit == nil {
		panic("audit store is required")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if clock == nil {
		clock = core.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:    store,
		audit:    audit,
		notifier: notifier,
		policy:   policy,
		clock:    clock,
		logger:   logger,
	}
}

// Policy returns the engine's active policy.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// AddRetentionMetadata stamps creation-time expiration metadata onto an
// alert, before or alongside storage. The alert's creation timestamp is the
// anchor for every downstream deadline.
func (e *Engine) AddRetentionMetadata(ctx context.Context, alert *core.Alert) error {
	if alert == nil {
		return errors.New("alert cannot be nil")
	}

	rule := e.policy.RuleFor(alert.Priority)
	createdAt := alert.Timestamp
	if createdAt.IsZero() {
		createdAt = e.clock.Now().UTC()
	}

	md := &core.RetentionMetadata{
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(rule.Period.Std()),
		Status:    core.RetentionActive,
	}
	if rule.GracePeriod > 0 {
		graceEnd := md.ExpiresAt.Add(rule.GracePeriod.Std())
		md.GracePeriodEndsAt = &graceEnd
	}
	alert.Retention = md
	alert.Persisted = true

	e.appendAudit(ctx, alert.AlertID, core.AuditActionCreate, "", "", map[string]string{
		"expires_at": md.ExpiresAt.Format(time.RFC3339),
	})
	return nil
}

// UpdateRetentionStatus lazily recomputes the lifecycle status of an alert.
// Transitions are monotonic forward except for legal-hold interrupts; the
// recomputed status is persisted when it changes. Pre-expiration
// notifications fire here, each at most once.
func (e *Engine) UpdateRetentionStatus(ctx context.Context, alert *core.Alert) (core.RetentionStatus, bool, error) {
	if alert == nil || alert.Retention == nil {
		return "", false, ErrNotPersisted
	}

	md := alert.Retention
	now := e.clock.Now()
	prev := md.Status
	next := e.computeStatus(md, now)

	if next == core.RetentionActive {
		e.fireExpiryWarnings(ctx, alert, now)
	}

	if next == prev {
		return next, false, nil
	}

	md.Status = next
	metrics.RetentionTransitions.WithLabelValues(next.String()).Inc()
	e.appendAudit(ctx, alert.AlertID, core.AuditActionStatusChange, "", "", map[string]string{
		"from": prev.String(),
		"to":   next.String(),
	})

	switch next {
	case core.RetentionGracePeriod:
		e.notify(ctx, alert, NotifyGraceEntered, "retention grace period entered", *md.GracePeriodEndsAt)
	case core.RetentionPendingDeletion:
		e.notify(ctx, alert, NotifyPendingDeletion, "alert is pending deletion", now)
	}

	if err := e.store.UpdateRetention(ctx, alert.AlertID, md); err != nil {
		return next, true, fmt.Errorf("failed to persist retention status: %w", err)
	}
	return next, true, nil
}

// computeStatus derives the lifecycle phase from the metadata timestamps.
// Legal hold takes precedence whenever the hold is active.
func (e *Engine) computeStatus(md *core.RetentionMetadata, now time.Time) core.RetentionStatus {
	if md.LegalHold.Active(now) {
		return core.RetentionLegalHold
	}
	if now.After(md.ExpiresAt) {
		if md.GracePeriodEndsAt != nil && !now.After(*md.GracePeriodEndsAt) {
			return core.RetentionGracePeriod
		}
		return core.RetentionPendingDeletion
	}
	return core.RetentionActive
}

// fireExpiryWarnings sends each configured pre-expiration notification at
// most once per alert.
func (e *Engine) fireExpiryWarnings(ctx context.Context, alert *core.Alert, now time.Time) {
	md := alert.Retention
	for _, threshold := range e.policy.NotifyBefore {
		if now.Before(md.ExpiresAt.Add(-threshold.Std())) {
			continue
		}
		name := fmt.Sprintf("%s_%s", NotifyPreExpiration, threshold.Std())
		if md.NotificationSent(name) {
			continue
		}
		md.MarkNotificationSent(name)
		e.notify(ctx, alert, NotifyPreExpiration,
			fmt.Sprintf("alert expires at %s", md.ExpiresAt.Format(time.RFC3339)), md.ExpiresAt)
		e.appendAudit(ctx, alert.AlertID, core.AuditActionNotify, "", "", map[string]string{
			"notification": name,
		})
		if err := e.store.UpdateRetention(ctx, alert.AlertID, md); err != nil {
			e.logger.Warnw("Failed to persist notification marker",
				"alert_id", alert.AlertID,
				"error", err)
		}
	}
}

// PlaceLegalHold blocks deletion of an alert regardless of expiration.
// Rejected when the priority's rule disallows holds.
func (e *Engine) PlaceLegalHold(ctx context.Context, alertID, placedBy, reason, reference string, expiresAt *time.Time) error {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}
	if alert.Retention == nil {
		return ErrNotPersisted
	}
	if !e.policy.RuleFor(alert.Priority).AllowLegalHold {
		return fmt.Errorf("%w: %s", ErrLegalHoldNotAllowed, alert.Priority)
	}

	now := e.clock.Now()
	alert.Retention.LegalHold = &core.LegalHold{
		Enabled:   true,
		PlacedBy:  placedBy,
		Reason:    reason,
		Reference: reference,
		PlacedAt:  now,
		ExpiresAt: expiresAt,
	}
	alert.Retention.Status = core.RetentionLegalHold
	metrics.RetentionTransitions.WithLabelValues(core.RetentionLegalHold.String()).Inc()

	e.appendAudit(ctx, alertID, core.AuditActionHoldPlaced, placedBy, reason, map[string]string{
		"reference": reference,
	})
	if err := e.store.UpdateRetention(ctx, alertID, alert.Retention); err != nil {
		return fmt.Errorf("failed to persist legal hold: %w", err)
	}
	e.logger.Infow("Legal hold placed",
		"alert_id", alertID,
		"placed_by", placedBy,
		"reason", reason)
	return nil
}

// RemoveLegalHold lifts a hold and recomputes the status from the
// underlying expiration timestamps, as if the hold had never existed except
// for its audit record.
func (e *Engine) RemoveLegalHold(ctx context.Context, alertID, removedBy, reason string) error {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}
	if alert.Retention == nil {
		return ErrNotPersisted
	}
	if alert.Retention.LegalHold == nil {
		return ErrNoLegalHold
	}

	alert.Retention.LegalHold = nil
	next := e.computeStatus(alert.Retention, e.clock.Now())
	alert.Retention.Status = next
	metrics.RetentionTransitions.WithLabelValues(next.String()).Inc()

	e.appendAudit(ctx, alertID, core.AuditActionHoldRemoved, removedBy, reason, map[string]string{
		"resumed_status": next.String(),
	})
	if err := e.store.UpdateRetention(ctx, alertID, alert.Retention); err != nil {
		return fmt.Errorf("failed to persist hold removal: %w", err)
	}
	e.logger.Infow("Legal hold removed",
		"alert_id", alertID,
		"removed_by", removedBy,
		"resumed_status", next)
	return nil
}

// ShouldDelete reports deletion eligibility: never while a hold is active,
// true once now is past the grace-period end, or past expiration when no
// grace period applies.
func (e *Engine) ShouldDelete(alert *core.Alert, now time.Time) bool {
	md := alert.Retention
	if md == nil {
		return false
	}
	if md.LegalHold.Active(now) {
		return false
	}
	if md.GracePeriodEndsAt != nil {
		return now.After(*md.GracePeriodEndsAt)
	}
	return now.After(md.ExpiresAt)
}

// Cleanup walks every persisted alert, recomputes its status and deletes
// those eligible. Deletion is sequential per alert so error attribution
// stays precise; individual failures never abort the batch.
func (e *Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	start := e.clock.Now()
	defer func() {
		metrics.PurgeDuration.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	result := CleanupResult{Errors: make(map[string]string)}
	alerts, err := e.store.ListAlerts(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list alerts: %w", err)
	}

	now := e.clock.Now()
	for _, alert := range alerts {
		if alert.Retention == nil {
			continue
		}
		status, _, err := e.UpdateRetentionStatus(ctx, alert)
		if err != nil {
			result.Failed++
			result.Errors[alert.AlertID] = err.Error()
			metrics.RetentionPurged.WithLabelValues("failed").Inc()
			continue
		}

		switch {
		case status == core.RetentionLegalHold:
			result.SkippedHold++
			metrics.RetentionPurged.WithLabelValues("skipped_hold").Inc()
		case status == core.RetentionGracePeriod:
			result.SkippedGrace++
			metrics.RetentionPurged.WithLabelValues("skipped_grace").Inc()
		case e.ShouldDelete(alert, now):
			if err := e.store.RemoveAlert(ctx, alert.AlertID); err != nil {
				result.Failed++
				result.Errors[alert.AlertID] = err.Error()
				metrics.RetentionPurged.WithLabelValues("failed").Inc()
				continue
			}
			result.Deleted++
			metrics.RetentionPurged.WithLabelValues("deleted").Inc()
			e.appendAudit(ctx, alert.AlertID, core.AuditActionDelete, "", "retention period elapsed", nil)
		}
	}

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	e.logger.Infow("Retention cleanup completed",
		"deleted", result.Deleted,
		"skipped_grace", result.SkippedGrace,
		"skipped_hold", result.SkippedHold,
		"failed", result.Failed)
	return result, nil
}

// Run drives periodic cleanup until the context is cancelled. A failed pass
// is logged and retried on the next interval; nothing here is fatal.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	defer goroutine.Recover("retention-cleanup", e.logger)
	if interval <= 0 {
		interval = time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
			if _, err := e.Cleanup(ctx); err != nil {
				e.logger.Errorw("Retention cleanup pass failed", "error", err)
			}
			if _, err := e.PruneAuditLog(ctx); err != nil {
				e.logger.Errorw("Audit log prune failed", "error", err)
			}
		}
	}
}

// PruneAuditLog removes audit entries older than the policy's audit window.
func (e *Engine) PruneAuditLog(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-e.policy.AuditWindow.Std())
	pruned, err := e.audit.PruneAudit(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	if pruned > 0 {
		e.logger.Infow("Audit log pruned", "entries", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}

// appendAudit writes one immutable audit entry. Audit failures are logged
// and swallowed; they must not block the lifecycle operation that caused
// them.
func (e *Engine) appendAudit(ctx context.Context, alertID string, action core.AuditAction, actor, reason string, details map[string]string) {
	entry := &core.RetentionAuditEntry{
		EntryID:       uuid.New().String(),
		AlertID:       alertID,
		Action:        action,
		Timestamp:     e.clock.Now().UTC(),
		PolicyVersion: e.policy.Version,
		Actor:         actor,
		Reason:        reason,
		Details:       details,
	}
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.logger.Errorw("Failed to append audit entry",
			"alert_id", alertID,
			"action", action,
			"error", err)
		return
	}
	metrics.AuditEntries.WithLabelValues(string(action)).Inc()
}

// notify delivers one lifecycle notification, logging failures.
func (e *Engine) notify(ctx context.Context, alert *core.Alert, kind NotificationKind, message string, dueAt time.Time) {
	event := NotificationEvent{
		Kind:     kind,
		AlertID:  alert.AlertID,
		Priority: alert.Priority,
		Message:  message,
		DueAt:    dueAt,
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warnw("Retention notification failed",
			"alert_id", alert.AlertID,
			"kind", kind,
			"error", err)
	}
}
