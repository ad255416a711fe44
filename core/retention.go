package core

import (
	"time"
)

// RetentionStatus represents the compliance lifecycle state of a persisted alert
type RetentionStatus string

const (
	// RetentionActive indicates the alert is within its retention period
	RetentionActive RetentionStatus = "active"
	// RetentionExpired indicates the retention period has passed but the
	// status has not yet been recomputed into a terminal phase
	RetentionExpired RetentionStatus = "expired"
	// RetentionGracePeriod indicates deletion is deferred but imminent
	RetentionGracePeriod RetentionStatus = "grace_period"
	// RetentionPendingDeletion indicates the alert is eligible for purge
	RetentionPendingDeletion RetentionStatus = "pending_deletion"
	// RetentionLegalHold indicates deletion is blocked regardless of expiry
	RetentionLegalHold RetentionStatus = "legal_hold"
)

// String returns the string representation
func (s RetentionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s RetentionStatus) IsValid() bool {
	switch s {
	case RetentionActive, RetentionExpired, RetentionGracePeriod,
		RetentionPendingDeletion, RetentionLegalHold:
		return true
	default:
		return false
	}
}

// LegalHold blocks deletion of an alert regardless of its expiration state.
// A hold with a non-nil ExpiresAt lapses on its own; removing a hold
// recomputes the status from the underlying retention timestamps.
type LegalHold struct {
	Enabled   bool       `json:"enabled" bson:"enabled"`
	PlacedBy  string     `json:"placed_by" bson:"placed_by"`
	Reason    string     `json:"reason" bson:"reason"`
	Reference string     `json:"reference,omitempty" bson:"reference,omitempty"`
	PlacedAt  time.Time  `json:"placed_at" bson:"placed_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// Active reports whether the hold blocks deletion at now.
func (h *LegalHold) Active(now time.Time) bool {
	if h == nil || !h.Enabled {
		return false
	}
	return h.ExpiresAt == nil || h.ExpiresAt.After(now)
}

// RetentionMetadata is stamped onto persisted alerts at creation time and
// recomputed in place as the lifecycle advances. It is never rewound except
// by legal-hold removal.
type RetentionMetadata struct {
	CreatedAt         time.Time       `json:"created_at" bson:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at" bson:"expires_at"`
	GracePeriodEndsAt *time.Time      `json:"grace_period_ends_at,omitempty" bson:"grace_period_ends_at,omitempty"`
	LegalHold         *LegalHold      `json:"legal_hold,omitempty" bson:"legal_hold,omitempty"`
	Status            RetentionStatus `json:"retention_status" bson:"retention_status"`
	NotificationsSent []string        `json:"notifications_sent,omitempty" bson:"notifications_sent,omitempty"`
}

// NotificationSent reports whether the named pre-expiration notification has
// already fired for this alert.
func (m *RetentionMetadata) NotificationSent(name string) bool {
	for _, sent := range m.NotificationsSent {
		if sent == name {
			return true
		}
	}
	return false
}

// MarkNotificationSent records a notification so it fires at most once.
func (m *RetentionMetadata) MarkNotificationSent(name string) {
	if !m.NotificationSent(name) {
		m.NotificationsSent = append(m.NotificationsSent, name)
	}
}

// AuditAction identifies a retention-relevant lifecycle event
type AuditAction string

const (
	AuditActionCreate       AuditAction = "create"
	AuditActionStatusChange AuditAction = "status_change"
	AuditActionHoldPlaced   AuditAction = "hold_placed"
	AuditActionHoldRemoved  AuditAction = "hold_removed"
	AuditActionNotify       AuditAction = "notify"
	AuditActionDelete       AuditAction = "delete"
)

// RetentionAuditEntry is an immutable, append-only record of a retention
// lifecycle event. Entries are never mutated after creation; the audit log
// itself is pruned by a policy-governed window independent of alert
// retention.
type RetentionAuditEntry struct {
	EntryID       string            `json:"entry_id" bson:"entry_id" msgpack:"entry_id"`
	AlertID       string            `json:"alert_id" bson:"alert_id" msgpack:"alert_id"`
	Action        AuditAction       `json:"action" bson:"action" msgpack:"action"`
	Timestamp     time.Time         `json:"timestamp" bson:"timestamp" msgpack:"timestamp"`
	PolicyVersion string            `json:"policy_version" bson:"policy_version" msgpack:"policy_version"`
	Actor         string            `json:"actor,omitempty" bson:"actor,omitempty" msgpack:"actor,omitempty"`
	Reason        string            `json:"reason,omitempty" bson:"reason,omitempty" msgpack:"reason,omitempty"`
	Details       map[string]string `json:"details,omitempty" bson:"details,omitempty" msgpack:"details,omitempty"`
}
