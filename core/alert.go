package core

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Priority is the closed set of operator-facing alert priorities.
// Unknown values are rejected at the ingestion boundary; see ParsePriority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityInfo     Priority = "info"
)

// priorityWeights maps each priority to its heap ordering weight.
// Lower weight means more urgent.
var priorityWeights = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
	PriorityInfo:     4,
}

// Priorities returns all priorities in descending urgency order.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityInfo}
}

// String returns the string representation
func (p Priority) String() string {
	return string(p)
}

// IsValid checks if the priority is a known value
func (p Priority) IsValid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// Weight returns the numeric heap ordering rank; lower is more urgent.
// Unknown priorities rank after every valid one.
func (p Priority) Weight() int {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return len(priorityWeights)
}

// ParsePriority converts a raw string into a Priority, rejecting unknown
// values instead of silently falling back to a default.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority: %q", s)
	}
	return p, nil
}

// PayloadKind tags the known alert payload variants.
type PayloadKind string

const (
	PayloadKindTelemetry PayloadKind = "telemetry"
	PayloadKindSystem    PayloadKind = "system"
	PayloadKindComms     PayloadKind = "comms"
	PayloadKindHealth    PayloadKind = "health"
	PayloadKindSummary   PayloadKind = "summary"
	PayloadKindCustom    PayloadKind = "custom"
)

// IsValid checks if the payload kind is a known variant
func (k PayloadKind) IsValid() bool {
	switch k {
	case PayloadKindTelemetry, PayloadKindSystem, PayloadKindComms,
		PayloadKindHealth, PayloadKindSummary, PayloadKindCustom:
		return true
	default:
		return false
	}
}

// Payload is the typed alert body. Known fields are first-class; arbitrary
// extra metadata goes into the bounded Metadata extension map.
type Payload struct {
	Kind     PayloadKind       `json:"kind" bson:"kind"`
	Title    string            `json:"title" bson:"title"`
	Message  string            `json:"message,omitempty" bson:"message,omitempty"`
	Source   string            `json:"source,omitempty" bson:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Alert is a queued notification. Identity is AlertID; Timestamp is creation
// time and immutable once enqueued. Retention is only set for persisted
// alerts and is managed by the retention engine.
type Alert struct {
	AlertID   string             `json:"alert_id" bson:"alert_id"`
	Priority  Priority           `json:"priority" bson:"priority"`
	Timestamp time.Time          `json:"timestamp" bson:"timestamp"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	GroupID   string             `json:"group_id,omitempty" bson:"group_id,omitempty"`
	Payload   Payload            `json:"payload" bson:"payload"`
	Persisted bool               `json:"persisted" bson:"persisted"`
	Retention *RetentionMetadata `json:"retention,omitempty" bson:"retention,omitempty"`
}

// Expired reports whether the alert's expiration has passed at now.
// Alerts with no ExpiresAt never expire.
func (a *Alert) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// ProcessedAlert is the read-only projection handed to processors when an
// alert becomes visible. It never mutates the underlying queue entry.
type ProcessedAlert struct {
	Alert
	ProcessedAt time.Time `json:"processed_at"`
	Position    int       `json:"position"`
	IsGrouped   bool      `json:"is_grouped"`
	GroupCount  int       `json:"group_count,omitempty"`
}

// AlertSpec is the ingestion request validated at the service boundary.
type AlertSpec struct {
	Priority string            `json:"priority" validate:"required,oneof=critical high medium low info"`
	Kind     string            `json:"kind" validate:"required,oneof=telemetry system comms health summary custom"`
	Title    string            `json:"title" validate:"required,max=512"`
	Message  string            `json:"message" validate:"max=4096"`
	Source   string            `json:"source" validate:"max=256"`
	GroupID  string            `json:"group_id,omitempty" validate:"max=128"`
	TTL      time.Duration     `json:"ttl,omitempty" validate:"min=0"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"max=32"`
	Persist  bool              `json:"persist,omitempty"`
}

var specValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateSpec validates an ingestion spec against the closed enumerations
// and field bounds. Invalid specs are rejected at the boundary.
func ValidateSpec(spec *AlertSpec) error {
	if err := specValidator.Struct(spec); err != nil {
		return fmt.Errorf("invalid alert spec: %w", err)
	}
	return nil
}

// NewAlert builds an Alert from a validated spec, stamping identity and
// creation time from the given clock.
func NewAlert(spec *AlertSpec, clock Clock) (*Alert, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	now := clock.Now().UTC()
	alert := &Alert{
		AlertID:   uuid.New().String(),
		Priority:  Priority(spec.Priority),
		Timestamp: now,
		GroupID:   spec.GroupID,
		Persisted: spec.Persist,
		Payload: Payload{
			Kind:     PayloadKind(spec.Kind),
			Title:    spec.Title,
			Message:  spec.Message,
			Source:   spec.Source,
			Metadata: spec.Metadata,
		},
	}
	if spec.TTL > 0 {
		expires := now.Add(spec.TTL)
		alert.ExpiresAt = &expires
	}
	return alert, nil
}
