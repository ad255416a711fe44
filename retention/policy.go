package retention

import (
	"fmt"
	"os"
	"time"

	"aegis/core"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so policy documents can use human-readable
// values like "720h" or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PriorityRule is one priority's retention policy entry.
type PriorityRule struct {
	// Period is how long the alert is retained after creation.
	Period Duration `yaml:"period" json:"period"`
	// GracePeriod extends retention past expiry with deletion deferred but
	// imminent. Zero disables the grace phase for this priority.
	GracePeriod Duration `yaml:"grace_period" json:"grace_period"`
	// AllowLegalHold controls whether holds may be placed on this priority.
	AllowLegalHold bool `yaml:"allow_legal_hold" json:"allow_legal_hold"`
}

// Policy is a versioned retention policy keyed by priority. Periods outside
// [MinPeriod, MaxPeriod] are clamped when resolved.
type Policy struct {
	Version string                         `yaml:"version" json:"version"`
	Default PriorityRule                   `yaml:"default" json:"default"`
	Rules   map[core.Priority]PriorityRule `yaml:"rules" json:"rules"`

	MinPeriod Duration `yaml:"min_period" json:"min_period"`
	MaxPeriod Duration `yaml:"max_period" json:"max_period"`

	// GracePeriodsEnabled globally toggles the grace phase.
	GracePeriodsEnabled bool `yaml:"grace_periods_enabled" json:"grace_periods_enabled"`

	// NotifyBefore lists the pre-expiration notification thresholds, each
	// firing at most once per alert.
	NotifyBefore []Duration `yaml:"notify_before" json:"notify_before"`

	// AuditWindow is the retention window of the audit log itself,
	// independent of alert retention.
	AuditWindow Duration `yaml:"audit_window" json:"audit_window"`
}

// DefaultPolicy returns the stock policy: critical alerts keep for a year,
// descending to a week for info, thirty-day grace periods, holds allowed on
// everything but info, and a seven-year audit window.
func DefaultPolicy() *Policy {
	day := 24 * time.Hour
	return &Policy{
		Version: "v1",
		Default: PriorityRule{
			Period:         Duration(90 * day),
			GracePeriod:    Duration(30 * day),
			AllowLegalHold: true,
		},
		Rules: map[core.Priority]PriorityRule{
			core.PriorityCritical: {Period: Duration(365 * day), GracePeriod: Duration(30 * day), AllowLegalHold: true},
			core.PriorityHigh:     {Period: Duration(180 * day), GracePeriod: Duration(30 * day), AllowLegalHold: true},
			core.PriorityMedium:   {Period: Duration(90 * day), GracePeriod: Duration(14 * day), AllowLegalHold: true},
			core.PriorityLow:      {Period: Duration(30 * day), GracePeriod: Duration(7 * day), AllowLegalHold: true},
			core.PriorityInfo:     {Period: Duration(7 * day), GracePeriod: 0, AllowLegalHold: false},
		},
		MinPeriod:           Duration(24 * time.Hour),
		MaxPeriod:           Duration(10 * 365 * day),
		GracePeriodsEnabled: true,
		NotifyBefore:        []Duration{Duration(7 * day), Duration(day)},
		AuditWindow:         Duration(7 * 365 * day),
	}
}

// LoadPolicy reads a YAML policy document from disk and validates it.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Validate checks the policy for internal consistency.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if p.MinPeriod <= 0 || p.MaxPeriod <= 0 {
		return fmt.Errorf("policy period bounds must be positive")
	}
	if p.MinPeriod > p.MaxPeriod {
		return fmt.Errorf("policy min period %s exceeds max period %s",
			p.MinPeriod.Std(), p.MaxPeriod.Std())
	}
	if p.Default.Period <= 0 {
		return fmt.Errorf("default retention period must be positive")
	}
	for priority := range p.Rules {
		if !priority.IsValid() {
			return fmt.Errorf("policy references invalid priority: %q", priority)
		}
	}
	if p.AuditWindow <= 0 {
		return fmt.Errorf("audit window must be positive")
	}
	return nil
}

// RuleFor resolves the effective rule for a priority, falling back to the
// default and clamping the period into [MinPeriod, MaxPeriod].
func (p *Policy) RuleFor(priority core.Priority) PriorityRule {
	rule, ok := p.Rules[priority]
	if !ok || rule.Period <= 0 {
		rule = p.Default
	}
	if rule.Period < p.MinPeriod {
		rule.Period = p.MinPeriod
	}
	if rule.Period > p.MaxPeriod {
		rule.Period = p.MaxPeriod
	}
	if !p.GracePeriodsEnabled {
		rule.GracePeriod = 0
	}
	return rule
}
