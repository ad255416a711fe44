package core

import (
	"errors"
	"fmt"
	"time"

	"aegis/metrics"
	"aegis/util"

	"github.com/cespare/xxhash/v2"
	"github.com/dlclark/regexp2"
	"github.com/google/uuid"
)

// DismissBehavior is the per-priority policy governing how alerts may be
// dismissed.
type DismissBehavior string

const (
	// DismissBehaviorPersistent alerts are never auto-dismissible and
	// require explicit acknowledgment.
	DismissBehaviorPersistent DismissBehavior = "persistent"
	// DismissBehaviorSticky alerts require explicit acknowledgment but are
	// not immune to force.
	DismissBehaviorSticky DismissBehavior = "sticky"
	// DismissBehaviorBlocking alerts cannot be dismissed until acknowledged.
	DismissBehaviorBlocking DismissBehavior = "blocking"
	// DismissBehaviorAutoHide alerts hide on their own and are manually
	// dismissible after a minimum view time.
	DismissBehaviorAutoHide DismissBehavior = "auto_hide"
	// DismissBehaviorTimeout alerts are auto-dismissed after a fixed delay.
	DismissBehaviorTimeout DismissBehavior = "timeout"
)

// DismissalType identifies who or what initiated a dismissal.
type DismissalType string

const (
	DismissUser         DismissalType = "user"
	DismissAutoPriority DismissalType = "auto-priority"
	DismissBulk         DismissalType = "bulk"
	DismissConditional  DismissalType = "conditional"
	DismissTimeout      DismissalType = "timeout"
)

// DismissalRule is one priority's dismissal policy entry.
type DismissalRule struct {
	Behavior DismissBehavior `json:"behavior"`
	// MinViewTime gates manual dismissal for auto-hide alerts.
	MinViewTime time.Duration `json:"min_view_time,omitempty"`
	// HideAfter is when an auto-hide alert hides on its own.
	HideAfter time.Duration `json:"hide_after,omitempty"`
	// TimeoutAfter is when a timeout alert is auto-dismissed.
	TimeoutAfter time.Duration `json:"timeout_after,omitempty"`
}

// DefaultDismissalRules returns the stock per-priority rule table.
func DefaultDismissalRules() map[Priority]DismissalRule {
	return map[Priority]DismissalRule{
		PriorityCritical: {Behavior: DismissBehaviorPersistent},
		PriorityHigh:     {Behavior: DismissBehaviorSticky},
		PriorityMedium:   {Behavior: DismissBehaviorAutoHide, HideAfter: 30 * time.Second, MinViewTime: 3 * time.Second},
		PriorityLow:      {Behavior: DismissBehaviorTimeout, TimeoutAfter: 60 * time.Second},
		PriorityInfo:     {Behavior: DismissBehaviorAutoHide, HideAfter: 15 * time.Second},
	}
}

// DismissalState records whether and how a group was dismissed. Once
// IsDismissed is set, reversal is only possible before UndoExpiresAt and
// only when Undoable.
type DismissalState struct {
	IsDismissed   bool          `json:"is_dismissed"`
	DismissedAt   time.Time     `json:"dismissed_at,omitempty"`
	Type          DismissalType `json:"dismissal_type,omitempty"`
	Undoable      bool          `json:"undoable"`
	UndoExpiresAt time.Time     `json:"undo_expires_at,omitempty"`
}

// DismissOptions tunes a single dismissal request.
type DismissOptions struct {
	// Force overrides rule rejections.
	Force bool
	// Acknowledged marks the operator as having explicitly acknowledged the
	// alert, which persistent, sticky and blocking behaviors require.
	Acknowledged bool
	// DryRun reports what would happen without mutating state. Only honored
	// by bulk and conditional dismissal.
	DryRun bool
}

// DismissalAction is one undoable entry in the bounded dismissal history.
type DismissalAction struct {
	ActionID      string        `json:"action_id"`
	GroupIDs      []string      `json:"group_ids"`
	AlertIDs      []string      `json:"alert_ids"`
	Type          DismissalType `json:"type"`
	DismissedAt   time.Time     `json:"dismissed_at"`
	Undoable      bool          `json:"undoable"`
	UndoExpiresAt time.Time     `json:"undo_expires_at"`
}

// DismissCriteria selects alerts for conditional dismissal. All set fields
// must match.
type DismissCriteria struct {
	Priorities    []Priority
	SourcePattern string
	OlderThan     time.Duration
	MinGroupSize  int
	Predicate     func(alert *Alert) bool
}

// BulkDismissResult reports the outcome of a bulk or conditional dismissal.
type BulkDismissResult struct {
	Dismissed []string          `json:"dismissed"`
	Skipped   map[string]string `json:"skipped,omitempty"`
	ActionID  string            `json:"action_id,omitempty"`
	DryRun    bool              `json:"dry_run,omitempty"`
}

// ErrDismissalNotAllowed is returned when a priority's rule rejects the
// requested dismissal type. Callers may retry with force or another type.
var ErrDismissalNotAllowed = errors.New("dismissal not allowed")

// undoWindow is how long a dismissal action stays reversible.
const undoWindow = 5 * time.Minute

// DismissAlert dismisses the group owning the alert (creating a manual
// group of one for ungrouped alerts). It returns (false, nil) for unknown
// ids and a wrapped ErrDismissalNotAllowed when the priority's rule rejects
// the request.
func (ge *GroupingEngine) DismissAlert(alertID string, dtype DismissalType, opts DismissOptions) (bool, error) {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	alert, ok := ge.alerts[alertID]
	if !ok {
		return false, nil
	}

	if err := ge.checkRuleLocked(alert, dtype, opts); err != nil {
		return false, err
	}

	group := ge.owningGroupLocked(alert)
	now := ge.clock.Now()
	ge.markDismissedLocked(group, dtype, now)
	ge.recordActionLocked([]*AlertGroup{group}, dtype, now)
	metrics.Dismissals.WithLabelValues(string(dtype)).Inc()
	return true, nil
}

// BulkDismiss applies the single-alert rule check across a set of ids.
// Per-alert rejections are reported in Skipped rather than aborting the
// batch. DryRun reports matches without mutating state.
func (ge *GroupingEngine) BulkDismiss(alertIDs []string, dtype DismissalType, opts DismissOptions) BulkDismissResult {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	return ge.dismissManyLocked(alertIDs, dtype, opts)
}

// ConditionalDismiss dismisses every alert matching the criteria.
func (ge *GroupingEngine) ConditionalDismiss(criteria DismissCriteria, opts DismissOptions) (BulkDismissResult, error) {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	var sourceRe *regexp2.Regexp
	if criteria.SourcePattern != "" {
		re, err := util.CompilePattern(criteria.SourcePattern)
		if err != nil {
			return BulkDismissResult{}, fmt.Errorf("invalid source pattern: %w", err)
		}
		sourceRe = re
	}

	now := ge.clock.Now()
	var matched []string
	for id, alert := range ge.alerts {
		if !ge.matchesCriteriaLocked(alert, criteria, sourceRe, now) {
			continue
		}
		matched = append(matched, id)
	}
	return ge.dismissManyLocked(matched, DismissConditional, opts), nil
}

// UndoDismissal reverses a dismissal action while its undo window is open,
// restoring every affected group and removing the action from history.
func (ge *GroupingEngine) UndoDismissal(actionID string) bool {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	idx := -1
	var action *DismissalAction
	for i, a := range ge.history {
		if a.ActionID == actionID {
			idx, action = i, a
			break
		}
	}
	if action == nil {
		return false
	}

	now := ge.clock.Now()
	if !action.Undoable || !now.Before(action.UndoExpiresAt) {
		return false
	}

	for _, groupID := range action.GroupIDs {
		if group, ok := ge.groups[groupID]; ok {
			group.Dismissal = DismissalState{}
		}
	}
	ge.history = append(ge.history[:idx], ge.history[idx+1:]...)
	metrics.Undos.Inc()
	return true
}

// DismissalHistory returns a copy of the bounded undo history, newest last.
func (ge *GroupingEngine) DismissalHistory() []DismissalAction {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	out := make([]DismissalAction, len(ge.history))
	for i, action := range ge.history {
		out[i] = *action
	}
	return out
}

// SweepAutoDismiss auto-dismisses groups whose timeout or auto-hide delay
// has elapsed. Intended to be driven periodically by the host.
func (ge *GroupingEngine) SweepAutoDismiss() int {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	now := ge.clock.Now()
	dismissed := 0
	for _, group := range ge.groups {
		if group.Dismissal.IsDismissed {
			continue
		}
		primary, ok := ge.alerts[group.PrimaryID]
		if !ok {
			continue
		}
		rule := ge.ruleForLocked(primary.Priority)
		seen, haveSeen := ge.seenAt[primary.AlertID]
		if !haveSeen {
			continue
		}

		var deadline time.Time
		switch rule.Behavior {
		case DismissBehaviorTimeout:
			if rule.TimeoutAfter <= 0 {
				continue
			}
			deadline = seen.Add(rule.TimeoutAfter)
		case DismissBehaviorAutoHide:
			if rule.HideAfter <= 0 {
				continue
			}
			deadline = seen.Add(rule.HideAfter)
		default:
			continue
		}

		if !deadline.After(now) {
			ge.markDismissedLocked(group, DismissTimeout, now)
			metrics.Dismissals.WithLabelValues(string(DismissTimeout)).Inc()
			dismissed++
		}
	}
	return dismissed
}

func (ge *GroupingEngine) dismissManyLocked(alertIDs []string, dtype DismissalType, opts DismissOptions) BulkDismissResult {
	result := BulkDismissResult{
		Skipped: make(map[string]string),
		DryRun:  opts.DryRun,
	}

	now := ge.clock.Now()
	var groups []*AlertGroup
	seen := make(map[string]bool)
	for _, id := range alertIDs {
		alert, ok := ge.alerts[id]
		if !ok {
			result.Skipped[id] = "not found"
			continue
		}
		if err := ge.checkRuleLocked(alert, dtype, opts); err != nil {
			result.Skipped[id] = err.Error()
			continue
		}
		result.Dismissed = append(result.Dismissed, id)
		if opts.DryRun {
			continue
		}
		group := ge.owningGroupLocked(alert)
		if !seen[group.GroupID] {
			seen[group.GroupID] = true
			groups = append(groups, group)
			ge.markDismissedLocked(group, dtype, now)
			metrics.Dismissals.WithLabelValues(string(dtype)).Inc()
		}
	}

	if !opts.DryRun && len(groups) > 0 {
		action := ge.recordActionLocked(groups, dtype, now)
		result.ActionID = action.ActionID
	}
	return result
}

// checkRuleLocked enforces the dismissal rule table for one alert.
func (ge *GroupingEngine) checkRuleLocked(alert *Alert, dtype DismissalType, opts DismissOptions) error {
	if opts.Force {
		return nil
	}
	rule := ge.ruleForLocked(alert.Priority)

	switch rule.Behavior {
	case DismissBehaviorPersistent, DismissBehaviorBlocking:
		if dtype == DismissAutoPriority || dtype == DismissTimeout {
			return fmt.Errorf("%w: %s alerts cannot be auto-dismissed", ErrDismissalNotAllowed, rule.Behavior)
		}
		if !opts.Acknowledged {
			return fmt.Errorf("%w: %s alerts require explicit acknowledgment", ErrDismissalNotAllowed, rule.Behavior)
		}
	case DismissBehaviorSticky:
		if !opts.Acknowledged && dtype != DismissAutoPriority {
			return fmt.Errorf("%w: sticky alerts require explicit acknowledgment", ErrDismissalNotAllowed)
		}
	case DismissBehaviorAutoHide:
		if rule.MinViewTime > 0 && dtype == DismissUser {
			// An alert that has not been shown yet has zero view time.
			seen, ok := ge.seenAt[alert.AlertID]
			if !ok || ge.clock.Now().Sub(seen) < rule.MinViewTime {
				return fmt.Errorf("%w: minimum view time not reached", ErrDismissalNotAllowed)
			}
		}
	}
	return nil
}

func (ge *GroupingEngine) ruleForLocked(priority Priority) DismissalRule {
	if rule, ok := ge.rules[priority]; ok {
		return rule
	}
	return DismissalRule{Behavior: DismissBehaviorSticky}
}

// owningGroupLocked resolves the group containing an alert, creating a
// manual group of one for ungrouped alerts so dismissal state is tracked
// uniformly.
func (ge *GroupingEngine) owningGroupLocked(alert *Alert) *AlertGroup {
	if groupID, ok := ge.byAlert[alert.AlertID]; ok {
		return ge.groups[groupID]
	}

	key := "manual:" + alert.AlertID
	groupID := fmt.Sprintf("grp-%016x", xxhash.Sum64String(key))
	group := &AlertGroup{
		GroupID:   groupID,
		GroupKey:  key,
		MemberIDs: []string{alert.AlertID},
		PrimaryID: alert.AlertID,
		Type:      GroupTypeManual,
	}
	ge.groups[groupID] = group
	ge.byKey[key] = groupID
	ge.byAlert[alert.AlertID] = groupID
	return group
}

func (ge *GroupingEngine) markDismissedLocked(group *AlertGroup, dtype DismissalType, now time.Time) {
	undoable := dtype != DismissAutoPriority && dtype != DismissTimeout
	state := DismissalState{
		IsDismissed: true,
		DismissedAt: now,
		Type:        dtype,
		Undoable:    undoable,
	}
	if undoable {
		state.UndoExpiresAt = now.Add(undoWindow)
	}
	group.Dismissal = state
}

// recordActionLocked pushes an action onto the bounded undo history,
// evicting the oldest entry when full.
func (ge *GroupingEngine) recordActionLocked(groups []*AlertGroup, dtype DismissalType, now time.Time) *DismissalAction {
	action := &DismissalAction{
		ActionID:    uuid.New().String(),
		Type:        dtype,
		DismissedAt: now,
		Undoable:    dtype != DismissAutoPriority && dtype != DismissTimeout,
	}
	if action.Undoable {
		action.UndoExpiresAt = now.Add(undoWindow)
	}
	for _, group := range groups {
		action.GroupIDs = append(action.GroupIDs, group.GroupID)
		action.AlertIDs = append(action.AlertIDs, group.MemberIDs...)
	}

	ge.history = append(ge.history, action)
	if len(ge.history) > ge.maxUndo {
		ge.history = ge.history[len(ge.history)-ge.maxUndo:]
	}
	return action
}

func (ge *GroupingEngine) matchesCriteriaLocked(alert *Alert, criteria DismissCriteria, sourceRe *regexp2.Regexp, now time.Time) bool {
	if len(criteria.Priorities) > 0 {
		found := false
		for _, p := range criteria.Priorities {
			if alert.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sourceRe != nil {
		matched, err := sourceRe.MatchString(alert.Payload.Source)
		if err != nil || !matched {
			return false
		}
	}
	if criteria.OlderThan > 0 && now.Sub(alert.Timestamp) < criteria.OlderThan {
		return false
	}
	if criteria.MinGroupSize > 0 {
		groupID, ok := ge.byAlert[alert.AlertID]
		if !ok {
			return false
		}
		if group := ge.groups[groupID]; group == nil || group.Size() < criteria.MinGroupSize {
			return false
		}
	}
	if criteria.Predicate != nil && !criteria.Predicate(alert) {
		return false
	}
	return true
}
