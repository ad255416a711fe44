package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"aegis/metrics"
	"aegis/util"

	"github.com/cespare/xxhash/v2"
	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// GroupType classifies how an alert group was formed
type GroupType string

const (
	GroupTypeAutomatic   GroupType = "automatic"
	GroupTypeManual      GroupType = "manual"
	GroupTypeConditional GroupType = "conditional"
)

// GroupFunc fully overrides the built-in criteria when set. It returns the
// grouping key for an alert, or ok=false when the alert should stay alone.
type GroupFunc func(alert *Alert) (key string, ok bool)

// GroupCriteria selects which similarity signals contribute grouping keys.
// Criteria are evaluated in a fixed order (custom, source, metadata, regex,
// title similarity, time bucket) and the first match claims the alert, so
// every alert belongs to at most one group.
type GroupCriteria struct {
	// SameSource groups alerts sharing an exact payload source.
	SameSource bool
	// SamePriority further partitions every grouping key by priority.
	SamePriority bool
	// MessagePattern groups alerts whose message matches this regex.
	// Evaluation is timeout-guarded to keep pathological patterns from
	// stalling the pipeline.
	MessagePattern string
	// TitleSimilarity groups alerts whose normalized title similarity
	// (1 - editDistance/maxLen) meets this threshold. Zero disables.
	TitleSimilarity float64
	// TimeBucket groups alerts into fixed-width windows. Zero disables.
	TimeBucket time.Duration
	// MetadataKeys groups alerts agreeing exactly on all listed keys.
	MetadataKeys []string
	// Custom overrides all built-in criteria when non-nil.
	Custom GroupFunc
}

// DefaultGroupCriteria groups by exact source within one-minute buckets.
func DefaultGroupCriteria() GroupCriteria {
	return GroupCriteria{
		SameSource:      true,
		TitleSimilarity: 0.85,
		TimeBucket:      time.Minute,
	}
}

// AlertGroup is a cluster of related alerts. Members are held by id with the
// engine's arena owning the alerts themselves; PrimaryID is always the
// highest-priority, then-newest member.
type AlertGroup struct {
	GroupID   string         `json:"group_id"`
	GroupKey  string         `json:"group_key"`
	MemberIDs []string       `json:"member_ids"`
	PrimaryID string         `json:"primary_id"`
	Type      GroupType      `json:"group_type"`
	Dismissal DismissalState `json:"dismissal_state"`
}

// Size returns the member count.
func (g *AlertGroup) Size() int {
	return len(g.MemberIDs)
}

// Official reports whether the cluster has enough members to count as a
// real group.
func (g *AlertGroup) Official() bool {
	return len(g.MemberIDs) >= 2
}

// GroupingEngine clusters visible alerts by configurable similarity criteria
// and governs dismissal. It owns an arena of alerts indexed by id; groups
// hold member id lists and a reverse index makes "find group containing
// alert" O(1).
type GroupingEngine struct {
	mu       sync.Mutex
	criteria GroupCriteria
	clock    Clock
	logger   *zap.SugaredLogger

	alerts   map[string]*Alert      // arena: alert id -> alert
	seenAt   map[string]time.Time   // alert id -> first visible time
	groups   map[string]*AlertGroup // group id -> group
	byKey    map[string]string      // group key -> group id
	byAlert  map[string]string      // reverse index: alert id -> group id
	keyCache *lru.LRU[string, string]

	messageRe *regexp2.Regexp

	rules   map[Priority]DismissalRule
	history []*DismissalAction
	maxUndo int
}

// NewGroupingEngine creates a grouping engine. A nil clock uses the system
// clock; a nil logger discards output.
func NewGroupingEngine(criteria GroupCriteria, clock Clock, logger *zap.SugaredLogger) (*GroupingEngine, error) {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var messageRe *regexp2.Regexp
	if criteria.MessagePattern != "" {
		re, err := util.CompilePattern(criteria.MessagePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid message pattern: %w", err)
		}
		messageRe = re
	}

	ttl := criteria.TimeBucket
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &GroupingEngine{
		criteria:  criteria,
		clock:     clock,
		logger:    logger,
		alerts:    make(map[string]*Alert),
		seenAt:    make(map[string]time.Time),
		groups:    make(map[string]*AlertGroup),
		byKey:     make(map[string]string),
		byAlert:   make(map[string]string),
		keyCache:  lru.NewLRU[string, string](4096, nil, 4*ttl),
		messageRe: messageRe,
		rules:     DefaultDismissalRules(),
		maxUndo:   50,
	}, nil
}

// SetDismissalRule overrides the dismissal behavior for one priority.
func (ge *GroupingEngine) SetDismissalRule(priority Priority, rule DismissalRule) {
	ge.mu.Lock()
	defer ge.mu.Unlock()
	ge.rules[priority] = rule
}

// AnalyzeAndGroup admits an alert into the engine and clusters it with
// related alerts. It returns the alert's group when the cluster has reached
// official size (two or more members), nil otherwise. View-relative
// dismissal timers do not start here; they start at MarkVisible.
func (ge *GroupingEngine) AnalyzeAndGroup(alert *Alert) *AlertGroup {
	if alert == nil {
		return nil
	}

	ge.mu.Lock()
	defer ge.mu.Unlock()

	ge.alerts[alert.AlertID] = alert

	key, ok := ge.groupKeyLocked(alert)
	if !ok {
		return nil
	}

	groupID, exists := ge.byKey[key]
	if !exists {
		groupID = fmt.Sprintf("grp-%016x", xxhash.Sum64String(key))
		ge.groups[groupID] = &AlertGroup{
			GroupID:  groupID,
			GroupKey: key,
			Type:     GroupTypeAutomatic,
		}
		ge.byKey[key] = groupID
	}

	group := ge.groups[groupID]
	if ge.byAlert[alert.AlertID] != groupID {
		group.MemberIDs = append(group.MemberIDs, alert.AlertID)
		ge.byAlert[alert.AlertID] = groupID
		ge.electPrimaryLocked(group)
	}

	if group.Official() {
		metrics.GroupsActive.Set(float64(ge.officialCountLocked()))
		return ge.cloneGroupLocked(group)
	}
	return nil
}

// MarkVisible records when an alert was first shown to an operator. Auto-hide
// and timeout dismissal deadlines are measured from this instant, not from
// ingestion, so an alert still waiting out its visibility delay is never
// swept. The first stamp wins; later calls are no-ops.
func (ge *GroupingEngine) MarkVisible(alertID string, at time.Time) {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	if _, ok := ge.alerts[alertID]; !ok {
		return
	}
	if _, ok := ge.seenAt[alertID]; !ok {
		ge.seenAt[alertID] = at
	}
}

// GroupFor returns the official group containing the alert, or nil.
func (ge *GroupingEngine) GroupFor(alertID string) *AlertGroup {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	groupID, ok := ge.byAlert[alertID]
	if !ok {
		return nil
	}
	group := ge.groups[groupID]
	if group == nil || !group.Official() {
		return nil
	}
	return ge.cloneGroupLocked(group)
}

// Groups returns every official group, sorted by group id for determinism.
func (ge *GroupingEngine) Groups() []*AlertGroup {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	var out []*AlertGroup
	for _, group := range ge.groups {
		if group.Official() {
			out = append(out, ge.cloneGroupLocked(group))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// Forget drops an alert from the arena and from its pending or official
// group, re-electing the representative when needed.
func (ge *GroupingEngine) Forget(alertID string) {
	ge.mu.Lock()
	defer ge.mu.Unlock()

	delete(ge.alerts, alertID)
	delete(ge.seenAt, alertID)

	groupID, ok := ge.byAlert[alertID]
	if !ok {
		return
	}
	delete(ge.byAlert, alertID)

	group := ge.groups[groupID]
	if group == nil {
		return
	}
	for i, id := range group.MemberIDs {
		if id == alertID {
			group.MemberIDs = append(group.MemberIDs[:i], group.MemberIDs[i+1:]...)
			break
		}
	}
	if len(group.MemberIDs) == 0 {
		delete(ge.groups, groupID)
		delete(ge.byKey, group.GroupKey)
		return
	}
	ge.electPrimaryLocked(group)
}

// groupKeyLocked computes the first matching criterion's key for an alert.
func (ge *GroupingEngine) groupKeyLocked(alert *Alert) (string, bool) {
	if ge.criteria.Custom != nil {
		key, ok := ge.criteria.Custom(alert)
		if !ok {
			return "", false
		}
		return ge.scopeKeyLocked(alert, "custom:"+key), true
	}

	if cached, ok := ge.keyCache.Get(alert.AlertID); ok {
		return cached, true
	}

	if key, ok := ge.builtinKeyLocked(alert); ok {
		ge.keyCache.Add(alert.AlertID, key)
		return key, true
	}
	return "", false
}

func (ge *GroupingEngine) builtinKeyLocked(alert *Alert) (string, bool) {
	if ge.criteria.SameSource && alert.Payload.Source != "" {
		return ge.scopeKeyLocked(alert, "source:"+alert.Payload.Source), true
	}

	if len(ge.criteria.MetadataKeys) > 0 && alert.Payload.Metadata != nil {
		parts := make([]string, 0, len(ge.criteria.MetadataKeys))
		complete := true
		for _, key := range ge.criteria.MetadataKeys {
			value, ok := alert.Payload.Metadata[key]
			if !ok {
				complete = false
				break
			}
			parts = append(parts, key+"="+value)
		}
		if complete {
			return ge.scopeKeyLocked(alert, "meta:"+strings.Join(parts, "|")), true
		}
	}

	if ge.messageRe != nil {
		matched, err := ge.messageRe.MatchString(alert.Payload.Message)
		if err != nil {
			ge.logger.Warnw("Message pattern evaluation failed",
				"alert_id", alert.AlertID,
				"error", err)
		} else if matched {
			return ge.scopeKeyLocked(alert, "pattern:"+ge.criteria.MessagePattern), true
		}
	}

	if ge.criteria.TitleSimilarity > 0 {
		if key, ok := ge.similarTitleKeyLocked(alert); ok {
			return key, true
		}
	}

	if ge.criteria.TimeBucket > 0 {
		bucket := alert.Timestamp.Truncate(ge.criteria.TimeBucket).Unix()
		return ge.scopeKeyLocked(alert, fmt.Sprintf("bucket:%d", bucket)), true
	}

	return "", false
}

// similarTitleKeyLocked joins the alert to the best existing group whose
// representative title meets the similarity threshold.
func (ge *GroupingEngine) similarTitleKeyLocked(alert *Alert) (string, bool) {
	bestScore := ge.criteria.TitleSimilarity
	bestKey := ""
	for _, group := range ge.groups {
		if !isTitleKey(group.GroupKey) {
			continue
		}
		primary, ok := ge.alerts[group.PrimaryID]
		if !ok {
			continue
		}
		if ge.criteria.SamePriority && primary.Priority != alert.Priority {
			continue
		}
		score := TitleSimilarity(alert.Payload.Title, primary.Payload.Title)
		if score >= bestScore {
			bestScore = score
			bestKey = group.GroupKey
		}
	}
	if bestKey != "" {
		return bestKey, true
	}
	// Seed a new similarity cluster keyed by this alert's own title.
	return ge.scopeKeyLocked(alert, "title:"+normalizeTitle(alert.Payload.Title)), true
}

func (ge *GroupingEngine) scopeKeyLocked(alert *Alert, key string) string {
	if ge.criteria.SamePriority {
		return string(alert.Priority) + "/" + key
	}
	return key
}

// isTitleKey recognizes similarity-cluster keys with or without a priority
// scope prefix.
func isTitleKey(key string) bool {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		key = key[i+1:]
	}
	return strings.HasPrefix(key, "title:")
}

// electPrimaryLocked selects the highest-priority, then-newest member as the
// group representative. The primary is always a member.
func (ge *GroupingEngine) electPrimaryLocked(group *AlertGroup) {
	var primary *Alert
	for _, id := range group.MemberIDs {
		member, ok := ge.alerts[id]
		if !ok {
			continue
		}
		if primary == nil {
			primary = member
			continue
		}
		if member.Priority.Weight() < primary.Priority.Weight() ||
			(member.Priority.Weight() == primary.Priority.Weight() &&
				member.Timestamp.After(primary.Timestamp)) {
			primary = member
		}
	}
	if primary != nil {
		group.PrimaryID = primary.AlertID
	}
}

func (ge *GroupingEngine) officialCountLocked() int {
	count := 0
	for _, group := range ge.groups {
		if group.Official() {
			count++
		}
	}
	return count
}

func (ge *GroupingEngine) cloneGroupLocked(group *AlertGroup) *AlertGroup {
	clone := *group
	clone.MemberIDs = make([]string, len(group.MemberIDs))
	copy(clone.MemberIDs, group.MemberIDs)
	return &clone
}

// TitleSimilarity returns 1 - editDistance/maxLen over normalized titles,
// in [0, 1]. Distance and length are measured in runes so multibyte titles
// score the same as ASCII ones. Two empty titles are fully similar.
func TitleSimilarity(a, b string) float64 {
	na, nb := []rune(normalizeTitle(a)), []rune(normalizeTitle(b))
	maxLen := len(na)
	if len(nb) > maxLen {
		maxLen = len(nb)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(editDistance(na, nb))/float64(maxLen)
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// editDistance computes the Levenshtein distance with a two-row table.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
