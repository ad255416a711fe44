package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegis/metrics"
	"aegis/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OverflowStrategy selects which alerts to evict or merge when a capacity
// bound would be exceeded.
type OverflowStrategy string

const (
	// OverflowDropOldest evicts the oldest alert at or below the incoming priority
	OverflowDropOldest OverflowStrategy = "drop_oldest"
	// OverflowDropLowest evicts one alert from the lowest occupied priority tier
	OverflowDropLowest OverflowStrategy = "drop_lowest"
	// OverflowCompress collapses clusters sharing (priority, payload kind)
	OverflowCompress OverflowStrategy = "compress"
	// OverflowSummarize replaces an over-threshold low-urgency tier with one synthetic alert
	OverflowSummarize OverflowStrategy = "summarize"
	// OverflowPaginate admits the alert; windowing is a read-side concern
	OverflowPaginate OverflowStrategy = "paginate"
)

// IsValid checks if the strategy is a known value
func (s OverflowStrategy) IsValid() bool {
	switch s {
	case OverflowDropOldest, OverflowDropLowest, OverflowCompress,
		OverflowSummarize, OverflowPaginate:
		return true
	default:
		return false
	}
}

// Processor receives alerts when they become visible. Processors are invoked
// in registration order; a processor's panic or misbehavior never affects
// its siblings or the scheduling loop.
type Processor func(alert ProcessedAlert)

// QueueConfig holds all QueueManager tunables. Every field is overridable;
// zero values fall back to defaults at construction time.
type QueueConfig struct {
	// VisibilityDelay is how long an alert of each priority sits in the
	// queue before it is handed to processors.
	VisibilityDelay map[Priority]time.Duration
	// DefaultTTL is the default expiration applied per priority when an
	// alert arrives without one. Zero disables.
	DefaultTTL map[Priority]time.Duration
	// MaxPerPriority bounds each priority tier. Zero means unbounded.
	MaxPerPriority map[Priority]int
	// MaxTotal bounds the whole heap. Zero means unbounded.
	MaxTotal int
	// Overflow runs before insertion whenever a bound would be exceeded.
	Overflow OverflowStrategy
	// PollFloor caps how long the scheduler sleeps between visibility checks.
	PollFloor time.Duration
	// CompressThreshold is the cluster size above which compress collapses
	// alerts sharing (priority, payload kind).
	CompressThreshold int
	// SummarizeThreshold is the tier size above which summarize replaces a
	// low-urgency tier with a single synthetic alert.
	SummarizeThreshold int
}

// DefaultQueueConfig returns the stock configuration: critical alerts are
// visible immediately, high after 5s, medium after 30s, low and info after
// five minutes.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		VisibilityDelay: map[Priority]time.Duration{
			PriorityCritical: 0,
			PriorityHigh:     5 * time.Second,
			PriorityMedium:   30 * time.Second,
			PriorityLow:      5 * time.Minute,
			PriorityInfo:     5 * time.Minute,
		},
		DefaultTTL:         map[Priority]time.Duration{},
		MaxPerPriority:     map[Priority]int{},
		MaxTotal:           1000,
		Overflow:           OverflowDropOldest,
		PollFloor:          time.Second,
		CompressThreshold:  3,
		SummarizeThreshold: 25,
	}
}

// queueGroup buffers same-group arrivals so only the first member occupies
// a heap slot.
type queueGroup struct {
	leaderID string
	count    int
	members  []*Alert
}

var (
	ErrQueueStopped    = errors.New("queue manager is not running")
	ErrInvalidPriority = errors.New("invalid alert priority")
)

// QueueManager owns a PriorityHeap and decides when each queued alert
// becomes visible. A single self-rearming timer drives visibility; expired
// alerts are swept before every scheduling pass and never reach processors.
type QueueManager struct {
	mu         sync.Mutex
	cfg        QueueConfig
	heap       *PriorityHeap
	groups     map[string]*queueGroup
	compressed map[string]int // representative alert id -> collapsed count
	delivered  map[string]time.Time
	processors []registeredProcessor
	nextProcID int

	clock  Clock
	logger *zap.SugaredLogger

	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type registeredProcessor struct {
	id int
	fn Processor
}

// NewQueueManager creates a queue manager. A nil clock uses the system
// clock; a nil logger discards output.
func NewQueueManager(cfg QueueConfig, clock Clock, logger *zap.SugaredLogger) *QueueManager {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultQueueConfig()
	if cfg.VisibilityDelay == nil {
		cfg.VisibilityDelay = defaults.VisibilityDelay
	}
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = defaults.PollFloor
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = defaults.CompressThreshold
	}
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = defaults.SummarizeThreshold
	}
	if !cfg.Overflow.IsValid() {
		cfg.Overflow = OverflowDropOldest
	}

	return &QueueManager{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		heap:       NewPriorityHeap(),
		groups:     make(map[string]*queueGroup),
		compressed: make(map[string]int),
		delivered:  make(map[string]time.Time),
		kick:       make(chan struct{}, 1),
	}
}

// SetLogger replaces the logger. Intended for wiring during bootstrap only.
func (qm *QueueManager) SetLogger(logger *zap.SugaredLogger) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if logger != nil {
		qm.logger = logger
	}
}

// Start launches the visibility scheduling loop. Safe to call once.
func (qm *QueueManager) Start(ctx context.Context) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	qm.cancel = cancel
	qm.done = make(chan struct{})
	qm.running = true
	go qm.run(ctx)
}

// Stop cancels the scheduling loop and waits for it to exit.
func (qm *QueueManager) Stop() {
	qm.mu.Lock()
	if !qm.running {
		qm.mu.Unlock()
		return
	}
	qm.running = false
	cancel, done := qm.cancel, qm.done
	qm.mu.Unlock()

	cancel()
	<-done
}

// AddAlert admits an alert into the queue. The expiration sweep and, when a
// bound would be exceeded, the overflow strategy both run to completion
// before insertion, so capacity invariants hold at every observable state.
func (qm *QueueManager) AddAlert(alert *Alert) (string, error) {
	if alert == nil {
		return "", errors.New("alert cannot be nil")
	}
	if !alert.Priority.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, alert.Priority)
	}

	qm.mu.Lock()
	now := qm.clockNow()
	if alert.AlertID == "" {
		alert.AlertID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}
	if alert.ExpiresAt == nil {
		if ttl := qm.cfg.DefaultTTL[alert.Priority]; ttl > 0 {
			expires := alert.Timestamp.Add(ttl)
			alert.ExpiresAt = &expires
		}
	}

	qm.sweepExpiredLocked(now)

	// Same-group arrivals after the first do not grow the heap.
	if alert.GroupID != "" {
		if grp, ok := qm.groups[alert.GroupID]; ok {
			grp.count++
			grp.members = append(grp.members, alert)
			qm.mu.Unlock()
			qm.wake()
			return alert.AlertID, nil
		}
		qm.groups[alert.GroupID] = &queueGroup{leaderID: alert.AlertID, count: 1}
	}

	if qm.overCapacityLocked(alert.Priority) {
		if !qm.runOverflowLocked(alert, now) {
			// Every queued alert is more urgent than the newcomer; dropping
			// the newcomer keeps the bound without displacing any of them.
			if alert.GroupID != "" {
				delete(qm.groups, alert.GroupID)
			}
			metrics.AlertsEvicted.WithLabelValues("drop-incoming").Inc()
			qm.mu.Unlock()
			return alert.AlertID, nil
		}
	}

	qm.heap.Enqueue(alert)
	metrics.AlertsEnqueued.WithLabelValues(alert.Priority.String()).Inc()
	metrics.QueueDepth.Set(float64(qm.heap.Len()))
	qm.mu.Unlock()

	qm.wake()
	return alert.AlertID, nil
}

// RemoveAlert deletes an alert from the heap and from any pending group.
// Returns false when the id is unknown; it never reports an error.
func (qm *QueueManager) RemoveAlert(id string) bool {
	qm.mu.Lock()
	removed := qm.heap.Remove(id)
	delete(qm.delivered, id)
	delete(qm.compressed, id)
	for gid, grp := range qm.groups {
		if grp.leaderID == id {
			delete(qm.groups, gid)
		}
	}
	metrics.QueueDepth.Set(float64(qm.heap.Len()))
	qm.mu.Unlock()

	if removed {
		qm.wake()
	}
	return removed
}

// Clear drops every queued alert, or only one priority tier when given.
func (qm *QueueManager) Clear(priority *Priority) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if priority == nil {
		qm.heap = NewPriorityHeap()
		qm.groups = make(map[string]*queueGroup)
		qm.compressed = make(map[string]int)
		qm.delivered = make(map[string]time.Time)
		metrics.QueueDepth.Set(0)
		return
	}

	for _, alert := range qm.heap.ToArray() {
		if alert.Priority == *priority {
			qm.heap.Remove(alert.AlertID)
			delete(qm.delivered, alert.AlertID)
			delete(qm.compressed, alert.AlertID)
			if alert.GroupID != "" {
				delete(qm.groups, alert.GroupID)
			}
		}
	}
	metrics.QueueDepth.Set(float64(qm.heap.Len()))
}

// AddProcessor registers a visibility callback and returns its registration
// id. Processors run in registration order per alert.
func (qm *QueueManager) AddProcessor(fn Processor) int {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.nextProcID++
	qm.processors = append(qm.processors, registeredProcessor{id: qm.nextProcID, fn: fn})
	return qm.nextProcID
}

// RemoveProcessor unregisters a processor by registration id.
func (qm *QueueManager) RemoveProcessor(id int) bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	for i, p := range qm.processors {
		if p.id == id {
			qm.processors = append(qm.processors[:i], qm.processors[i+1:]...)
			return true
		}
	}
	return false
}

// QueueStatus is a point-in-time summary of queue state.
type QueueStatus struct {
	Total      int              `json:"total"`
	ByPriority map[Priority]int `json:"by_priority"`
	Processed  int              `json:"processed"`
	Grouped    int              `json:"grouped"`
}

// GetStatus returns current queue counters.
func (qm *QueueManager) GetStatus() QueueStatus {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	status := QueueStatus{
		Total:      qm.heap.Len(),
		ByPriority: make(map[Priority]int),
		Processed:  len(qm.delivered),
	}
	for _, alert := range qm.heap.ToArray() {
		status.ByPriority[alert.Priority]++
	}
	for _, grp := range qm.groups {
		if grp.count > 1 {
			status.Grouped++
		}
	}
	status.Grouped += len(qm.compressed)
	return status
}

// GetAllAlerts returns every queued alert as a ProcessedAlert projection in
// deterministic key order. Alerts not yet visible carry a zero ProcessedAt.
func (qm *QueueManager) GetAllAlerts() []ProcessedAlert {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	entries := qm.heap.ToArray()
	out := make([]ProcessedAlert, 0, len(entries))
	for i, alert := range entries {
		out = append(out, qm.projectLocked(alert, i, qm.delivered[alert.AlertID]))
	}
	return out
}

// run is the visibility scheduling loop: one timer armed for the nearest
// deadline, capped at the poll floor, rearmed after each pass and on every
// mutation.
func (qm *QueueManager) run(ctx context.Context) {
	defer close(qm.done)
	defer goroutine.Recover("queue-scheduler", qm.logger)

	for {
		wait := qm.nextWake()
		select {
		case <-ctx.Done():
			return
		case <-qm.clock.After(wait):
			qm.deliverDue()
		case <-qm.kick:
			qm.deliverDue()
		}
	}
}

// nextWake computes the sleep until the nearest visibility deadline.
func (qm *QueueManager) nextWake() time.Duration {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	wait := qm.cfg.PollFloor
	now := qm.clockNow()
	for _, alert := range qm.heap.ToArray() {
		if _, done := qm.delivered[alert.AlertID]; done {
			continue
		}
		remaining := qm.cfg.VisibilityDelay[alert.Priority] - now.Sub(alert.Timestamp)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < wait {
			wait = remaining
		}
	}
	return wait
}

// deliverDue sweeps expired alerts, materializes every alert whose
// visibility delay has elapsed and pushes it to all registered processors.
func (qm *QueueManager) deliverDue() {
	qm.mu.Lock()
	now := qm.clockNow()
	qm.sweepExpiredLocked(now)

	var due []ProcessedAlert
	for i, alert := range qm.heap.ToArray() {
		if _, done := qm.delivered[alert.AlertID]; done {
			continue
		}
		if now.Sub(alert.Timestamp) < qm.cfg.VisibilityDelay[alert.Priority] {
			continue
		}
		qm.delivered[alert.AlertID] = now
		due = append(due, qm.projectLocked(alert, i, now))
	}
	procs := make([]registeredProcessor, len(qm.processors))
	copy(procs, qm.processors)
	qm.mu.Unlock()

	for _, pa := range due {
		metrics.AlertsDelivered.WithLabelValues(pa.Priority.String()).Inc()
		for _, p := range procs {
			qm.invokeProcessor(p, pa)
		}
	}
}

// invokeProcessor runs one processor with panic isolation so a failing
// processor never aborts its siblings or the scheduling loop.
func (qm *QueueManager) invokeProcessor(p registeredProcessor, pa ProcessedAlert) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ProcessorFailures.Inc()
			qm.logger.Errorw("Alert processor panicked",
				"processor_id", p.id,
				"alert_id", pa.AlertID,
				"panic", r)
		}
	}()
	p.fn(pa)
}

// projectLocked builds the read-only visibility projection for an alert.
func (qm *QueueManager) projectLocked(alert *Alert, position int, processedAt time.Time) ProcessedAlert {
	pa := ProcessedAlert{
		Alert:       *alert,
		ProcessedAt: processedAt,
		Position:    position,
	}
	if alert.GroupID != "" {
		if grp, ok := qm.groups[alert.GroupID]; ok && grp.leaderID == alert.AlertID {
			pa.IsGrouped = grp.count > 1
			pa.GroupCount = grp.count
		}
	}
	if count, ok := qm.compressed[alert.AlertID]; ok {
		pa.IsGrouped = true
		pa.GroupCount = count
	}
	return pa
}

func (qm *QueueManager) sweepExpiredLocked(now time.Time) {
	expired := qm.heap.RemoveExpired(now)
	for _, alert := range expired {
		delete(qm.delivered, alert.AlertID)
		delete(qm.compressed, alert.AlertID)
		if alert.GroupID != "" {
			delete(qm.groups, alert.GroupID)
		}
		metrics.AlertsExpired.WithLabelValues(alert.Priority.String()).Inc()
	}
	if len(expired) > 0 {
		metrics.QueueDepth.Set(float64(qm.heap.Len()))
	}
}

func (qm *QueueManager) overCapacityLocked(incoming Priority) bool {
	if qm.cfg.MaxTotal > 0 && qm.heap.Len()+1 > qm.cfg.MaxTotal {
		return true
	}
	if max := qm.cfg.MaxPerPriority[incoming]; max > 0 {
		count := 0
		for _, alert := range qm.heap.ToArray() {
			if alert.Priority == incoming {
				count++
			}
		}
		if count+1 > max {
			return true
		}
	}
	return false
}

// runOverflowLocked applies the configured strategy and reports whether the
// incoming alert may be admitted. Eviction is a best-effort capacity
// heuristic and is always silent; when a merging strategy cannot free a slot
// it falls back to dropping the oldest at-or-below the incoming priority.
// A more urgent alert is never evicted to admit a less urgent one, so the
// return is false when no eligible victim exists.
func (qm *QueueManager) runOverflowLocked(incoming *Alert, now time.Time) bool {
	freed := false
	switch qm.cfg.Overflow {
	case OverflowDropOldest:
		freed = qm.dropOldestLocked(incoming.Priority)
	case OverflowDropLowest:
		freed = qm.dropLowestLocked(incoming.Priority)
	case OverflowCompress:
		freed = qm.compressLocked()
	case OverflowSummarize:
		freed = qm.summarizeLocked(now)
	case OverflowPaginate:
		// Admission without eviction; readers window the result set.
		return true
	}
	if !freed {
		freed = qm.dropOldestLocked(incoming.Priority)
	}
	metrics.QueueDepth.Set(float64(qm.heap.Len()))
	return freed
}

// dropOldestLocked evicts the oldest alert whose priority is at or below
// (no more urgent than) the incoming one. Returns false when every queued
// alert outranks the newcomer.
func (qm *QueueManager) dropOldestLocked(incoming Priority) bool {
	var victim *Alert
	for _, alert := range qm.heap.ToArray() {
		if alert.Priority.Weight() < incoming.Weight() {
			continue
		}
		if victim == nil || alert.Timestamp.Before(victim.Timestamp) {
			victim = alert
		}
	}
	if victim == nil {
		return false
	}
	qm.evictLocked(victim, string(OverflowDropOldest))
	return true
}

// dropLowestLocked evicts the oldest alert from the lowest occupied tier,
// unless that tier outranks the incoming alert.
func (qm *QueueManager) dropLowestLocked(incoming Priority) bool {
	var victim *Alert
	for _, alert := range qm.heap.ToArray() {
		if victim == nil ||
			alert.Priority.Weight() > victim.Priority.Weight() ||
			(alert.Priority == victim.Priority && alert.Timestamp.Before(victim.Timestamp)) {
			victim = alert
		}
	}
	if victim == nil || victim.Priority.Weight() < incoming.Weight() {
		return false
	}
	qm.evictLocked(victim, string(OverflowDropLowest))
	return true
}

// compressLocked collapses clusters sharing (priority, payload kind) that
// exceed the compress threshold into one representative carrying a count.
func (qm *QueueManager) compressLocked() bool {
	type clusterKey struct {
		priority Priority
		kind     PayloadKind
	}
	clusters := make(map[clusterKey][]*Alert)
	for _, alert := range qm.heap.ToArray() {
		key := clusterKey{priority: alert.Priority, kind: alert.Payload.Kind}
		clusters[key] = append(clusters[key], alert)
	}

	freed := false
	for _, members := range clusters {
		if len(members) <= qm.cfg.CompressThreshold {
			continue
		}
		// ToArray is key-sorted, so members[0] is the oldest of the cluster
		// and becomes the representative.
		rep := members[0]
		qm.compressed[rep.AlertID] += len(members)
		for _, member := range members[1:] {
			qm.evictLocked(member, string(OverflowCompress))
			freed = true
		}
	}
	return freed
}

// summarizeLocked replaces every over-threshold low-urgency tier with one
// synthetic medium-priority summary alert.
func (qm *QueueManager) summarizeLocked(now time.Time) bool {
	freed := false
	for _, priority := range []Priority{PriorityLow, PriorityInfo} {
		var tier []*Alert
		for _, alert := range qm.heap.ToArray() {
			if alert.Priority == priority {
				tier = append(tier, alert)
			}
		}
		if len(tier) <= qm.cfg.SummarizeThreshold {
			continue
		}
		for _, alert := range tier {
			qm.evictLocked(alert, string(OverflowSummarize))
		}
		summary := &Alert{
			AlertID:   uuid.New().String(),
			Priority:  PriorityMedium,
			Timestamp: now,
			Payload: Payload{
				Kind:    PayloadKindSummary,
				Title:   fmt.Sprintf("%d %s alerts summarized", len(tier), priority),
				Source:  "queue-manager",
				Message: fmt.Sprintf("%d alerts of priority %s were collapsed to stay within capacity", len(tier), priority),
			},
		}
		qm.heap.Enqueue(summary)
		qm.compressed[summary.AlertID] = len(tier)
		freed = true
	}
	return freed
}

func (qm *QueueManager) evictLocked(alert *Alert, strategy string) {
	qm.heap.Remove(alert.AlertID)
	delete(qm.delivered, alert.AlertID)
	if alert.GroupID != "" {
		delete(qm.groups, alert.GroupID)
	}
	metrics.AlertsEvicted.WithLabelValues(strategy).Inc()
}

func (qm *QueueManager) clockNow() time.Time {
	return qm.clock.Now()
}

// wake nudges the scheduler to re-arm for the next deadline.
func (qm *QueueManager) wake() {
	select {
	case qm.kick <- struct{}{}:
	default:
	}
}
