// Package metrics defines the Prometheus instrumentation shared by all
// Aegis components. Metrics are registered once at import time via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_enqueued_total",
			Help: "Total number of alerts admitted into the queue",
		},
		[]string{"priority"},
	)

	AlertsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_delivered_total",
			Help: "Total number of alerts handed to processors",
		},
		[]string{"priority"},
	)

	AlertsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_expired_total",
			Help: "Total number of alerts swept before reaching processors",
		},
		[]string{"priority"},
	)

	AlertsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_alerts_evicted_total",
			Help: "Total number of alerts removed by an overflow strategy",
		},
		[]string{"strategy"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_queue_depth",
			Help: "Current number of alerts in the priority heap",
		},
	)

	ProcessorFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_processor_failures_total",
			Help: "Total number of processor panics caught by the scheduler",
		},
	)

	GroupsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_groups_active",
			Help: "Current number of official alert groups",
		},
	)

	Dismissals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_dismissals_total",
			Help: "Total number of group dismissals",
		},
		[]string{"type"},
	)

	Undos = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_dismissal_undos_total",
			Help: "Total number of dismissals reversed within the undo window",
		},
	)

	RetentionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_retention_transitions_total",
			Help: "Total number of retention status transitions",
		},
		[]string{"status"},
	)

	RetentionPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_retention_purged_total",
			Help: "Purge outcomes per alert (deleted, skipped_grace, skipped_hold, failed)",
		},
		[]string{"outcome"},
	)

	PurgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_retention_purge_duration_seconds",
			Help:    "Time taken by one retention cleanup pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_audit_entries_total",
			Help: "Total number of audit log entries appended",
		},
		[]string{"action"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_notifications_sent_total",
			Help: "Total number of retention notifications sent",
		},
		[]string{"sink", "kind"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_notifications_dropped_total",
			Help: "Notifications dropped by rate limiting or sink failure",
		},
		[]string{"sink", "reason"},
	)

	// DeadLetterInsertFailures counts alerts that could not be parked in the
	// dead letter collection after a failed batch insert
	DeadLetterInsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_dead_letter_insert_failures_total",
			Help: "Failures writing alerts to the dead letter collection",
		},
	)
)
