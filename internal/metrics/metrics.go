// Package metrics exposes Prometheus instrumentation for the mailman engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailman_queue_depth",
		Help: "Current number of .pck entries in a queue directory",
	}, []string{"queue"})

	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_queue_enqueued_total",
		Help: "Total number of messages enqueued",
	}, []string{"queue"})

	QueueDequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_queue_dequeued_total",
		Help: "Total number of messages dequeued",
	}, []string{"queue"})

	QueueShunted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_queue_shunted_total",
		Help: "Total number of messages moved to the shunt queue after handler failure",
	}, []string{"queue", "runner"})

	QueueBackupsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_queue_backups_recovered_total",
		Help: "Total number of .bak entries recovered at runner startup",
	}, []string{"queue"})

	// Lock metrics
	LockHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailman_lock_held",
		Help: "Whether this process currently holds a list lock (1) or not (0)",
	}, []string{"list"})

	LockAcquireFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_lock_acquire_failures_total",
		Help: "Total number of failed lock acquisition attempts",
	}, []string{"list"})

	LockStaleBreaks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_lock_stale_breaks_total",
		Help: "Total number of times a stale lock was forcibly broken",
	}, []string{"list"})

	// Runner metrics
	RunnerMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_runner_messages_processed_total",
		Help: "Total number of messages processed by a runner",
	}, []string{"runner", "decision"})

	RunnerProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailman_runner_processing_duration_seconds",
		Help:    "Time taken by a runner to process a single queue entry",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"runner"})

	RunnerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_runner_restarts_total",
		Help: "Total number of times the master supervisor restarted a runner",
	}, []string{"runner"})

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_delivery_attempts_total",
		Help: "Total number of SMTP delivery attempts by outcome",
	}, []string{"result"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailman_delivery_duration_seconds",
		Help:    "Time taken to complete an outbound SMTP delivery",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailman_circuit_breaker_state",
		Help: "Circuit breaker state per destination domain (0=closed, 1=half-open, 2=open)",
	}, []string{"domain"})

	// Moderation metrics
	HeldMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailman_held_messages",
		Help: "Current number of messages awaiting moderator disposition",
	}, []string{"list"})

	ModerationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_moderation_decisions_total",
		Help: "Total moderation decisions by disposition",
	}, []string{"list", "disposition"})

	// Bounce metrics
	BounceScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailman_bounce_score",
		Help: "Current bounce score for a subscriber",
	}, []string{"list", "member"})

	BounceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_bounce_events_total",
		Help: "Total bounce events processed by severity",
	}, []string{"list", "severity"})

	MembersDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_members_disabled_total",
		Help: "Total memberships disabled due to excess bounce score",
	}, []string{"list"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailman_errors_total",
		Help: "Total errors by component and type",
	}, []string{"component", "type"})
)

// RecordDelivery records the outcome and duration of an SMTP delivery attempt.
func RecordDelivery(result string, durationSeconds float64) {
	DeliveryDuration.Observe(durationSeconds)
	DeliveryAttempts.WithLabelValues(result).Inc()
}

// RecordShunt records a message being moved to the shunt queue.
func RecordShunt(queue, runner string) {
	QueueShunted.WithLabelValues(queue, runner).Inc()
}

// RecordModerationDecision records a moderator disposition for a held message.
func RecordModerationDecision(list, disposition string) {
	ModerationDecisions.WithLabelValues(list, disposition).Inc()
}

// RecordBounceEvent records a single bounce event and its severity.
func RecordBounceEvent(list, severity string) {
	BounceEvents.WithLabelValues(list, severity).Inc()
}

// RecordError records an error by component and type.
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
