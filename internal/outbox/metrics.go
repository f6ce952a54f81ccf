package outbox

import "github.com/prometheus/client_golang/prometheus"

// Outbox side: how recorded activity events leave Postgres for the activity_events topic.
var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "outbox",
		Name:      "activity_events_published_total",
		Help:      "Recorded activity events acknowledged by Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "outbox",
		Name:      "activity_events_publish_failed_total",
		Help:      "Recorded activity events whose publish failed; each one is parked in outbox_dlq.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "activitylog",
		Subsystem: "outbox",
		Name:      "dispatch_batch_seconds",
		Help:      "Wall time of one dispatcher batch from claim to published_at update.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "outbox",
		Name:      "dlq_parked_total",
		Help:      "Outbox rows parked in outbox_dlq, by destination topic.",
	}, []string{"topic"})
)

// DLQ manager side. Labels are topic and activity event type.
var (
	dlqProcessedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "dlq",
		Name:      "entries_handled_total",
		Help:      "Parked entries the DLQ manager requeued or quarantined.",
	}, []string{"topic", "event_type"})

	dlqRequeuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "dlq",
		Name:      "entries_requeued_total",
		Help:      "Parked entries copied back into the outbox for another publish attempt.",
	}, []string{"topic", "event_type"})

	dlqQuarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "dlq",
		Name:      "entries_quarantined_total",
		Help:      "Parked entries given up on after dlq.max_retries; they need an operator.",
	}, []string{"topic", "event_type"})

	dlqRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "dlq",
		Name:      "retries_deferred_total",
		Help:      "Requeue attempts that failed and were pushed back by the exponential delay.",
	}, []string{"topic", "event_type"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "dlq",
		Name:      "backlog_entries",
		Help:      "Parked entries not yet requeued or quarantined.",
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, dlqCounter)
	prometheus.MustRegister(dlqProcessedCounter, dlqRequeuedCounter, dlqQuarantinedCounter, dlqRetryCounter, dlqBacklogGauge)
}

func recordDLQProcessed(entry dlqEntry) {
	dlqProcessedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func recordDLQRequeued(entry dlqEntry) {
	dlqRequeuedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func recordDLQQuarantined(entry dlqEntry) {
	dlqQuarantinedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func recordDLQRetry(entry dlqEntry) {
	dlqRetryCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}
