package consumer

import "github.com/prometheus/client_golang/prometheus"

// Rollup consumer metrics. Labels carry the Kafka topic and, where decoded, the activity event type.
var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "rollup",
		Name:      "events_applied_total",
		Help:      "Activity events handled and committed, including ones the rollup handler ignores.",
	}, []string{"topic", "event_type"})

	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "rollup",
		Name:      "apply_errors_total",
		Help:      "Failed rollup updates; the offset is not committed and the event is retried.",
	}, []string{"topic", "event_type"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "rollup",
		Name:      "malformed_messages_total",
		Help:      "Records without a valid activity_event.recorded envelope; committed and skipped.",
	}, []string{"topic"})

	duplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "rollup",
		Name:      "redeliveries_skipped_total",
		Help:      "Events already counted in activity_daily_rollups, seen again after a redelivery.",
	})

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "rollup",
		Name:      "last_applied_timestamp_seconds",
		Help:      "Kafka timestamp of the newest committed activity event, for lag alerts.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, duplicateCounter, lastMessageGauge)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
