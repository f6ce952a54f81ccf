// Package observability registers process-wide Prometheus collectors.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsPersistedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "persistence",
		Name:      "events_persisted_total",
		Help:      "Number of activity events appended to the log, labeled by write mode.",
	}, []string{"mode"})
	lastPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "persistence",
		Name:      "last_event_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent event appended to Postgres.",
	})
	lastRollupGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "rollups",
		Name:      "last_rollup_applied_timestamp_seconds",
		Help:      "Unix timestamp of the most recent event folded into daily rollups.",
	})
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, labeled by method, route pattern and status code.",
	}, []string{"method", "route", "status"})
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "activitylog",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(eventsPersistedCounter, lastPersistGauge, lastRollupGauge, httpRequests, httpDuration)
}

// RecordEventsPersisted counts appended events and moves the persistence watermark.
func RecordEventsPersisted(mode string, n int, ts time.Time) {
	if n <= 0 {
		return
	}
	eventsPersistedCounter.WithLabelValues(mode).Add(float64(n))
	if !ts.IsZero() {
		lastPersistGauge.Set(float64(ts.Unix()))
	}
}

// RecordRollupApplied updates the rollup watermark gauge.
func RecordRollupApplied(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastRollupGauge.Set(float64(ts.Unix()))
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
