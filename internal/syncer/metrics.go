package syncer

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSynced    = "synced"
	outcomeRetried   = "retried"
	outcomeRejected  = "rejected"
	outcomeExhausted = "exhausted"
	outcomeCancelled = "cancelled"
)

var (
	attemptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitylog",
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Upload attempts made by the device orchestrator, labeled by outcome.",
	}, []string{"outcome"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "sync",
		Name:      "pending_items",
		Help:      "Queue items waiting for upload, including the one in flight.",
	})

	failedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "sync",
		Name:      "failed_items",
		Help:      "Queue items that need a manual retry or discard.",
	})

	onlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitylog",
		Subsystem: "sync",
		Name:      "online",
		Help:      "1 when the device believes the API is reachable.",
	})
)

func init() {
	prometheus.MustRegister(attemptCounter, pendingGauge, failedGauge, onlineGauge)
}

func recordAttempt(outcome string) {
	attemptCounter.WithLabelValues(outcome).Inc()
}

func observeStatus(st Status) {
	pendingGauge.Set(float64(st.PendingCount))
	failedGauge.Set(float64(st.FailedCount))
	if st.IsOnline {
		onlineGauge.Set(1)
	} else {
		onlineGauge.Set(0)
	}
}
