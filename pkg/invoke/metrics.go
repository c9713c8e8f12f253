package invoke

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "invoke",
		Name:      "attempts_total",
		Help:      "Stage invocation attempts by stage.",
	}, []string{"stage"})
	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "invoke",
		Name:      "retries_total",
		Help:      "Retries scheduled by stage and failure class.",
	}, []string{"stage", "reason"})
	metricOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "invoke",
		Name:      "outcomes_total",
		Help:      "Final stage invocation outcomes.",
	}, []string{"stage", "outcome"})
	metricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hypogate",
		Subsystem: "invoke",
		Name:      "duration_seconds",
		Help:      "Wall time of a full stage invocation including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"stage"})
)

func recordAttempt(stage string) {
	metricAttempts.WithLabelValues(stage).Inc()
}

func recordRetry(stage, reason string) {
	metricRetries.WithLabelValues(stage, reason).Inc()
}

func recordOutcome(stage, outcome string, seconds float64) {
	metricOutcomes.WithLabelValues(stage, outcome).Inc()
	metricDuration.WithLabelValues(stage).Observe(seconds)
}
