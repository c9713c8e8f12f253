package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "runner",
		Name:      "executions_total",
		Help:      "Runner executions by phase and status.",
	}, []string{"phase", "status"})
	metricRepairRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "runner",
		Name:      "repair_rounds_total",
		Help:      "Dependency auto-repair rounds started.",
	})
	metricDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hypogate",
		Subsystem: "runner",
		Name:      "duration_seconds",
		Help:      "Wall time of a single runner execution.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func recordExecution(res ExecutionResult) {
	metricExecutions.WithLabelValues(res.Phase, string(res.Status)).Inc()
	if res.Attempted() {
		metricDuration.Observe(res.Duration.Seconds())
	}
}
