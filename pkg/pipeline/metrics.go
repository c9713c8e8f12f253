package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Completed pipeline executions by decision.",
	}, []string{"decision"})
	metricCacheOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "pipeline",
		Name:      "cache_outcomes_total",
		Help:      "How pipeline results were produced: computed, shared or hit.",
	}, []string{"outcome"})
)
