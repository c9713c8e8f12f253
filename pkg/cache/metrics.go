package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by scope and result.",
	}, []string{"scope", "result"})
	metricShared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "cache",
		Name:      "shared_total",
		Help:      "Calls that joined an in-flight computation.",
	})
	metricInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "cache",
		Name:      "epoch_bumps_total",
		Help:      "Dataset-context changes that invalidated unstable entries.",
	})
)
