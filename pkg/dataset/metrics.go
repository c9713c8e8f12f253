package dataset

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "dataset",
		Name:      "candidates_total",
		Help:      "Dataset candidates ranked, by origin.",
	}, []string{"origin"})
	metricValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "dataset",
		Name:      "validations_total",
		Help:      "Dataset candidate validations by outcome.",
	}, []string{"outcome"})
	metricSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "dataset",
		Name:      "searches_total",
		Help:      "Discovery search calls by result.",
	}, []string{"result"})
	metricResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "dataset",
		Name:      "resolutions_total",
		Help:      "Resolution outcomes.",
	}, []string{"outcome"})
)
