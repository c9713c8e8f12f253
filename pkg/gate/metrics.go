package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Stage decisions produced by gate evaluations.",
	}, []string{"decision"})
	metricLayers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hypogate",
		Subsystem: "gate",
		Name:      "layer_verdicts_total",
		Help:      "Gate stack layer verdicts.",
	}, []string{"layer", "verdict"})
)

// Observe records a report in the gate metrics.
func Observe(r Report) {
	metricDecisions.WithLabelValues(string(r.Decision)).Inc()
	metricLayers.WithLabelValues("ontology", string(r.Stack.Ontology.Verdict)).Inc()
	metricLayers.WithLabelValues("epistemic", string(r.Stack.Epistemic.Verdict)).Inc()
	metricLayers.WithLabelValues("operational", string(r.Stack.Operational.Verdict)).Inc()
	metricLayers.WithLabelValues("universal", string(r.Stack.Universal.Verdict)).Inc()
	metricLayers.WithLabelValues("overall", string(r.Stack.Overall)).Inc()
}
