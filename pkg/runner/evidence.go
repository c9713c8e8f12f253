package runner

import (
	"bufio"
	"encoding/json"
	"strings"
)

// EvidenceMarker prefixes the structured fact line a runner prints.
const EvidenceMarker = "EVIDENCE_CONTRACT:"

// EvidenceContract is the record a runner reports about its own run.
type EvidenceContract struct {
	Phase            string             `json:"phase,omitempty"`
	DatasetUsed      bool               `json:"dataset_used"`
	DatasetSource    string             `json:"dataset_source,omitempty"`
	DatasetReference string             `json:"dataset_reference,omitempty"`
	DatasetFormat    string             `json:"dataset_format,omitempty"`
	DatasetValid     *bool              `json:"dataset_valid,omitempty"`
	NRows            int                `json:"n_rows,omitempty"`
	NCols            int                `json:"n_cols,omitempty"`
	LOBOFolds        int                `json:"lobo_folds,omitempty"`
	TruthAssessment  string             `json:"truth_assessment,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
}

// metricKeys may be reported either inside "metrics" or at the top level.
var metricKeys = []string{
	"p_value",
	"effect_size",
	"energy_in",
	"energy_out",
	"energy_dissipated",
	"info_in_bits",
	"info_out_bits",
}

// Verdict returns the normalized truth assessment: PASS, FAIL,
// INCONCLUSIVE or empty.
func (e *EvidenceContract) Verdict() string {
	if e == nil {
		return ""
	}
	switch v := strings.ToUpper(strings.TrimSpace(e.TruthAssessment)); v {
	case "PASS", "PASSED", "TRUE", "SUPPORTED":
		return "PASS"
	case "FAIL", "FAILED", "FALSE", "REFUTED":
		return "FAIL"
	case "":
		return ""
	default:
		return "INCONCLUSIVE"
	}
}

// Metric returns a reported numeric metric.
func (e *EvidenceContract) Metric(name string) (float64, bool) {
	if e == nil || e.Metrics == nil {
		return 0, false
	}
	v, ok := e.Metrics[name]
	return v, ok
}

// ParseEvidence returns the contract from the last marker line in stdout,
// falling back to stderr. Lines whose payload is not a JSON object are
// ignored.
func ParseEvidence(stdout, stderr string) *EvidenceContract {
	if ev := lastEvidence(stdout); ev != nil {
		return ev
	}
	return lastEvidence(stderr)
}

func lastEvidence(output string) *EvidenceContract {
	var found *EvidenceContract
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		idx := strings.Index(line, EvidenceMarker)
		if idx < 0 {
			continue
		}
		if ev := decodeEvidence(strings.TrimSpace(line[idx+len(EvidenceMarker):])); ev != nil {
			found = ev
		}
	}
	return found
}

func decodeEvidence(payload string) *EvidenceContract {
	if !strings.HasPrefix(payload, "{") {
		return nil
	}
	var ev EvidenceContract
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err == nil {
		for _, key := range metricKeys {
			if v, ok := raw[key].(float64); ok {
				if ev.Metrics == nil {
					ev.Metrics = make(map[string]float64)
				}
				if _, exists := ev.Metrics[key]; !exists {
					ev.Metrics[key] = v
				}
			}
		}
	}
	return &ev
}
