// Package gate reduces runner results, dataset facts and upstream plan
// quality into a layered verdict and a stage decision.
package gate

// Verdict is a layer outcome.
type Verdict string

const (
	Pass       Verdict = "PASS"
	Fail       Verdict = "FAIL"
	Unresolved Verdict = "UNRESOLVED"
)

// Truth is an evidence assessment for a claim.
type Truth string

const (
	TruthPass         Truth = "PASS"
	TruthFail         Truth = "FAIL"
	TruthInconclusive Truth = "INCONCLUSIVE"
)

// Decision drives the next pipeline action.
type Decision string

const (
	RejectEarly     Decision = "REJECT_EARLY"
	ProvisionalPass Decision = "PROVISIONAL_PASS"
	NeedsField      Decision = "NEEDS_FIELD"
	DefinitivePass  Decision = "DEFINITIVE_PASS"
	DefinitiveFail  Decision = "DEFINITIVE_FAIL"
)

// Terminal reports whether the decision ends evaluation with a negative
// outcome. Callers must never treat a terminal decision as success.
func (d Decision) Terminal() bool {
	return d == RejectEarly || d == DefinitiveFail
}

// Stable reports whether the decision may be reused across a conversation.
// Only a definitive pass qualifies; negative outcomes are never cached.
func (d Decision) Stable() bool {
	return d == DefinitivePass
}

// Layer is one level of the gate stack.
type Layer struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// Stack is the nested verdict over the four concerns.
type Stack struct {
	Ontology    Layer   `json:"ontology"`
	Epistemic   Layer   `json:"epistemic"`
	Operational Layer   `json:"operational"`
	Universal   Layer   `json:"universal"`
	Overall     Verdict `json:"overall"`
}

// Aggregate combines layer verdicts: FAIL if any layer failed, PASS only
// if every layer passed, UNRESOLVED otherwise.
func Aggregate(verdicts ...Verdict) Verdict {
	if len(verdicts) == 0 {
		return Unresolved
	}
	all := true
	for _, v := range verdicts {
		if v == Fail {
			return Fail
		}
		if v != Pass {
			all = false
		}
	}
	if all {
		return Pass
	}
	return Unresolved
}

func (s *Stack) aggregate() {
	s.Overall = Aggregate(s.Ontology.Verdict, s.Epistemic.Verdict, s.Operational.Verdict, s.Universal.Verdict)
}
