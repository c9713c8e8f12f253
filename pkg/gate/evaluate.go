package gate

import (
	"fmt"
	"math"
	"strings"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/dataset"
	"github.com/odvcencio/hypogate/pkg/runner"
)

// Input is everything one evaluation sees. Upstream documents are raw
// strings; an empty string means the stage was not run.
type Input struct {
	Normalization string
	Falsification string
	Plan          *contract.ExperimentPlan
	Results       []runner.ExecutionResult
	// Dataset is the resolved dataset, if any.
	Dataset *dataset.ResolvedDataset
	// Fit is used when no dataset was resolved but an affinity fit exists.
	Fit                  *dataset.SemanticFit
	UserDecisionRequired bool
	Config               config.GateConfig
}

// RunnerVerdict is the classified outcome of one runner.
type RunnerVerdict struct {
	ID            string            `json:"id"`
	Phase         string            `json:"phase"`
	AutoGenerated bool              `json:"auto_generated,omitempty"`
	Status        runner.ExecStatus `json:"status"`
	Signal        Signal            `json:"signal"`
}

// Contract is the runner-contract assessment.
type Contract struct {
	Verdict Verdict  `json:"verdict"`
	Reasons []string `json:"reasons,omitempty"`
}

// Sufficiency is the assessment of field evidence.
type Sufficiency struct {
	Verdict     Verdict  `json:"verdict"`
	DatasetUsed bool     `json:"dataset_used"`
	Real        bool     `json:"real"`
	Synthetic   bool     `json:"synthetic"`
	Rows        int      `json:"rows"`
	Folds       int      `json:"folds"`
	FitPassed   bool     `json:"fit_passed"`
	Provisional bool     `json:"provisional"`
	Reasons     []string `json:"reasons,omitempty"`
}

// UniversalGate is the result of the metrics or ledger gate.
type UniversalGate struct {
	Verdict Verdict            `json:"verdict"`
	Reason  string             `json:"reason,omitempty"`
	Inputs  map[string]float64 `json:"inputs,omitempty"`
}

// Critical aggregates the verdicts of runners the plan authored itself.
type Critical struct {
	Verdict Truth           `json:"verdict"`
	Runners []RunnerVerdict `json:"runners,omitempty"`
}

// Report is the full output of one evaluation. It is recomputed from
// scratch every time.
type Report struct {
	Decision             Decision        `json:"decision"`
	Stack                Stack           `json:"gate_stack"`
	ToyTruth             Truth           `json:"toy_truth"`
	RunnerContract       Contract        `json:"runner_contract"`
	FieldMayAdvance      bool            `json:"field_may_advance"`
	Sufficiency          Sufficiency     `json:"sufficiency"`
	MetricsGate          UniversalGate   `json:"metrics_gate"`
	LedgerGate           UniversalGate   `json:"ledger_gate"`
	Critical             Critical        `json:"critical"`
	Runners              []RunnerVerdict `json:"runners,omitempty"`
	NextAction           string          `json:"next_action"`
	UserDecisionRequired bool            `json:"user_decision_required"`
	Summary              string          `json:"summary"`
}

// Evaluate computes the report. It is a pure function of its input.
func Evaluate(in Input) Report {
	cfg := withDefaults(in.Config)
	verdicts := classifyAll(in.Results)

	r := Report{
		Runners:              verdicts,
		UserDecisionRequired: in.UserDecisionRequired,
	}
	ontology := evaluateOntology(in)
	r.ToyTruth = toyTruth(in.Results, verdicts)
	r.RunnerContract = runnerContract(in.Results)
	r.FieldMayAdvance = r.ToyTruth != TruthFail
	r.Sufficiency = sufficiency(in, cfg)
	r.MetricsGate = metricsGate(in.Results, r.Sufficiency, cfg)
	r.LedgerGate = ledgerGate(in.Results, r.Sufficiency, cfg)
	r.Critical = critical(verdicts)

	r.Decision = decide(ontology, &r, in)
	r.Stack = buildStack(ontology, in, &r)
	r.NextAction = nextAction(ontology, &r)
	r.Summary = fmt.Sprintf("decision=%s overall=%s toy=%s contract=%s sufficiency=%s critical=%s",
		r.Decision, r.Stack.Overall, r.ToyTruth, r.RunnerContract.Verdict, r.Sufficiency.Verdict, r.Critical.Verdict)
	return r
}

func withDefaults(c config.GateConfig) config.GateConfig {
	d := config.DefaultConfig().Gate
	if c.MinRows <= 0 {
		c.MinRows = d.MinRows
	}
	if c.MinFolds <= 0 {
		c.MinFolds = d.MinFolds
	}
	if c.PValueMax <= 0 {
		c.PValueMax = d.PValueMax
	}
	if c.EffectSizeMin <= 0 {
		c.EffectSizeMin = d.EffectSizeMin
	}
	if c.LedgerTolerance <= 0 {
		c.LedgerTolerance = d.LedgerTolerance
	}
	return c
}

func classifyAll(results []runner.ExecutionResult) []RunnerVerdict {
	out := make([]RunnerVerdict, 0, len(results))
	for _, res := range results {
		v := RunnerVerdict{
			ID:            res.ID,
			Phase:         res.Phase,
			AutoGenerated: res.AutoGenerated,
			Status:        res.Status,
		}
		if res.Evidence != nil && res.Evidence.Phase != "" {
			v.Phase = strings.ToLower(res.Evidence.Phase)
		}
		switch {
		case !res.Attempted():
			v.Signal = Signal{Truth: TruthInconclusive, Source: SourceNone}
		default:
			v.Signal = ClassifySignals(SignalInput{
				ContractTruth:  res.Evidence.Verdict(),
				FailureSignal:  res.FailureSignal,
				ExpectedSignal: res.ExpectedSignal,
				Output:         res.Output(),
			})
			// A crashed run with no structured verdict counts against it.
			if !res.Succeeded() && v.Signal.Source != SourceContract {
				v.Signal = Signal{Truth: TruthFail, Source: SourceExecution}
			}
		}
		out = append(out, v)
	}
	return out
}

type ontologyResult struct {
	layer          Layer
	normIncomplete bool
	planSkipped    bool
	falsifyInvalid bool
	falsifySkipped bool
}

func evaluateOntology(in Input) ontologyResult {
	var o ontologyResult
	normProvided := strings.TrimSpace(in.Normalization) != ""
	if normProvided {
		if norm := contract.ParseNormalization(in.Normalization); !norm.Complete() {
			o.normIncomplete = true
		}
	}
	if in.Plan.Skipped() {
		o.planSkipped = true
	}
	if strings.TrimSpace(in.Falsification) != "" {
		fp := contract.ParseFalsificationPlan(in.Falsification)
		switch {
		case fp == nil:
			o.falsifyInvalid = true
		case fp.Status == contract.StatusSkipped:
			o.falsifySkipped = true
		}
	}

	switch {
	case o.normIncomplete:
		o.layer = Layer{Verdict: Fail, Reason: "claim normalization incomplete"}
	case o.planSkipped:
		reason := "experiment plan skipped"
		if in.Plan.Reason != "" {
			reason += ": " + in.Plan.Reason
		}
		o.layer = Layer{Verdict: Fail, Reason: reason}
	case normProvided && in.Plan != nil:
		o.layer = Layer{Verdict: Pass, Reason: "claim normalized and plan ready"}
	default:
		o.layer = Layer{Verdict: Unresolved, Reason: "normalization or plan not available"}
	}
	return o
}

// toyTruth is PASS only when every executed toy runner succeeded with a
// positive signal, FAIL when a successful toy run carries a strong
// negative signal, INCONCLUSIVE otherwise.
func toyTruth(results []runner.ExecutionResult, verdicts []RunnerVerdict) Truth {
	executed, positive := 0, 0
	clean := true
	for i, res := range results {
		if !res.IsToy() || !res.Attempted() {
			continue
		}
		executed++
		sig := verdicts[i].Signal
		if res.Succeeded() && sig.Truth == TruthFail && sig.Strong {
			return TruthFail
		}
		if !res.Succeeded() || sig.Truth == TruthFail {
			clean = false
		}
		if sig.Truth == TruthPass {
			positive++
		}
	}
	if executed > 0 && clean && positive == executed {
		return TruthPass
	}
	return TruthInconclusive
}

func runnerContract(results []runner.ExecutionResult) Contract {
	c := Contract{}
	attempted := 0
	for _, res := range results {
		if !res.Attempted() {
			continue
		}
		attempted++
		if !res.Succeeded() {
			c.Reasons = append(c.Reasons, fmt.Sprintf("runner %s failed: %s", res.ID, res.Reason))
		}
		if res.InstallError != "" {
			c.Reasons = append(c.Reasons, fmt.Sprintf("runner %s dependency install error: %s", res.ID, res.InstallError))
		}
		if res.Succeeded() && runner.HasRuntimeError(res.Output()) {
			c.Reasons = append(c.Reasons, fmt.Sprintf("runner %s output contains a runtime error", res.ID))
		}
	}
	switch {
	case len(c.Reasons) > 0:
		c.Verdict = Fail
	case attempted == 0:
		c.Verdict = Unresolved
		c.Reasons = []string{"no runner was executed"}
	default:
		c.Verdict = Pass
	}
	return c
}

// fieldEvidence returns the first successful field result that reported
// using a dataset.
func fieldEvidence(results []runner.ExecutionResult) *runner.EvidenceContract {
	for _, res := range results {
		if res.IsField() && res.Succeeded() && res.Evidence != nil && res.Evidence.DatasetUsed {
			return res.Evidence
		}
	}
	return nil
}

func isSyntheticSource(ev *runner.EvidenceContract) bool {
	src := strings.ToLower(ev.DatasetSource)
	return src == "synthetic" || dataset.IsSynthetic(src) || dataset.IsSynthetic(ev.DatasetReference)
}

func sufficiency(in Input, cfg config.GateConfig) Sufficiency {
	s := Sufficiency{Verdict: Fail}
	ev := fieldEvidence(in.Results)
	if ev == nil {
		s.Reasons = append(s.Reasons, "no field runner used a dataset")
		s.Real = in.Dataset.Real()
		s.FitPassed = fitPassed(in)
		return s
	}
	s.DatasetUsed = true
	s.Synthetic = isSyntheticSource(ev)
	s.Provisional = s.Synthetic && cfg.SyntheticFallback

	// Real status comes from the resolver. A runner's own claim can only
	// downgrade it.
	claimOK := (ev.DatasetValid == nil || *ev.DatasetValid) && !dataset.IsDisallowedURL(ev.DatasetReference)
	s.Real = in.Dataset.Real() && !s.Synthetic && claimOK
	if in.Dataset == nil {
		s.Reasons = append(s.Reasons, "no resolved dataset")
	}
	s.Rows = ev.NRows
	if s.Rows == 0 && in.Dataset != nil {
		s.Rows = in.Dataset.RowCount
	}
	s.Folds = ev.LOBOFolds
	s.FitPassed = fitPassed(in)

	if !s.Real {
		s.Reasons = append(s.Reasons, "dataset not judged real")
	}
	if s.Rows < cfg.MinRows {
		s.Reasons = append(s.Reasons, fmt.Sprintf("rows %d below %d", s.Rows, cfg.MinRows))
	}
	if s.Folds < cfg.MinFolds {
		s.Reasons = append(s.Reasons, fmt.Sprintf("folds %d below %d", s.Folds, cfg.MinFolds))
	}
	if !s.FitPassed && fitJudged(in) {
		s.Reasons = append(s.Reasons, "semantic fit not passed")
	}
	if len(s.Reasons) == 0 {
		s.Verdict = Pass
	}
	return s
}

// fitJudged is false when neither a resolved dataset nor search text was
// available to measure fit. The missing dataset already fails sufficiency.
func fitJudged(in Input) bool {
	return in.Dataset != nil || in.Fit != nil
}

func fitPassed(in Input) bool {
	if in.Dataset != nil {
		return in.Dataset.Fit.Passed
	}
	return in.Fit != nil && in.Fit.Passed
}

// metricValue returns the first value of name reported by a successful
// field run.
func metricValue(results []runner.ExecutionResult, name string) (float64, bool) {
	for _, res := range results {
		if !res.IsField() || !res.Succeeded() {
			continue
		}
		if v, ok := res.Evidence.Metric(name); ok {
			return v, true
		}
	}
	return 0, false
}

func metricsGate(results []runner.ExecutionResult, suff Sufficiency, cfg config.GateConfig) UniversalGate {
	if suff.Verdict != Pass {
		return UniversalGate{Verdict: Unresolved, Reason: "evidence not sufficient"}
	}
	p, okP := metricValue(results, "p_value")
	e, okE := metricValue(results, "effect_size")
	if !okP || !okE {
		return UniversalGate{Verdict: Unresolved, Reason: "p_value or effect_size not reported"}
	}
	g := UniversalGate{Inputs: map[string]float64{"p_value": p, "effect_size": e}}
	switch {
	case p > cfg.PValueMax:
		g.Verdict, g.Reason = Fail, fmt.Sprintf("p_value %.4g above %.4g", p, cfg.PValueMax)
	case math.Abs(e) < cfg.EffectSizeMin:
		g.Verdict, g.Reason = Fail, fmt.Sprintf("effect_size %.4g below %.4g", e, cfg.EffectSizeMin)
	default:
		g.Verdict, g.Reason = Pass, "metrics within thresholds"
	}
	return g
}

func ledgerGate(results []runner.ExecutionResult, suff Sufficiency, cfg config.GateConfig) UniversalGate {
	if suff.Verdict != Pass {
		return UniversalGate{Verdict: Unresolved, Reason: "evidence not sufficient"}
	}
	in, okIn := metricValue(results, "energy_in")
	out, okOut := metricValue(results, "energy_out")
	diss, okDiss := metricValue(results, "energy_dissipated")
	infoIn, okInfoIn := metricValue(results, "info_in_bits")
	infoOut, okInfoOut := metricValue(results, "info_out_bits")
	energy := okIn && okOut && okDiss
	info := okInfoIn && okInfoOut
	if !energy && !info {
		return UniversalGate{Verdict: Unresolved, Reason: "no complete energy or information ledger reported"}
	}

	g := UniversalGate{Verdict: Pass, Reason: "ledger balanced", Inputs: map[string]float64{}}
	if energy {
		g.Inputs["energy_in"], g.Inputs["energy_out"], g.Inputs["energy_dissipated"] = in, out, diss
		scale := math.Max(math.Abs(in), 1e-12)
		if math.Abs(in-(out+diss))/scale > cfg.LedgerTolerance {
			g.Verdict = Fail
			g.Reason = fmt.Sprintf("energy ledger off: in %.4g vs out+dissipated %.4g", in, out+diss)
		}
	}
	if info && g.Verdict == Pass {
		g.Inputs["info_in_bits"], g.Inputs["info_out_bits"] = infoIn, infoOut
		if infoOut > infoIn*(1+cfg.LedgerTolerance) {
			g.Verdict = Fail
			g.Reason = fmt.Sprintf("information created from nothing: out %.4g bits > in %.4g bits", infoOut, infoIn)
		}
	}
	return g
}

func critical(verdicts []RunnerVerdict) Critical {
	c := Critical{Verdict: TruthInconclusive}
	pass := 0
	for _, v := range verdicts {
		if v.AutoGenerated || v.Status == runner.StatusSkipped {
			continue
		}
		c.Runners = append(c.Runners, v)
		switch v.Signal.Truth {
		case TruthFail:
			c.Verdict = TruthFail
		case TruthPass:
			pass++
		}
	}
	if c.Verdict != TruthFail && len(c.Runners) > 0 && pass == len(c.Runners) {
		c.Verdict = TruthPass
	}
	return c
}

func decide(o ontologyResult, r *Report, in Input) Decision {
	if o.layer.Verdict == Fail || r.ToyTruth == TruthFail {
		return RejectEarly
	}
	if r.RunnerContract.Verdict == Fail ||
		r.MetricsGate.Verdict == Fail ||
		r.LedgerGate.Verdict == Fail ||
		r.Critical.Verdict == TruthFail {
		return DefinitiveFail
	}
	if r.Sufficiency.Verdict == Pass {
		return DefinitivePass
	}
	// A real dataset that does not fit the claim needs a user decision,
	// never a provisional pass.
	if in.Dataset.Real() && !r.Sufficiency.FitPassed {
		return NeedsField
	}
	if r.FieldMayAdvance && r.Sufficiency.Provisional {
		return ProvisionalPass
	}
	return NeedsField
}

func buildStack(o ontologyResult, in Input, r *Report) Stack {
	s := Stack{Ontology: o.layer}

	switch {
	case r.ToyTruth == TruthFail:
		s.Epistemic = Layer{Verdict: Fail, Reason: "toy evidence contradicts the claim"}
	case o.falsifyInvalid:
		s.Epistemic = Layer{Verdict: Fail, Reason: "falsification plan is structurally invalid"}
	case r.ToyTruth == TruthPass && r.Sufficiency.Verdict == Pass && !o.falsifySkipped:
		s.Epistemic = Layer{Verdict: Pass, Reason: "toy and field evidence sufficient"}
	default:
		reason := "evidence incomplete"
		if len(r.Sufficiency.Reasons) > 0 {
			reason += ": " + strings.Join(r.Sufficiency.Reasons, "; ")
		}
		s.Epistemic = Layer{Verdict: Unresolved, Reason: reason}
	}

	switch {
	case r.RunnerContract.Verdict == Fail:
		s.Operational = Layer{Verdict: Fail, Reason: strings.Join(r.RunnerContract.Reasons, "; ")}
	case r.Critical.Verdict == TruthFail:
		s.Operational = Layer{Verdict: Fail, Reason: "critical runner verdict FAIL"}
	case r.RunnerContract.Verdict == Pass && r.Critical.Verdict == TruthPass:
		s.Operational = Layer{Verdict: Pass, Reason: "all runners honored their contract"}
	default:
		s.Operational = Layer{Verdict: Unresolved, Reason: "runner outcomes incomplete"}
	}

	u := Aggregate(r.MetricsGate.Verdict, r.LedgerGate.Verdict)
	s.Universal = Layer{Verdict: u}
	switch u {
	case Fail:
		if r.MetricsGate.Verdict == Fail {
			s.Universal.Reason = r.MetricsGate.Reason
		} else {
			s.Universal.Reason = r.LedgerGate.Reason
		}
	case Pass:
		s.Universal.Reason = "metrics and ledger consistent"
	default:
		s.Universal.Reason = "universal gates unresolved"
	}
	s.aggregate()
	return s
}

func nextAction(o ontologyResult, r *Report) string {
	switch r.Decision {
	case RejectEarly:
		switch {
		case o.normIncomplete:
			return "complete normalization"
		case o.planSkipped && strings.Contains(strings.ToLower(o.layer.Reason), "normalization"):
			return "complete normalization"
		case o.planSkipped:
			return "revise the experiment plan"
		default:
			return "revise the hypothesis: toy evidence contradicts it"
		}
	case DefinitiveFail:
		switch {
		case r.RunnerContract.Verdict == Fail:
			return "fix failing runners and re-run"
		case r.Critical.Verdict == TruthFail:
			return "claim refuted by a critical runner; revise the hypothesis"
		default:
			return "claim fails universal consistency gates; revise the hypothesis"
		}
	case DefinitivePass:
		return "report the result"
	case ProvisionalPass:
		return "replace synthetic evidence with a real dataset"
	default:
		if r.UserDecisionRequired {
			return "provide a relevant real dataset (user decision required)"
		}
		return "run field validation against a real dataset"
	}
}
