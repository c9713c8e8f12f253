package contract

import "strings"

// SchemaID names a stage output contract.
type SchemaID string

const (
	SchemaAnalysis          SchemaID = "analysis"
	SchemaNormalization     SchemaID = "normalization"
	SchemaFalsificationPlan SchemaID = "falsification_plan"
	SchemaExperimentPlan    SchemaID = "experiment_plan"
	SchemaDatasetDiscovery  SchemaID = "dataset_discovery"
)

// Schemas lists every known schema.
var Schemas = []SchemaID{
	SchemaAnalysis,
	SchemaNormalization,
	SchemaFalsificationPlan,
	SchemaExperimentPlan,
	SchemaDatasetDiscovery,
}

// Plan and phase values.
const (
	StatusReady      = "ready"
	StatusSkipped    = "skipped"
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"

	PhaseToy   = "toy"
	PhaseField = "field"
	PhaseBoth  = "both"
)

// Document is a validated stage output.
type Document interface {
	Schema() SchemaID
}

// Analysis is the output of the analysis stage.
type Analysis struct {
	Summary       string   `json:"summary"`
	KeyPoints     []string `json:"key_points,omitempty"`
	Risks         []string `json:"risks,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
	Confidence    float64  `json:"confidence,omitempty"`
}

func (*Analysis) Schema() SchemaID { return SchemaAnalysis }

// Claim is the normalized form of a hypothesis.
type Claim struct {
	Statement string   `json:"statement"`
	Domain    string   `json:"domain,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	Variables PairList `json:"variables,omitempty"`
}

// Normalization is the output of the claim normalization stage.
type Normalization struct {
	Status          string   `json:"status"`
	Claim           Claim    `json:"claim"`
	MissingFields   []string `json:"missing_fields,omitempty"`
	VariableProxies PairList `json:"variable_proxies,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
}

func (*Normalization) Schema() SchemaID { return SchemaNormalization }

// Complete reports whether the claim was fully normalized.
func (n *Normalization) Complete() bool {
	return n != nil && n.Status == StatusComplete
}

// FalsificationTest is one planned attempt to refute the claim.
type FalsificationTest struct {
	ID               string `json:"id"`
	Description      string `json:"description,omitempty"`
	Prediction       string `json:"prediction,omitempty"`
	FailureCondition string `json:"failure_condition,omitempty"`
	Phase            string `json:"phase,omitempty"`
}

// Variant is an alternative formulation considered by the plan.
type Variant struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// FalsificationPlan is the output of the falsification planning stage.
type FalsificationPlan struct {
	Status     string              `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Tests      []FalsificationTest `json:"tests,omitempty"`
	Variants   []Variant           `json:"variants,omitempty"`
	NextAction string              `json:"next_action,omitempty"`
}

func (*FalsificationPlan) Schema() SchemaID { return SchemaFalsificationPlan }

// RunnerDefinition describes one generated experiment program.
type RunnerDefinition struct {
	ID             string   `json:"id"`
	Goal           string   `json:"goal,omitempty"`
	TestIDs        []string `json:"test_ids,omitempty"`
	Phase          string   `json:"phase,omitempty"`
	Language       string   `json:"language,omitempty"`
	Filename       string   `json:"filename,omitempty"`
	RunCommand     Command  `json:"run_command,omitempty"`
	RequiredInputs []string `json:"required_inputs,omitempty"`
	ExpectedSignal string   `json:"expected_signal,omitempty"`
	FailureSignal  string   `json:"failure_signal,omitempty"`
	Source         string   `json:"source,omitempty"`
	Env            PairList `json:"env,omitempty"`
	AutoGenerated  bool     `json:"auto_generated,omitempty"`
}

// EffectivePhase returns the declared phase, or one inferred from the
// runner's id and goal. Unknown runners are treated as toy.
func (r RunnerDefinition) EffectivePhase() string {
	if r.Phase != "" {
		return r.Phase
	}
	hay := strings.ToLower(r.ID + " " + r.Goal)
	for _, hint := range []string{"field", "real data", "real-data", "dataset", "empirical"} {
		if strings.Contains(hay, hint) {
			return PhaseField
		}
	}
	return PhaseToy
}

// IsToy reports whether the runner contributes toy evidence.
func (r RunnerDefinition) IsToy() bool {
	p := r.EffectivePhase()
	return p == PhaseToy || p == PhaseBoth
}

// IsField reports whether the runner contributes field evidence.
func (r RunnerDefinition) IsField() bool {
	p := r.EffectivePhase()
	return p == PhaseField || p == PhaseBoth
}

// DataRequest is a dataset the plan asks for.
type DataRequest struct {
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ExperimentPlan is the output of the runner synthesis stage.
type ExperimentPlan struct {
	Status         string             `json:"status"`
	Reason         string             `json:"reason,omitempty"`
	Hypothesis     string             `json:"hypothesis,omitempty"`
	Assumptions    []string           `json:"assumptions,omitempty"`
	Runners        []RunnerDefinition `json:"runners,omitempty"`
	ExecutionOrder []string           `json:"execution_order,omitempty"`
	DataRequests   []DataRequest      `json:"data_requests,omitempty"`
	NextAction     string             `json:"next_action,omitempty"`
}

func (*ExperimentPlan) Schema() SchemaID { return SchemaExperimentPlan }

// Skipped reports whether the plan declined to produce runners.
func (p *ExperimentPlan) Skipped() bool {
	return p != nil && p.Status == StatusSkipped
}

// Runner returns the runner with id.
func (p *ExperimentPlan) Runner(id string) (RunnerDefinition, bool) {
	for _, r := range p.Runners {
		if r.ID == id {
			return r, true
		}
	}
	return RunnerDefinition{}, false
}

// OrderedRunners returns runners in execution order. Runners missing from
// the declared order follow in plan order.
func (p *ExperimentPlan) OrderedRunners() []RunnerDefinition {
	if p == nil {
		return nil
	}
	seen := make(map[string]bool, len(p.Runners))
	out := make([]RunnerDefinition, 0, len(p.Runners))
	for _, id := range p.ExecutionOrder {
		if seen[id] {
			continue
		}
		if r, ok := p.Runner(id); ok {
			out = append(out, r)
			seen[id] = true
		}
	}
	for _, r := range p.Runners {
		if !seen[r.ID] {
			out = append(out, r)
			seen[r.ID] = true
		}
	}
	return out
}

// DatasetDiscovery is the output of the dataset discovery stage.
type DatasetDiscovery struct {
	Queries         []string `json:"queries,omitempty"`
	SeedURLs        []string `json:"seed_urls,omitempty"`
	KeywordHints    []string `json:"keyword_hints,omitempty"`
	VariableProxies PairList `json:"variable_proxies,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

func (*DatasetDiscovery) Schema() SchemaID { return SchemaDatasetDiscovery }
