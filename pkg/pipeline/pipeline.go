// Package pipeline composes the invocation, runner, dataset, gate and cache
// layers into one caller-facing hypothesis run.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/hypogate/pkg/cache"
	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/dataset"
	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/gate"
	"github.com/odvcencio/hypogate/pkg/invoke"
	"github.com/odvcencio/hypogate/pkg/logging"
	"github.com/odvcencio/hypogate/pkg/model"
	"github.com/odvcencio/hypogate/pkg/runner"
	"github.com/odvcencio/hypogate/pkg/sandbox"
	"github.com/odvcencio/hypogate/pkg/statestore"
	"github.com/odvcencio/hypogate/pkg/telemetry"
)

// Stage names driven by the pipeline.
const (
	StagePlan      = "experiment_plan"
	StageDiscovery = "dataset_discovery"
)

// DefaultNamespace scopes persisted state for hypothesis runs.
const DefaultNamespace = "hypothesis"

const (
	planInstruction = "Design falsifiable experiment runners for the hypothesis. " +
		"Reply with one experiment_plan JSON object. Use status skipped with a reason " +
		"when the claim is not ready for experiments."
	discoveryInstruction = "Propose where a real tabular dataset for this claim can be found. " +
		"Reply with one dataset_discovery JSON object."
)

// Request is one hypothesis run.
type Request struct {
	Hypothesis string `json:"hypothesis"`
	// Normalization and Falsification are upstream stage outputs as raw JSON.
	Normalization string `json:"normalization,omitempty"`
	Falsification string `json:"falsification,omitempty"`
	// DatasetHint is a path or URL tried before any other candidate.
	DatasetHint  string `json:"dataset_hint,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
	Conversation string `json:"conversation,omitempty"`
	Turn         string `json:"turn,omitempty"`
}

// Result is the caller-facing outcome of a run. REJECT_EARLY and
// DEFINITIVE_FAIL are never successes; use Succeeded.
type Result struct {
	RunID       string                    `json:"run_id"`
	Request     Request                   `json:"request"`
	Decision    gate.Decision             `json:"decision"`
	Stack       gate.Stack                `json:"gate_stack"`
	Critical    gate.Critical             `json:"critical"`
	Report      gate.Report               `json:"report"`
	Plan        *contract.ExperimentPlan  `json:"plan,omitempty"`
	Files       []runner.MaterializedFile `json:"files,omitempty"`
	Results     []runner.ExecutionResult  `json:"results,omitempty"`
	Affinity    *dataset.Affinity         `json:"affinity,omitempty"`
	Resolution  *dataset.Resolution       `json:"resolution,omitempty"`
	Summary     string                    `json:"summary"`
	CompletedAt time.Time                 `json:"completed_at"`
}

// Succeeded reports whether the decision is not a terminal failure.
func (r *Result) Succeeded() bool {
	return r != nil && !r.Decision.Terminal()
}

// Options configures a Pipeline.
type Options struct {
	Config *config.Config
	Source model.Source
	Store  *statestore.Store
	// Executor runs runner subprocesses; defaults to a sandbox rooted at the
	// sandbox directory.
	Executor runner.Executor
	// LookPath resolves runner interpreters; defaults to exec.LookPath.
	LookPath func(string) (string, error)
	Searcher dataset.Searcher
	// Discovery enables the dataset_discovery stage during resolution.
	Discovery  bool
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	// Sleep overrides invocation backoff sleeps.
	Sleep func(context.Context, time.Duration) error
}

// Pipeline runs hypotheses end to end. It is safe for concurrent use.
type Pipeline struct {
	cfg          *config.Config
	invoker      *invoke.Service
	materializer *runner.Materializer
	engine       *runner.Engine
	store        *statestore.Store
	cache        *cache.Service[*Result]
	searcher     dataset.Searcher
	fetcher      *dataset.Fetcher
	discovery    bool
	workspace    string
	datasets     string
	reportPath   string
	logger       *slog.Logger
	now          func() time.Time
	baseLogger   *slog.Logger

	mu   sync.Mutex
	seen map[string]map[string]bool
}

// New wires a Pipeline from opts.
func New(opts Options) *Pipeline {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	workspace := config.ResolveWorkspace(cfg)
	root := config.SandboxRoot(cfg)

	exec := opts.Executor
	if exec == nil {
		exec = sandbox.New(sandboxConfig(cfg, root))
	}

	var searcher dataset.Searcher
	if cfg.Dataset.WebDiscovery {
		searcher = opts.Searcher
		if searcher == nil {
			searcher = dataset.NewHTTPSearcher(cfg.Dataset, opts.HTTPClient)
		}
	}

	return &Pipeline{
		cfg: cfg,
		invoker: invoke.New(invoke.Options{
			Source:     opts.Source,
			Store:      opts.Store,
			Invocation: cfg.Invocation,
			Budget:     cfg.Budget,
			Logger:     opts.Logger,
			Now:        now,
			Sleep:      opts.Sleep,
		}),
		materializer: runner.NewMaterializer(root, workspace, opts.Logger),
		engine: runner.NewEngine(runner.EngineOptions{
			Executor: exec,
			Root:     root,
			Runner:   cfg.Runner,
			LookPath: opts.LookPath,
			Logger:   opts.Logger,
		}),
		store: opts.Store,
		cache: cache.New[*Result](cache.Options{
			ConversationTTL: cfg.Cache.ConversationTTL,
			TurnTTL:         cfg.Cache.TurnTTL,
			Now:             now,
			Logger:          opts.Logger,
		}),
		searcher:   searcher,
		fetcher:    dataset.NewFetcher(cfg.Dataset, opts.HTTPClient),
		discovery:  opts.Discovery,
		workspace:  workspace,
		datasets:   filepath.Join(root, "datasets"),
		reportPath: config.GateReportPath(cfg),
		logger:     logging.OrDiscard(opts.Logger, logging.CategoryPipeline),
		now:        now,
		baseLogger: opts.Logger,
		seen:       make(map[string]map[string]bool),
	}
}

// sandboxConfig builds the executor policy for runner commands. Strict mode
// admits only the configured interpreter and the runner languages.
func sandboxConfig(cfg *config.Config, root string) sandbox.Config {
	sbCfg := sandbox.DefaultConfig(root)
	sbCfg.Mode = sandbox.ModeFromString(cfg.Runner.SandboxMode)
	sbCfg.Timeout = cfg.Runner.Timeout
	sbCfg.MaxOutputSize = int64(cfg.Runner.MaxOutputBytes)
	sbCfg.DeniedCommands = append(sbCfg.DeniedCommands, cfg.Runner.DeniedCommands...)
	sbCfg.AllowedCommands = []string{
		cfg.Runner.Python,
		config.DefaultPythonInterpreter,
		"python",
		"bash",
		"sh",
		"node",
		"Rscript",
	}
	return sbCfg
}

// Run executes req, reusing a cached result when the reuse rules allow.
// Concurrent identical requests share one execution and receive the same
// *Result.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Hypothesis) == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "pipeline: hypothesis is required")
	}
	if req.Namespace == "" {
		req.Namespace = DefaultNamespace
	}
	if req.Conversation == "" {
		req.Conversation = "default"
	}
	if req.DatasetHint != "" {
		p.noteDatasetContext(req.Conversation, "hint:"+req.DatasetHint)
	}

	key := KeyFor(req)
	res, outcome, err := p.cache.Load(key, func() (*Result, cache.Reuse, error) {
		res, err := p.execute(ctx, req)
		if err != nil {
			return nil, cache.Reuse{}, err
		}
		return res, ReuseFor(res), nil
	})
	metricCacheOutcomes.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		return nil, err
	}
	if outcome != cache.OutcomeComputed {
		p.logger.Info("reused pipeline result", "outcome", outcome, "run_id", res.RunID, "decision", res.Decision)
	}
	return res, nil
}

// KeyFor derives the cache key of req. The conversation fingerprint covers
// the claim; the turn detail also covers the dataset hint and the upstream
// falsification plan.
func KeyFor(req Request) cache.Key {
	return cache.Key{
		Conversation: req.Conversation,
		Turn:         req.Turn,
		Fingerprint:  cache.Fingerprint(req.Hypothesis, req.Normalization),
		Detail:       cache.Fingerprint(req.Falsification, req.DatasetHint),
	}
}

// ReuseFor applies the reuse rules: stable decisions are reusable across
// the conversation; other results with at least one executed runner and no
// terminal failure are reusable within the turn.
func ReuseFor(r *Result) cache.Reuse {
	if r == nil {
		return cache.Reuse{}
	}
	if r.Decision.Stable() || r.Plan.Skipped() {
		return cache.Reuse{Conversation: true, Turn: true}
	}
	executed := 0
	for _, res := range r.Results {
		if res.Attempted() {
			executed++
		}
	}
	if executed == 0 || r.Decision.Terminal() {
		return cache.Reuse{}
	}
	return cache.Reuse{
		Turn:     true,
		Unstable: r.Decision == gate.NeedsField || r.Decision == gate.ProvisionalPass,
	}
}

// noteDatasetContext records a dataset-resolving fact for a conversation
// and invalidates unstable cache entries the first time it is seen.
func (p *Pipeline) noteDatasetContext(conversation, fact string) {
	p.mu.Lock()
	facts := p.seen[conversation]
	if facts == nil {
		facts = make(map[string]bool)
		p.seen[conversation] = facts
	}
	fresh := !facts[fact]
	facts[fact] = true
	p.mu.Unlock()
	if fresh {
		p.cache.InvalidateUnstable(conversation)
	}
}

func (p *Pipeline) execute(ctx context.Context, req Request) (res *Result, err error) {
	runID := ulid.Make().String()
	logger := p.logger.With("run_id", runID, "conversation", req.Conversation)
	ctx, span := telemetry.StartSpan(ctx, "pipeline.run",
		telemetry.AttrConversation.String(req.Conversation),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	res = &Result{RunID: runID, Request: req}

	// Pass 1 runs alongside the plan stage.
	resolver := p.resolver(req)
	affCh := make(chan dataset.Affinity, 1)
	go func() {
		affCh <- resolver.Affinity(ctx, dataset.AffinityRequest{
			Hypothesis:    req.Hypothesis,
			Normalization: req.Normalization,
		})
	}()

	out, err := p.invoker.Invoke(ctx, invoke.Request{
		Stage:           StagePlan,
		Schema:          contract.SchemaExperimentPlan,
		Namespace:       req.Namespace,
		ConversationKey: req.Conversation,
		Instruction:     planInstruction,
		Input:           stageInput(req),
		MaxRetries:      invoke.DefaultRetries,
	})
	aff := <-affCh
	res.Affinity = &aff
	if err != nil {
		return nil, err
	}
	plan, ok := out.Document.(*contract.ExperimentPlan)
	if !ok || plan == nil {
		return nil, errors.New(errors.ErrCodeInternal, "pipeline: plan stage returned no experiment plan")
	}
	res.Plan = plan

	if !plan.Skipped() {
		if err := p.runPlan(ctx, req, res, resolver, logger); err != nil {
			return nil, err
		}
	}

	in := gate.Input{
		Normalization: req.Normalization,
		Falsification: req.Falsification,
		Plan:          plan,
		Results:       res.Results,
		Config:        p.cfg.Gate,
	}
	if aff.Judged() {
		in.Fit = &aff.Fit
	}
	if res.Resolution != nil {
		in.Dataset = res.Resolution.Dataset
		in.UserDecisionRequired = res.Resolution.UserDecisionRequired
	}
	p.finish(ctx, res, gate.Evaluate(in), logger)
	return res, nil
}

// runPlan materializes the plan and runs toy runners first. Field runners
// run only when toy evidence does not contradict the claim and either a
// relevant real dataset was resolved or synthetic fallback is enabled.
func (p *Pipeline) runPlan(ctx context.Context, req Request, res *Result, resolver *dataset.Resolver, logger *slog.Logger) error {
	files, err := p.materializer.Materialize(res.Plan)
	if err != nil {
		return err
	}
	res.Files = files

	toyIDs, fieldIDs, bothIDs := splitRunners(res.Plan)
	if len(toyIDs) > 0 {
		results, err := p.engine.Execute(ctx, res.Plan, files, runner.ExecOptions{Only: toyIDs})
		res.Results = append(res.Results, results...)
		if err != nil {
			return err
		}
	}
	if len(fieldIDs) == 0 {
		return nil
	}

	toy := gate.Evaluate(gate.Input{Results: res.Results})
	if toy.ToyTruth == gate.TruthFail {
		logger.Info("toy evidence contradicts claim; field runners not started")
		return nil
	}

	resolution := resolver.Resolve(ctx, dataset.ResolveRequest{
		Hypothesis:    req.Hypothesis,
		Normalization: req.Normalization,
		Plan:          res.Plan,
		Hint:          req.DatasetHint,
		Affinity:      res.Affinity,
	})
	res.Resolution = &resolution
	if ds := resolution.Dataset; ds.Real() {
		p.noteDatasetContext(req.Conversation, "dataset:"+ds.Source)
	}

	opts := runner.ExecOptions{Only: fieldIDs}
	switch ds := resolution.Dataset; {
	case ds.Relevant():
		opts.Dataset = &runner.DatasetRef{Path: ds.LocalPath, Format: ds.Format}
	case p.cfg.Gate.SyntheticFallback:
		logger.Info("no relevant dataset; running field runners in provisional mode")
	default:
		// Runners that also carry toy evidence still run, without data.
		opts.Only = bothIDs
	}
	if len(opts.Only) == 0 {
		return nil
	}
	results, err := p.engine.Execute(ctx, res.Plan, files, opts)
	res.Results = append(res.Results, results...)
	return err
}

func (p *Pipeline) finish(ctx context.Context, res *Result, report gate.Report, logger *slog.Logger) {
	res.Report = report
	res.Decision = report.Decision
	res.Stack = report.Stack
	res.Critical = report.Critical
	res.Summary = report.Summary
	res.CompletedAt = p.now()

	gate.Observe(report)
	metricRuns.WithLabelValues(string(report.Decision)).Inc()
	telemetry.AddEvent(ctx, "gate.decision", telemetry.AttrDecision.String(string(report.Decision)))

	if err := gate.WriteReport(p.reportPath, report); err != nil {
		logger.Warn("gate report not written", "path", p.reportPath, "error", err)
	}
	if p.store != nil {
		artifacts := map[string]any{"gate_report": report}
		if _, err := p.store.SaveArtifacts(ctx, res.Request.Namespace, res.Request.Conversation, artifacts); err != nil {
			logger.Warn("gate report artifact not persisted", "error", err)
		}
	}
	logger.Info("pipeline finished",
		"decision", report.Decision,
		"overall", report.Stack.Overall,
		"runners", len(res.Results),
		"next_action", report.NextAction,
	)
}

// resolver builds a per-request resolver sharing the pipeline's searcher and
// fetcher so rate limits hold across runs.
func (p *Pipeline) resolver(req Request) *dataset.Resolver {
	opts := dataset.Options{
		Config:      p.cfg.Dataset,
		DatasetsDir: p.datasets,
		Workspace:   p.workspace,
		Searcher:    p.searcher,
		Fetcher:     p.fetcher,
		Logger:      p.baseLogger,
	}
	if p.discovery {
		opts.Discoverer = &stageDiscoverer{invoker: p.invoker, req: req}
	}
	return dataset.NewResolver(opts)
}

// Reevaluate recomputes the gate report of a stored result.
func Reevaluate(r *Result, cfg config.GateConfig) gate.Report {
	in := gate.Input{
		Normalization: r.Request.Normalization,
		Falsification: r.Request.Falsification,
		Plan:          r.Plan,
		Results:       r.Results,
		Config:        cfg,
	}
	if r.Affinity.Judged() {
		in.Fit = &r.Affinity.Fit
	}
	if r.Resolution != nil {
		in.Dataset = r.Resolution.Dataset
		in.UserDecisionRequired = r.Resolution.UserDecisionRequired
	}
	return gate.Evaluate(in)
}

// splitRunners partitions plan runners by phase. Field ids include runners
// declared for both phases.
func splitRunners(plan *contract.ExperimentPlan) (toy, field, both []string) {
	for _, r := range plan.OrderedRunners() {
		switch r.EffectivePhase() {
		case contract.PhaseField:
			field = append(field, r.ID)
		case contract.PhaseBoth:
			field = append(field, r.ID)
			both = append(both, r.ID)
		default:
			toy = append(toy, r.ID)
		}
	}
	return toy, field, both
}

func stageInput(req Request) string {
	payload := map[string]any{"hypothesis": req.Hypothesis}
	if req.Normalization != "" {
		payload["normalization"] = document(req.Normalization)
	}
	if req.Falsification != "" {
		payload["falsification_plan"] = document(req.Falsification)
	}
	if req.DatasetHint != "" {
		payload["dataset_hint"] = req.DatasetHint
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

// document embeds valid JSON as-is and anything else as a string.
func document(raw string) any {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}
