package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/logging"
	"github.com/odvcencio/hypogate/pkg/sandbox"
)

const previewLimit = 800

// Environment variables passed to every runner.
const (
	EnvPhase         = "HYPOGATE_PHASE"
	EnvRunnerID      = "HYPOGATE_RUNNER_ID"
	EnvDatasetPath   = "HYPOGATE_DATASET_PATH"
	EnvDatasetFormat = "HYPOGATE_DATASET_FORMAT"
)

var (
	pythonExecutable = regexp.MustCompile(`^python(\d+(\.\d+)?)?(\.exe)?$`)
	envKeyRule       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	runtimeErrorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Traceback \(most recent call last\)`),
		regexp.MustCompile(`(?m)^[A-Za-z_][A-Za-z0-9_.]*(Error|Exception): `),
		regexp.MustCompile(`(?m)^panic: `),
		regexp.MustCompile(`Segmentation fault`),
		regexp.MustCompile(`(?m): command not found$`),
	}
)

// HasRuntimeError reports whether output contains an interpreter-level
// failure such as a traceback or panic.
func HasRuntimeError(output string) bool {
	for _, re := range runtimeErrorPatterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// Engine executes materialized runners in plan order.
type Engine struct {
	exec     Executor
	root     string
	cfg      config.RunnerConfig
	python   *PythonRuntime
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Executor Executor
	// Root is the sandbox root runners execute in.
	Root   string
	Runner config.RunnerConfig
	// Python defaults to a runtime built from Runner.
	Python *PythonRuntime
	// LookPath resolves interpreters; defaults to exec.LookPath.
	LookPath func(string) (string, error)
	Logger   *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts EngineOptions) *Engine {
	python := opts.Python
	if python == nil {
		python = NewPythonRuntime(opts.Executor, opts.Root, opts.Runner, opts.Logger)
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &Engine{
		exec:     opts.Executor,
		root:     opts.Root,
		cfg:      opts.Runner,
		python:   python,
		lookPath: lookPath,
		logger:   logging.OrDiscard(opts.Logger, logging.CategoryRunner),
	}
}

// python runtime state for one Execute call
type pyState struct {
	interp string
	err    error
}

// Execute runs the plan's runners in order. Execution problems become failed
// results; the returned error is non-nil only when ctx ends, in which case
// the results gathered so far are returned with it.
func (e *Engine) Execute(ctx context.Context, plan *contract.ExperimentPlan, files []MaterializedFile, opts ExecOptions) ([]ExecutionResult, error) {
	if plan == nil || plan.Skipped() {
		return nil, nil
	}
	byID := make(map[string]MaterializedFile, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}

	var runners []contract.RunnerDefinition
	for _, r := range plan.OrderedRunners() {
		if len(opts.Only) == 0 || slices.Contains(opts.Only, r.ID) {
			runners = append(runners, r)
		}
	}

	py, installErr, err := e.preparePython(ctx, runners, byID)
	if err != nil {
		return nil, err
	}

	results := make([]ExecutionResult, 0, len(runners))
	for _, r := range runners {
		res := e.runOne(ctx, r, byID, py, opts)
		if installErr != "" && isPythonFile(byID[r.ID]) {
			res.InstallError = installErr
		}
		results = append(results, res)
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}

	if py.err == nil && e.cfg.AutoInstall {
		if err := e.repair(ctx, runners, byID, py, opts, results); err != nil {
			return results, err
		}
	}
	for _, res := range results {
		recordExecution(res)
	}
	return results, nil
}

// preparePython provisions the interpreter and pre-installs allow-listed
// packages when any python runner is present. A provisioning failure is
// reported through pyState; only cancellation is returned as an error.
func (e *Engine) preparePython(ctx context.Context, runners []contract.RunnerDefinition, files map[string]MaterializedFile) (pyState, string, error) {
	var sources []string
	for _, r := range runners {
		if f, ok := files[r.ID]; ok && isPythonFile(f) {
			sources = append(sources, r.Source)
		}
	}
	if len(sources) == 0 {
		return pyState{}, "", nil
	}

	interp, err := e.python.Ensure(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pyState{}, "", ctxErr
	}
	if err != nil {
		e.logger.Warn("python runtime unavailable", "error", err)
		return pyState{err: err}, "", nil
	}
	py := pyState{interp: interp}

	if !e.cfg.AutoInstall {
		return py, "", nil
	}
	pkgs := InferPackages(sources...)
	if len(pkgs) == 0 {
		return py, "", nil
	}
	if err := e.python.Install(ctx, pkgs); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return py, "", ctxErr
		}
		e.logger.Warn("pre-install failed", "packages", pkgs, "error", err)
		return py, err.Error(), nil
	}
	return py, "", nil
}

// repair installs missing modules and re-runs only the runners that failed
// on them. It stops when a round makes no progress or the cap is reached.
func (e *Engine) repair(ctx context.Context, runners []contract.RunnerDefinition, files map[string]MaterializedFile, py pyState, opts ExecOptions, results []ExecutionResult) error {
	for round := 1; round <= e.cfg.MaxRepairRounds; round++ {
		var targets []int
		pkgSet := make(map[string]bool)
		for i, res := range results {
			if res.Status != StatusFailed || len(res.MissingModules) == 0 {
				continue
			}
			targets = append(targets, i)
			for _, mod := range res.MissingModules {
				if pkg, ok := PackageFor(mod); ok {
					pkgSet[pkg] = true
				}
			}
		}
		if len(targets) == 0 || len(pkgSet) == 0 {
			return nil
		}

		pkgs := sortedKeys(pkgSet)
		metricRepairRounds.Inc()
		e.logger.Info("dependency repair round", "round", round, "packages", pkgs, "runners", len(targets))
		if err := e.python.Install(ctx, pkgs); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			for _, i := range targets {
				results[i].InstallError = err.Error()
			}
			return nil
		}

		improved := false
		for _, i := range targets {
			before := results[i]
			res := e.runOne(ctx, runners[i], files, py, opts)
			res.RepairRound = round
			results[i] = res
			if err := ctx.Err(); err != nil {
				return err
			}
			if res.Succeeded() || !slices.Equal(res.MissingModules, before.MissingModules) {
				improved = true
			}
		}
		if !improved {
			return nil
		}
	}
	return nil
}

func (e *Engine) runOne(ctx context.Context, r contract.RunnerDefinition, files map[string]MaterializedFile, py pyState, opts ExecOptions) ExecutionResult {
	res := ExecutionResult{
		ID:             r.ID,
		Phase:          r.EffectivePhase(),
		AutoGenerated:  r.AutoGenerated,
		Cwd:            e.root,
		ExpectedSignal: r.ExpectedSignal,
		FailureSignal:  r.FailureSignal,
	}
	file, ok := files[r.ID]
	if !ok {
		res.Status = StatusSkipped
		res.Reason = "runner was not materialized"
		return res
	}

	argv := commandFor(r, file)
	if isPythonFile(file) && pythonExecutable.MatchString(filepath.Base(argv[0])) {
		if py.err != nil {
			return failed(res, argv, NotFound, fmt.Sprintf("python runtime unavailable: %v", py.err))
		}
		argv[0] = py.interp
	}
	res.Command = argv

	if !strings.ContainsRune(argv[0], filepath.Separator) {
		if _, err := e.lookPath(argv[0]); err != nil {
			return failed(res, argv, NotFound, fmt.Sprintf("interpreter not found: %s", argv[0]))
		}
	}

	out := e.exec.Execute(ctx, sandbox.Cmd{
		Argv:    argv,
		Env:     e.runnerEnv(r, opts),
		Timeout: e.cfg.Timeout,
	})
	res.Duration = out.Duration
	res.ExitCode = out.ExitCode
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.StdoutPreview = preview(out.Stdout, previewLimit)
	res.StderrPreview = preview(out.Stderr, previewLimit)
	res.TimedOut = out.Killed
	if out.Dir != "" {
		res.Cwd = out.Dir
	}
	res.Evidence = ParseEvidence(out.Stdout, out.Stderr)

	switch {
	case out.Cancelled:
		res.Status = StatusFailed
		res.Reason = "cancelled"
	case out.Killed:
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("timed out after %v", e.cfg.Timeout)
	case out.Error != nil:
		res.Status = StatusFailed
		res.Reason = out.Error.Error()
	case out.ExitCode != 0:
		res.Status = StatusFailed
		res.Reason = fmt.Sprintf("exit code %d", out.ExitCode)
	default:
		res.Status = StatusSuccess
	}
	if res.Status == StatusFailed && isPythonFile(file) {
		res.MissingModules = MissingModules(out.Stderr + "\n" + out.Stdout)
	}

	e.logger.Info("runner finished",
		"runner", r.ID,
		"phase", res.Phase,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"evidence", res.Evidence != nil,
	)
	return res
}

// NotFound is the exit code recorded for runners whose interpreter is missing.
const NotFound = 127

func failed(res ExecutionResult, argv []string, exitCode int, reason string) ExecutionResult {
	res.Command = argv
	res.Status = StatusFailed
	res.ExitCode = exitCode
	res.Reason = reason
	res.StderrPreview = reason
	return res
}

func (e *Engine) runnerEnv(r contract.RunnerDefinition, opts ExecOptions) []string {
	env := []string{
		EnvPhase + "=" + r.EffectivePhase(),
		EnvRunnerID + "=" + r.ID,
	}
	if opts.Dataset != nil && opts.Dataset.Path != "" {
		env = append(env,
			EnvDatasetPath+"="+opts.Dataset.Path,
			EnvDatasetFormat+"="+opts.Dataset.Format,
		)
	}
	for _, pair := range r.Env {
		if !envKeyRule.MatchString(pair.Key) || strings.HasPrefix(pair.Key, "HYPOGATE_") {
			continue
		}
		env = append(env, pair.Key+"="+pair.Value)
	}
	return env
}

// commandFor returns the argv for a runner. A declared command has
// references to the requested filename rewritten to the sanitized path.
func commandFor(r contract.RunnerDefinition, file MaterializedFile) []string {
	if len(r.RunCommand) == 0 {
		return defaultCommand(file)
	}
	argv := slices.Clone([]string(r.RunCommand))
	requested := strings.TrimSpace(r.Filename)
	for i := 1; i < len(argv); i++ {
		if requested != "" && (argv[i] == requested || argv[i] == path.Base(filepath.ToSlash(requested))) {
			argv[i] = file.Path
		}
	}
	return argv
}

func defaultCommand(file MaterializedFile) []string {
	switch file.Language {
	case "bash":
		return []string{"bash", file.Path}
	case "javascript":
		return []string{"node", file.Path}
	case "r":
		return []string{"Rscript", file.Path}
	default:
		return []string{config.DefaultPythonInterpreter, file.Path}
	}
}

func isPythonFile(f MaterializedFile) bool {
	return f.Language == "python"
}

func preview(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
