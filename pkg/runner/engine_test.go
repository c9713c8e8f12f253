package runner

import (
	"context"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/sandbox"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shRunner(id, phase, script string) contract.RunnerDefinition {
	return contract.RunnerDefinition{
		ID:         id,
		Phase:      phase,
		Language:   "sh",
		Filename:   id + ".sh",
		RunCommand: contract.Command{"sh", id + ".sh"},
		Source:     script,
	}
}

func realEngine(t *testing.T, root string, cfg config.RunnerConfig) *Engine {
	t.Helper()
	sbCfg := sandbox.DefaultConfig(root)
	sbCfg.Timeout = cfg.Timeout
	return NewEngine(EngineOptions{
		Executor: sandbox.New(sbCfg),
		Root:     root,
		Runner:   cfg,
	})
}

func materialize(t *testing.T, root string, plan *contract.ExperimentPlan) []MaterializedFile {
	t.Helper()
	files, err := NewMaterializer(root, "", nil).Materialize(plan)
	require.NoError(t, err)
	return files
}

func TestEngine_RunsInDeclaredOrderAndParsesEvidence(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	plan := planWith(
		shRunner("field_1", "field", `echo "phase=$HYPOGATE_PHASE dataset=$HYPOGATE_DATASET_PATH format=$HYPOGATE_DATASET_FORMAT"
echo 'EVIDENCE_CONTRACT: {"phase":"field","dataset_used":true,"dataset_source":"real","n_rows":45,"lobo_folds":4}'`),
		shRunner("toy_1", "toy", `echo "toy says $GREETING"
echo 'EVIDENCE_CONTRACT: {"phase":"toy","truth_assessment":"PASS"}'`),
	)
	plan.Runners[1].Env = contract.PairList{{Key: "GREETING", Value: "hello"}, {Key: "HYPOGATE_PHASE", Value: "spoofed"}}
	plan.ExecutionOrder = []string{"toy_1", "field_1"}

	files := materialize(t, root, plan)
	engine := realEngine(t, root, config.RunnerConfig{Timeout: 10 * time.Second})

	results, err := engine.Execute(context.Background(), plan, files, ExecOptions{
		Dataset: &DatasetRef{Path: "/data/x.csv", Format: "csv"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "toy_1", results[0].ID)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Contains(t, results[0].Stdout, "toy says hello")
	require.NotNil(t, results[0].Evidence)
	assert.Equal(t, "PASS", results[0].Evidence.Verdict())
	assert.True(t, results[0].IsToy())

	assert.Equal(t, "field_1", results[1].ID)
	assert.Contains(t, results[1].Stdout, "phase=field dataset=/data/x.csv format=csv")
	require.NotNil(t, results[1].Evidence)
	assert.Equal(t, 45, results[1].Evidence.NRows)
	assert.True(t, results[1].IsField())
	assert.Equal(t, []string{"sh", "field_1.sh"}, results[1].Command)
}

func TestEngine_NonZeroExitIsFailedResult(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	plan := planWith(shRunner("toy", "toy", "echo boom >&2\nexit 4"))
	files := materialize(t, root, plan)

	results, err := realEngine(t, root, config.RunnerConfig{Timeout: 10 * time.Second}).
		Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, 4, results[0].ExitCode)
	assert.Equal(t, "exit code 4", results[0].Reason)
	assert.Equal(t, "boom", results[0].StderrPreview)
}

func TestEngine_MissingInterpreterIsFailedResult(t *testing.T) {
	root := t.TempDir()
	r := shRunner("toy", "toy", "echo hi")
	r.RunCommand = contract.Command{"hypogate-no-such-interpreter", "toy.sh"}
	plan := planWith(r)
	files := materialize(t, root, plan)

	results, err := realEngine(t, root, config.RunnerConfig{}).Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, NotFound, results[0].ExitCode)
	assert.Contains(t, results[0].Reason, "interpreter not found")
}

func TestEngine_TimeoutIsFailedResult(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	plan := planWith(shRunner("slow", "toy", "sleep 5"))
	files := materialize(t, root, plan)

	results, err := realEngine(t, root, config.RunnerConfig{Timeout: 100 * time.Millisecond}).
		Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].TimedOut)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, sandbox.TimeoutExitCode, results[0].ExitCode)
}

func TestEngine_CancellationIsReturned(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	plan := planWith(shRunner("slow", "toy", "sleep 5"), shRunner("next", "toy", "echo never"))
	files := materialize(t, root, plan)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	results, err := realEngine(t, root, config.RunnerConfig{Timeout: 10 * time.Second}).
		Execute(ctx, plan, files, ExecOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, "cancelled", results[0].Reason)
}

func TestEngine_UnmaterializedRunnerSkipped(t *testing.T) {
	plan := planWith(shRunner("ghost", "toy", "echo"))
	results, err := realEngine(t, t.TempDir(), config.RunnerConfig{}).Execute(context.Background(), plan, nil, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusSkipped, results[0].Status)
	assert.False(t, results[0].Attempted())
}

func TestEngine_OnlyFilter(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	plan := planWith(shRunner("a", "toy", "echo a"), shRunner("b", "toy", "echo b"))
	files := materialize(t, root, plan)

	results, err := realEngine(t, root, config.RunnerConfig{Timeout: 10 * time.Second}).
		Execute(context.Background(), plan, files, ExecOptions{Only: []string{"b"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func pythonPlan(sources ...string) *contract.ExperimentPlan {
	var runners []contract.RunnerDefinition
	for i, src := range sources {
		id := string(rune('a' + i))
		runners = append(runners, contract.RunnerDefinition{ID: id, Phase: "toy", Language: "python", Filename: id + ".py", Source: src})
	}
	return planWith(runners...)
}

func fakeEngine(root string, fake *scriptedExecutor, cfg config.RunnerConfig) *Engine {
	cfg.PythonMode = config.PythonModeSystem
	rt := NewPythonRuntime(fake, root, cfg, nil)
	rt.lookPath = fixedLookPath("/usr/bin/python3", nil)
	return NewEngine(EngineOptions{Executor: fake, Root: root, Runner: cfg, Python: rt})
}

func TestEngine_AutoRepairInstallsMissingAndReruns(t *testing.T) {
	root := t.TempDir()
	installed := map[string]bool{}
	fake := &scriptedExecutor{}
	fake.handle = func(argv []string, _ []string) *sandbox.Result {
		if slices.Contains(argv, "pip") {
			for _, a := range argv {
				installed[a] = true
			}
			return &sandbox.Result{}
		}
		if argv[1] == "a.py" && !installed["pyyaml"] {
			return &sandbox.Result{ExitCode: 1, Stderr: "ModuleNotFoundError: No module named 'yaml'"}
		}
		return &sandbox.Result{Stdout: `EVIDENCE_CONTRACT: {"truth_assessment":"PASS"}`}
	}

	plan := pythonPlan("import numpy\nimport yaml_loader_indirect\n", "print('ok')\n")
	files := materialize(t, root, plan)
	engine := fakeEngine(root, fake, config.RunnerConfig{AutoInstall: true, MaxRepairRounds: 2})

	results, err := engine.Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, 1, results[0].RepairRound)
	assert.Equal(t, "/usr/bin/python3", results[0].Command[0])
	assert.Equal(t, 0, results[1].RepairRound, "runners that did not fail are not re-run")
	assert.Equal(t, [][]string{{"numpy"}, {"pyyaml"}}, fake.pipInstalls())

	var bRuns int
	for _, argv := range fake.calls {
		if len(argv) > 1 && argv[1] == "b.py" {
			bRuns++
		}
	}
	assert.Equal(t, 1, bRuns)
}

func TestEngine_AutoRepairStopsWithoutProgress(t *testing.T) {
	root := t.TempDir()
	fake := &scriptedExecutor{}
	fake.handle = func(argv []string, _ []string) *sandbox.Result {
		if slices.Contains(argv, "pip") {
			return &sandbox.Result{}
		}
		return &sandbox.Result{ExitCode: 1, Stderr: "ModuleNotFoundError: No module named 'ghostmod'"}
	}

	plan := pythonPlan("import ghostmod\n")
	files := materialize(t, root, plan)
	engine := fakeEngine(root, fake, config.RunnerConfig{AutoInstall: true, MaxRepairRounds: 5})

	results, err := engine.Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, []string{"ghostmod"}, results[0].MissingModules)
	assert.Equal(t, [][]string{{"ghostmod"}}, fake.pipInstalls())
	assert.Len(t, fake.calls, 3, "one run, one install, one re-run")
}

func TestEngine_AutoInstallDisabled(t *testing.T) {
	root := t.TempDir()
	fake := &scriptedExecutor{
		handle: func([]string, []string) *sandbox.Result {
			return &sandbox.Result{ExitCode: 1, Stderr: "ModuleNotFoundError: No module named 'numpy'"}
		},
	}
	plan := pythonPlan("import numpy\n")
	files := materialize(t, root, plan)

	results, err := fakeEngine(root, fake, config.RunnerConfig{AutoInstall: false, MaxRepairRounds: 2}).
		Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	assert.Empty(t, fake.pipInstalls())
	assert.Equal(t, StatusFailed, results[0].Status)
}

func TestEngine_PreinstallFailureRecorded(t *testing.T) {
	root := t.TempDir()
	fake := &scriptedExecutor{
		handle: func(argv []string, _ []string) *sandbox.Result {
			if slices.Contains(argv, "pip") {
				return &sandbox.Result{ExitCode: 1, Stderr: "network unreachable"}
			}
			return &sandbox.Result{}
		},
	}
	plan := pythonPlan("import pandas\n")
	files := materialize(t, root, plan)

	results, err := fakeEngine(root, fake, config.RunnerConfig{AutoInstall: true}).
		Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	assert.Contains(t, results[0].InstallError, "pip install failed")
}

func TestEngine_PythonUnavailable(t *testing.T) {
	root := t.TempDir()
	fake := &scriptedExecutor{}
	rt := NewPythonRuntime(fake, root, config.RunnerConfig{}, nil)
	rt.lookPath = fixedLookPath("", exec.ErrNotFound)
	engine := NewEngine(EngineOptions{Executor: fake, Root: root, Python: rt, Runner: config.RunnerConfig{AutoInstall: true}})

	plan := pythonPlan("print(1)\n")
	files := materialize(t, root, plan)

	results, err := engine.Execute(context.Background(), plan, files, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.True(t, strings.HasPrefix(results[0].Reason, "python runtime unavailable"))
	assert.Empty(t, fake.calls)
}

func TestHasRuntimeError(t *testing.T) {
	assert.True(t, HasRuntimeError("Traceback (most recent call last):\n  File x"))
	assert.True(t, HasRuntimeError("ValueError: bad input"))
	assert.True(t, HasRuntimeError("panic: nil map"))
	assert.True(t, HasRuntimeError("sh: foo: command not found"))
	assert.False(t, HasRuntimeError("all checks passed, error rate 0.1"))
}

func TestCommandForRewritesRequestedFilename(t *testing.T) {
	r := contract.RunnerDefinition{ID: "x", Filename: "../evil/run.py", RunCommand: contract.Command{"python3", "../evil/run.py", "--fast"}}
	argv := commandFor(r, MaterializedFile{Path: "evil/run.py", Language: "python"})
	assert.Equal(t, []string{"python3", "evil/run.py", "--fast"}, argv)

	argv = commandFor(contract.RunnerDefinition{ID: "y"}, MaterializedFile{Path: "y.sh", Language: "bash"})
	assert.Equal(t, []string{"bash", "y.sh"}, argv)
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", preview("  short \n", 10))
	assert.Equal(t, "h...", preview("héllo", 2))
	assert.Equal(t, "hé...", preview("héllo", 3))

	got := preview(strings.Repeat("温度", 300), previewLimit)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), previewLimit+len("..."))
}
