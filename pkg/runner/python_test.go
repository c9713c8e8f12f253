package runner

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/sandbox"
)

// scriptedExecutor answers commands with a test-supplied function and
// records every argv it sees.
type scriptedExecutor struct {
	calls  [][]string
	handle func(argv []string, env []string) *sandbox.Result
}

func (s *scriptedExecutor) Execute(ctx context.Context, c sandbox.Cmd) *sandbox.Result {
	s.calls = append(s.calls, slices.Clone(c.Argv))
	if err := ctx.Err(); err != nil {
		return &sandbox.Result{ExitCode: -1, Cancelled: true, Error: err}
	}
	if s.handle == nil {
		return &sandbox.Result{}
	}
	return s.handle(c.Argv, c.Env)
}

func (s *scriptedExecutor) pipInstalls() [][]string {
	var out [][]string
	for _, argv := range s.calls {
		if i := slices.Index(argv, "install"); i > 0 && slices.Contains(argv, "pip") {
			var pkgs []string
			for _, a := range argv[i+1:] {
				if len(a) > 0 && a[0] != '-' {
					pkgs = append(pkgs, a)
				}
			}
			out = append(out, pkgs)
		}
	}
	return out
}

func fixedLookPath(path string, err error) func(string) (string, error) {
	return func(string) (string, error) { return path, err }
}

func TestInferPackages(t *testing.T) {
	src := `import numpy as np
from sklearn.linear_model import LinearRegression
import os, sys
from yaml import safe_load
  import pandas
# import scipy
`
	assert.Equal(t, []string{"numpy", "pandas", "pyyaml", "scikit-learn"}, InferPackages(src))
	assert.Nil(t, InferPackages("print('hello')"))
}

func TestMissingModules(t *testing.T) {
	out := `Traceback (most recent call last):
  File "x.py", line 1, in <module>
ModuleNotFoundError: No module named 'sklearn.linear_model'
ImportError: No module named "statsmodels"`
	assert.Equal(t, []string{"sklearn", "statsmodels"}, MissingModules(out))
	assert.Nil(t, MissingModules("all good"))
}

func TestPackageFor(t *testing.T) {
	pkg, ok := PackageFor("sklearn")
	assert.True(t, ok)
	assert.Equal(t, "scikit-learn", pkg)

	pkg, ok = PackageFor("seaborn")
	assert.True(t, ok)
	assert.Equal(t, "seaborn", pkg)

	_, ok = PackageFor("evil;rm -rf")
	assert.False(t, ok)
}

func TestPythonRuntime_SystemMode(t *testing.T) {
	fake := &scriptedExecutor{}
	rt := NewPythonRuntime(fake, t.TempDir(), config.RunnerConfig{PythonMode: config.PythonModeSystem}, nil)
	rt.lookPath = fixedLookPath("/usr/bin/python3", nil)

	interp, err := rt.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", interp)
	assert.Empty(t, fake.calls)
}

func TestPythonRuntime_CreatesVenvOnce(t *testing.T) {
	root := t.TempDir()
	fake := &scriptedExecutor{
		handle: func(argv []string, _ []string) *sandbox.Result {
			if slices.Contains(argv, "venv") {
				bin := filepath.Join(argv[len(argv)-1], "bin")
				_ = os.MkdirAll(bin, 0o755)
				_ = os.WriteFile(filepath.Join(bin, "python"), []byte("#!/bin/sh\n"), 0o755)
			}
			return &sandbox.Result{}
		},
	}
	rt := NewPythonRuntime(fake, root, config.RunnerConfig{}, nil)
	rt.lookPath = fixedLookPath("/usr/bin/python3", nil)

	interp, err := rt.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".venv", "bin", "python"), interp)

	again, err := rt.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, interp, again)
	assert.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"/usr/bin/python3", "-m", "venv", filepath.Join(root, ".venv")}, fake.calls[0])
}

func TestPythonRuntime_MissingInterpreter(t *testing.T) {
	rt := NewPythonRuntime(&scriptedExecutor{}, t.TempDir(), config.RunnerConfig{}, nil)
	rt.lookPath = fixedLookPath("", os.ErrNotExist)

	_, err := rt.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInterpreterMissing))
}

func TestPythonRuntime_InstallSkipsInstalledAndRejectsBadNames(t *testing.T) {
	fake := &scriptedExecutor{}
	rt := NewPythonRuntime(fake, t.TempDir(), config.RunnerConfig{PythonMode: config.PythonModeSystem}, nil)
	rt.lookPath = fixedLookPath("/usr/bin/python3", nil)

	require.NoError(t, rt.Install(context.Background(), []string{"numpy"}))
	require.NoError(t, rt.Install(context.Background(), []string{"numpy"}))
	assert.Equal(t, [][]string{{"numpy"}}, fake.pipInstalls())

	err := rt.Install(context.Background(), []string{"numpy; curl evil"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDependencyInstall))
}

func TestPythonRuntime_InstallFailure(t *testing.T) {
	fake := &scriptedExecutor{
		handle: func([]string, []string) *sandbox.Result {
			return &sandbox.Result{ExitCode: 1, Stderr: "ERROR: No matching distribution"}
		},
	}
	rt := NewPythonRuntime(fake, t.TempDir(), config.RunnerConfig{PythonMode: config.PythonModeSystem}, nil)
	rt.lookPath = fixedLookPath("/usr/bin/python3", nil)

	err := rt.Install(context.Background(), []string{"nosuchpkg"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDependencyInstall))
}
