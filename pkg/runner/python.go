package runner

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
	"github.com/odvcencio/hypogate/pkg/sandbox"
)

// Executor runs one command. *sandbox.Sandbox implements it.
type Executor interface {
	Execute(ctx context.Context, c sandbox.Cmd) *sandbox.Result
}

// importPackages maps allow-listed import names to pip packages.
var importPackages = map[string]string{
	"numpy":       "numpy",
	"pandas":      "pandas",
	"scipy":       "scipy",
	"sklearn":     "scikit-learn",
	"statsmodels": "statsmodels",
	"matplotlib":  "matplotlib",
	"requests":    "requests",
	"yaml":        "pyyaml",
}

var (
	importPattern   = regexp.MustCompile(`(?m)^\s*(?:from|import)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	missingPattern  = regexp.MustCompile(`No module named ['"]([A-Za-z0-9_.\-]+)['"]`)
	packageNameRule = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

const venvDirName = ".venv"

// PythonRuntime provisions the interpreter used for python runners and
// installs packages into it.
type PythonRuntime struct {
	exec           Executor
	mode           string
	base           string
	venvDir        string
	installTimeout time.Duration
	lookPath       func(string) (string, error)
	logger         *slog.Logger

	mu          sync.Mutex
	interpreter string
	installed   map[string]bool
}

// NewPythonRuntime creates a runtime rooted at the sandbox directory.
func NewPythonRuntime(executor Executor, root string, cfg config.RunnerConfig, logger *slog.Logger) *PythonRuntime {
	base := cfg.Python
	if base == "" {
		base = config.DefaultPythonInterpreter
	}
	mode := cfg.PythonMode
	if mode == "" {
		mode = config.PythonModeVenv
	}
	return &PythonRuntime{
		exec:           executor,
		mode:           mode,
		base:           base,
		venvDir:        filepath.Join(root, venvDirName),
		installTimeout: cfg.InstallTimeout,
		lookPath:       defaultLookPath,
		logger:         logging.OrDiscard(logger, logging.CategoryRunner),
		installed:      make(map[string]bool),
	}
}

func defaultLookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Ensure returns the interpreter path, creating the venv on first use. The
// system interpreter is used only when the configured mode is "system".
func (p *PythonRuntime) Ensure(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interpreter != "" {
		return p.interpreter, nil
	}

	basePath, err := p.lookPath(p.base)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInterpreterMissing, "python interpreter not found").
			WithContext("interpreter", p.base).
			WithUserMessage("Install python3 or set HYPOGATE_PYTHON to run experiment runners.")
	}
	if p.mode == config.PythonModeSystem {
		p.interpreter = basePath
		return p.interpreter, nil
	}

	venvPython := p.venvPython()
	if _, err := os.Stat(venvPython); err == nil {
		p.interpreter = venvPython
		return p.interpreter, nil
	}

	p.logger.Info("creating python venv", "path", p.venvDir)
	res := p.exec.Execute(ctx, sandbox.Cmd{
		Argv:    []string{basePath, "-m", "venv", p.venvDir},
		Timeout: p.installTimeout,
	})
	if res.Cancelled {
		return "", res.Error
	}
	if res.Error != nil || res.ExitCode != 0 {
		return "", commandError(errors.ErrCodeInterpreterMissing, "creating python venv", res)
	}
	if _, err := os.Stat(venvPython); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInterpreterMissing, "venv has no interpreter").
			WithContext("path", venvPython)
	}
	p.interpreter = venvPython
	return p.interpreter, nil
}

func (p *PythonRuntime) venvPython() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(p.venvDir, "bin", "python")
}

// Install installs packages not installed earlier by this runtime. Every
// name must match the package name rule.
func (p *PythonRuntime) Install(ctx context.Context, packages []string) error {
	interp, err := p.Ensure(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	var pending []string
	for _, pkg := range packages {
		if !packageNameRule.MatchString(pkg) {
			p.mu.Unlock()
			return errors.Newf(errors.ErrCodeDependencyInstall, "refusing to install invalid package name %q", pkg)
		}
		if !p.installed[pkg] {
			pending = append(pending, pkg)
		}
	}
	p.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	p.logger.Info("installing python packages", "packages", pending)
	argv := append([]string{interp, "-m", "pip", "install", "--disable-pip-version-check", "--quiet"}, pending...)
	res := p.exec.Execute(ctx, sandbox.Cmd{Argv: argv, Timeout: p.installTimeout})
	if res.Cancelled {
		return res.Error
	}
	if res.Error != nil || res.ExitCode != 0 {
		return commandError(errors.ErrCodeDependencyInstall, "pip install failed", res).
			WithContext("packages", strings.Join(pending, " "))
	}

	p.mu.Lock()
	for _, pkg := range pending {
		p.installed[pkg] = true
	}
	p.mu.Unlock()
	return nil
}

func commandError(code errors.ErrorCode, message string, res *sandbox.Result) *errors.Error {
	var e *errors.Error
	if res.Error != nil {
		e = errors.Wrap(res.Error, code, message)
	} else {
		e = errors.New(code, message)
	}
	return e.WithContext("exit_code", res.ExitCode).WithContext("stderr", preview(res.Stderr, previewLimit))
}

// InferPackages returns the allow-listed packages imported by sources.
func InferPackages(sources ...string) []string {
	set := make(map[string]bool)
	for _, src := range sources {
		for _, m := range importPattern.FindAllStringSubmatch(src, -1) {
			if pkg, ok := importPackages[m[1]]; ok {
				set[pkg] = true
			}
		}
	}
	return sortedKeys(set)
}

// MissingModules extracts top-level module names from import failures.
func MissingModules(output string) []string {
	set := make(map[string]bool)
	for _, m := range missingPattern.FindAllStringSubmatch(output, -1) {
		mod, _, _ := strings.Cut(m[1], ".")
		if mod != "" {
			set[mod] = true
		}
	}
	return sortedKeys(set)
}

// PackageFor maps a module name to the package that provides it. Names that
// fail the package name rule are rejected.
func PackageFor(module string) (string, bool) {
	if pkg, ok := importPackages[module]; ok {
		return pkg, true
	}
	if !packageNameRule.MatchString(module) {
		return "", false
	}
	return module, true
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
