package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/errors"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	cfgDir := filepath.Join(dir, ".hypogate")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Dataset.WebDiscovery {
		t.Fatalf("web discovery must default off")
	}
	if cfg.Gate.SyntheticFallback {
		t.Fatalf("synthetic fallback must default off")
	}
	if !cfg.Runner.AutoInstall || cfg.Runner.PythonMode != config.PythonModeVenv {
		t.Fatalf("unexpected runner defaults: %+v", cfg.Runner)
	}
	if cfg.Invocation.RetryIsolation {
		t.Fatalf("retry isolation must default off")
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeConfig(t, home, `
model:
  id: user/model
invocation:
  max_retries: 5
  attempt_timeout: 45s
`)
	writeConfig(t, project, `
invocation:
  max_retries: 0
gate:
  synthetic_fallback: true
`)
	chdir(t, project)

	t.Setenv("HYPOGATE_ATTEMPT_TIMEOUT", "20s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Model.ID != "user/model" {
		t.Fatalf("expected user model override, got %s", cfg.Model.ID)
	}
	if cfg.Invocation.MaxRetries != 0 {
		t.Fatalf("expected explicit project max_retries=0, got %d", cfg.Invocation.MaxRetries)
	}
	if cfg.Invocation.AttemptTimeout != 20*time.Second {
		t.Fatalf("expected env attempt timeout, got %s", cfg.Invocation.AttemptTimeout)
	}
	if !cfg.Gate.SyntheticFallback {
		t.Fatalf("expected project synthetic fallback override")
	}
	if !cfg.Runner.AutoInstall {
		t.Fatalf("auto install default should survive unrelated overrides")
	}
}

func TestInvalidPythonModeFailsValidation(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	t.Setenv("HYPOGATE_PYTHON_MODE", "conda")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected config.Load to fail for invalid python mode")
	}
	if !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestSandboxModeOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	t.Setenv("HYPOGATE_SANDBOX_MODE", "Strict")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runner.SandboxMode != config.SandboxModeStrict {
		t.Fatalf("expected strict sandbox mode, got %q", cfg.Runner.SandboxMode)
	}

	t.Setenv("HYPOGATE_SANDBOX_MODE", "chroot")
	_, err = config.Load()
	if !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID for unknown sandbox mode, got %v", err)
	}
}

func TestMalformedYAMLFailsLoad(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()
	writeConfig(t, project, "invocation: [unterminated\n")
	chdir(t, project)

	_, err := config.Load()
	if !errors.IsCode(err, errors.ErrCodeConfigLoad) {
		t.Fatalf("expected CONFIG_LOAD, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := config.DefaultConfig()

	t.Setenv("HYPOGATE_WEB_DISCOVERY", "1")
	t.Setenv("HYPOGATE_SYNTHETIC_FALLBACK", "yes")
	t.Setenv("HYPOGATE_AUTO_INSTALL", "off")
	t.Setenv("HYPOGATE_RETRY_ISOLATION", "true")
	t.Setenv("HYPOGATE_DETERMINISTIC", "true")
	t.Setenv("HYPOGATE_MAX_RETRIES", "4")
	t.Setenv("HYPOGATE_GLOBAL_TIMEOUT", "90")
	t.Setenv("HYPOGATE_MAX_EVENTS", "10")
	t.Setenv("HYPOGATE_DENIED_COMMANDS", "curl, wget,,")
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	config.ApplyEnvOverridesForTest(cfg)

	if !cfg.Dataset.WebDiscovery || !cfg.Gate.SyntheticFallback {
		t.Fatalf("expected feature toggles enabled")
	}
	if cfg.Runner.AutoInstall {
		t.Fatalf("expected auto install disabled")
	}
	if !cfg.Invocation.RetryIsolation || !cfg.Invocation.Deterministic {
		t.Fatalf("expected retry isolation and determinism enabled")
	}
	if cfg.Invocation.MaxRetries != 4 {
		t.Fatalf("max retries = %d", cfg.Invocation.MaxRetries)
	}
	if cfg.Invocation.GlobalTimeout != 90*time.Second {
		t.Fatalf("bare seconds should parse, got %s", cfg.Invocation.GlobalTimeout)
	}
	if cfg.Budget.MaxEvents != 10 {
		t.Fatalf("max events = %d", cfg.Budget.MaxEvents)
	}
	if len(cfg.Runner.DeniedCommands) != 2 {
		t.Fatalf("denied commands = %v", cfg.Runner.DeniedCommands)
	}
	if cfg.Model.APIKey != "sk-test" {
		t.Fatalf("expected API key from env")
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	cfg := config.DefaultConfig()
	t.Setenv("HYPOGATE_MAX_RETRIES", "many")
	t.Setenv("HYPOGATE_WEB_DISCOVERY", "maybe")
	t.Setenv("HYPOGATE_RUNNER_TIMEOUT", "-5s")
	config.ApplyEnvOverridesForTest(cfg)

	if cfg.Invocation.MaxRetries != config.DefaultMaxRetries {
		t.Fatalf("garbage int should be ignored")
	}
	if cfg.Dataset.WebDiscovery {
		t.Fatalf("garbage bool should be ignored")
	}
	if cfg.Runner.Timeout != config.DefaultRunnerTimeout {
		t.Fatalf("negative duration should be ignored")
	}
}

func TestValidateRejectsEscapingSandbox(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Runner.SandboxDir = "../outside"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected sandbox dir outside workspace to fail")
	}

	cfg = config.DefaultConfig()
	cfg.Runner.SandboxDir = "/tmp/sandbox"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected absolute sandbox dir to fail")
	}
}

func TestValidateFitThresholds(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dataset.Fit.Min = 8
	cfg.Dataset.Fit.Max = 3
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected min > max to fail")
	}
}

func TestWorkspacePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Workspace = "~/proj"

	want := filepath.Join(home, "proj")
	if got := config.ResolveWorkspace(cfg); got != want {
		t.Fatalf("ResolveWorkspace = %s, want %s", got, want)
	}
	if got := config.SandboxRoot(cfg); got != filepath.Join(want, ".hypogate", "sandbox") {
		t.Fatalf("SandboxRoot = %s", got)
	}
	if got := config.GateReportPath(cfg); got != filepath.Join(want, ".hypogate", "gate_report.json") {
		t.Fatalf("GateReportPath = %s", got)
	}
	if got := cfg.StateDir(); got != filepath.Join(home, ".hypogate", "state") {
		t.Fatalf("StateDir = %s", got)
	}
}
