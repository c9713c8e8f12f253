package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/tmp/sandbox")

	if cfg.Mode != ModeWorkspace {
		t.Errorf("Mode = %v, want ModeWorkspace", cfg.Mode)
	}
	if cfg.Root != "/tmp/sandbox" {
		t.Errorf("Root = %q", cfg.Root)
	}
	if len(cfg.DeniedPaths) == 0 {
		t.Error("DeniedPaths should not be empty")
	}
	if len(cfg.DeniedCommands) == 0 {
		t.Error("DeniedCommands should not be empty")
	}
}

func TestSandbox_Validate(t *testing.T) {
	root := t.TempDir()
	sb := New(DefaultConfig(root))

	tests := []struct {
		name    string
		argv    []string
		wantErr bool
	}{
		{"runner script", []string{"python3", "runner.py"}, false},
		{"nested relative path", []string{"python3", "runners/toy.py", "--data=datasets/a.csv"}, false},
		{"absolute interpreter", []string{"/usr/bin/python3", "runner.py"}, false},
		{"empty", nil, true},
		{"blank executable", []string{" "}, true},
		{"escaping path", []string{"python3", "../../etc/passwd"}, true},
		{"escaping flag value", []string{"python3", "x.py", "--out=../../x"}, true},
		{"denied pattern", []string{"rm", "-rf", "/"}, true},
		{"sudo", []string{"sudo", "python3", "x.py"}, true},
		{"dd to device", []string{"dd", "if=/dev/zero", "of=/dev/sda"}, true},
		{"mkfs", []string{"mkfs.ext4", "disk.img"}, true},
		{"network", []string{"curl", "https://example.com"}, true},
		{"denied home path", []string{"cat", "~/.ssh/id_rsa"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sb.Validate(tt.argv)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.argv, err, tt.wantErr)
			}
			if err != nil && !errors.IsCode(err, errors.ErrCodeSandboxViolation) {
				t.Errorf("error code = %s, want SANDBOX_VIOLATION", errors.GetCode(err))
			}
		})
	}
}

func TestSandbox_Validate_AllowedPaths(t *testing.T) {
	root := t.TempDir()
	workspace := t.TempDir()
	cfg := DefaultConfig(root)
	cfg.AllowedPaths = []string{workspace}
	sb := New(cfg)

	if err := sb.Validate([]string{"python3", "x.py", filepath.Join(workspace, "data.csv")}); err != nil {
		t.Errorf("allowed path rejected: %v", err)
	}
	if err := sb.Validate([]string{"python3", "x.py", "/opt/elsewhere/data.csv"}); err == nil {
		t.Error("path outside sandbox and allowed paths accepted")
	}
}

func TestSandbox_Validate_NetworkAllowed(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.AllowNetwork = true
	sb := New(cfg)

	if err := sb.Validate([]string{"curl", "https://example.com/data.csv"}); err != nil {
		t.Errorf("network command rejected with AllowNetwork: %v", err)
	}
}

func TestSandbox_Validate_StrictMode(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Mode = ModeStrict
	cfg.AllowedCommands = []string{"python3", "/usr/bin/node"}
	sb := New(cfg)

	if err := sb.Validate([]string{"python3", "x.py"}); err != nil {
		t.Errorf("python3 should be allowed: %v", err)
	}
	if err := sb.Validate([]string{"node", "x.js"}); err != nil {
		t.Errorf("node should match by base name: %v", err)
	}
	if err := sb.Validate([]string{"ruby", "x.rb"}); err == nil {
		t.Error("ruby should be rejected in strict mode")
	}
}

func TestSandbox_Execute_StrictModeEnv(t *testing.T) {
	requireShell(t)
	t.Setenv("HYPO_PARENT_SECRET", "leaked")
	t.Setenv("LANG", "C.UTF-8")

	tests := []struct {
		mode       Mode
		wantSecret bool
	}{
		{mode: ModeWorkspace, wantSecret: true},
		{mode: ModeStrict, wantSecret: false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			cfg.Mode = tt.mode
			cfg.AllowedCommands = []string{"sh"}
			sb := New(cfg)

			res := sb.Execute(context.Background(), Cmd{
				Argv: []string{"sh", "-c", "echo \"secret=$HYPO_PARENT_SECRET lang=$LANG extra=$HYPO_VALUE\""},
				Env:  []string{"HYPO_VALUE=7"},
			})
			if res.Error != nil || res.ExitCode != 0 {
				t.Fatalf("unexpected result: exit=%d err=%v", res.ExitCode, res.Error)
			}
			if got := strings.Contains(res.Stdout, "secret=leaked"); got != tt.wantSecret {
				t.Errorf("Stdout = %q, parent secret visible = %v", res.Stdout, got)
			}
			if !strings.Contains(res.Stdout, "lang=C.UTF-8") {
				t.Errorf("Stdout = %q, want LANG passed through", res.Stdout)
			}
			if !strings.Contains(res.Stdout, "extra=7") {
				t.Errorf("Stdout = %q, want explicit env applied", res.Stdout)
			}
		})
	}
}

func TestSandbox_Validate_Disabled(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Mode = ModeDisabled
	sb := New(cfg)

	if err := sb.Validate([]string{"cat", "/etc/hosts"}); err != nil {
		t.Errorf("disabled mode should allow everything: %v", err)
	}
}

func TestSandbox_Execute(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "work"), 0o755); err != nil {
		t.Fatal(err)
	}
	sb := New(DefaultConfig(root))

	res := sb.Execute(context.Background(), Cmd{
		Argv: []string{"sh", "-c", "pwd; echo \"value=$HYPO_VALUE\"; echo oops >&2; exit 3"},
		Dir:  "work",
		Env:  []string{"HYPO_VALUE=42"},
	})

	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "value=42") {
		t.Errorf("Stdout = %q, want env value", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "work") {
		t.Errorf("Stdout = %q, want working directory", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.Dir != filepath.Join(sb.Root(), "work") {
		t.Errorf("Dir = %q", res.Dir)
	}
}

func TestSandbox_Execute_Timeout(t *testing.T) {
	requireShell(t)
	sb := New(DefaultConfig(t.TempDir()))

	res := sb.Execute(context.Background(), Cmd{
		Argv:    []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})

	if !res.Killed {
		t.Error("expected Killed")
	}
	if res.ExitCode != TimeoutExitCode {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, TimeoutExitCode)
	}
	if res.Cancelled {
		t.Error("timeout must not be reported as cancellation")
	}
	if res.Duration > 4*time.Second {
		t.Errorf("Duration = %v, process was not killed promptly", res.Duration)
	}
}

func TestSandbox_Execute_ParentCancel(t *testing.T) {
	requireShell(t)
	sb := New(DefaultConfig(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := sb.Execute(ctx, Cmd{Argv: []string{"sh", "-c", "sleep 5"}})

	if !res.Cancelled {
		t.Error("expected Cancelled")
	}
	if res.Killed {
		t.Error("parent cancellation must not be reported as timeout")
	}
	if res.Error != context.Canceled {
		t.Errorf("Error = %v, want context.Canceled", res.Error)
	}
}

func TestSandbox_Execute_MissingExecutable(t *testing.T) {
	sb := New(DefaultConfig(t.TempDir()))

	res := sb.Execute(context.Background(), Cmd{Argv: []string{"hypogate-no-such-interpreter", "x.py"}})

	if res.ExitCode != NotFoundExitCode {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, NotFoundExitCode)
	}
	if !errors.IsCode(res.Error, errors.ErrCodeInterpreterMissing) {
		t.Errorf("Error = %v, want INTERPRETER_MISSING", res.Error)
	}
}

func TestSandbox_Execute_RejectsInvalid(t *testing.T) {
	sb := New(DefaultConfig(t.TempDir()))

	res := sb.Execute(context.Background(), Cmd{Argv: []string{"python3", "../../../etc/passwd"}})

	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
	if !errors.IsCode(res.Error, errors.ErrCodeSandboxViolation) {
		t.Errorf("Error = %v, want SANDBOX_VIOLATION", res.Error)
	}
}

func TestSandbox_Execute_OutputCap(t *testing.T) {
	requireShell(t)
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxOutputSize = 64
	sb := New(cfg)

	res := sb.Execute(context.Background(), Cmd{
		Argv: []string{"sh", "-c", "i=0; while [ $i -lt 200 ]; do echo line$i; i=$((i+1)); done; echo LAST"},
	})

	if !res.StdoutTruncated {
		t.Error("expected truncated stdout")
	}
	if !strings.HasPrefix(res.Stdout, "line0") {
		t.Errorf("head lost: %q", res.Stdout)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Stdout), "LAST") {
		t.Errorf("tail lost: %q", res.Stdout)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(10)
	for _, chunk := range []string{"abc", "defghij", "0123456789", "XYZ"} {
		if _, err := b.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	if !b.Truncated() {
		t.Fatal("expected truncation")
	}
	got := b.String()
	if !strings.HasPrefix(got, "abcde\n") {
		t.Errorf("head = %q", got)
	}
	if !strings.HasSuffix(got, "\n89XYZ") {
		t.Errorf("tail = %q", got)
	}
	if !strings.Contains(got, "13 bytes omitted") {
		t.Errorf("omitted count missing: %q", got)
	}

	small := newCappedBuffer(10)
	_, _ = small.Write([]byte("abcdefg"))
	if small.Truncated() || small.String() != "abcdefg" {
		t.Errorf("small write = %q truncated=%v", small.String(), small.Truncated())
	}

	unlimited := newCappedBuffer(0)
	_, _ = unlimited.Write([]byte(strings.Repeat("x", 1000)))
	if unlimited.Truncated() || len(unlimited.String()) != 1000 {
		t.Error("unlimited buffer dropped bytes")
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b", "/a/b/c.txt", true},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/a", false},
		{"/a/b", "/a/b/../c", false},
		{"/a/b", "/a/b/..data", true},
	}
	for _, tt := range tests {
		if got := Within(tt.root, tt.path); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestWithinResolved(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	setup := func(err error) {
		t.Helper()
		if err != nil {
			t.Skipf("setup: %v", err)
		}
	}
	setup(os.MkdirAll(filepath.Join(root, "inner"), 0o755))
	setup(os.Symlink(outside, filepath.Join(root, "out")))
	setup(os.Symlink(filepath.Join(root, "inner"), filepath.Join(root, "alias")))

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "inner", "a.py"), true},
		{filepath.Join(root, "new", "deep", "a.py"), true},
		{filepath.Join(root, "alias", "a.py"), true},
		{filepath.Join(root, "out", "a.py"), false},
		{filepath.Join(root, "out", "x", "a.py"), false},
		{filepath.Join(root, "..", "a.py"), false},
	}
	for _, tt := range tests {
		if got := WithinResolved(root, tt.path); got != tt.want {
			t.Errorf("WithinResolved(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestModeFromString(t *testing.T) {
	tests := map[string]Mode{
		"off":       ModeDisabled,
		"strict":    ModeStrict,
		"workspace": ModeWorkspace,
		"garbage":   ModeWorkspace,
	}
	for in, want := range tests {
		if got := ModeFromString(in); got != want {
			t.Errorf("ModeFromString(%q) = %v, want %v", in, got, want)
		}
		if ModeFromString(in).String() == "unknown" {
			t.Errorf("mode %q has no name", in)
		}
	}
}
