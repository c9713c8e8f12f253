// Package sandbox validates and runs generated runner commands inside a
// confined directory. Commands are executed as argv, never through a shell.
package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
)

// Mode represents the sandbox security level
type Mode int

const (
	// ModeDisabled allows all commands unrestricted
	ModeDisabled Mode = iota
	// ModeWorkspace confines path arguments to the sandbox root and allowed paths
	ModeWorkspace
	// ModeStrict additionally restricts executables to AllowedCommands
	ModeStrict
)

// TimeoutExitCode is reported for commands killed by their timeout.
const TimeoutExitCode = 124

// NotFoundExitCode is reported when the executable cannot be resolved.
const NotFoundExitCode = 127

const waitDelay = 2 * time.Second

// Config configures the sandbox behavior
type Config struct {
	Mode            Mode
	Root            string
	AllowedPaths    []string
	DeniedPaths     []string
	AllowedCommands []string
	DeniedCommands  []string
	AllowNetwork    bool
	Timeout         time.Duration
	MaxOutputSize   int64 // Max retained bytes per stream (0 = unlimited)
}

// DefaultConfig returns a safe default configuration rooted at root.
func DefaultConfig(root string) Config {
	home, _ := os.UserHomeDir()

	return Config{
		Mode: ModeWorkspace,
		Root: root,
		DeniedPaths: []string{
			filepath.Join(home, ".ssh"),
			filepath.Join(home, ".gnupg"),
			filepath.Join(home, ".aws"),
			"/etc",
			"/var",
			"/sbin",
		},
		DeniedCommands: []string{
			"rm -rf /",
			"rm -rf ~",
			"sudo ",
			"chmod 777",
			"| sh",
			"| bash",
		},
		Timeout:       2 * time.Minute,
		MaxOutputSize: 1 << 20,
	}
}

// Sandbox validates and executes commands under a Config.
type Sandbox struct {
	config Config
}

// New creates a sandbox. A relative root is resolved against the process
// working directory.
func New(config Config) *Sandbox {
	if config.Root != "" {
		if abs, err := filepath.Abs(config.Root); err == nil {
			config.Root = abs
		}
	}
	return &Sandbox{config: config}
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string { return s.config.Root }

// Cmd is one command to execute.
type Cmd struct {
	Argv []string
	// Dir is relative to the sandbox root unless absolute.
	Dir string
	// Env entries are appended to the base environment and win on conflict.
	Env []string
	// Timeout overrides the sandbox timeout when positive.
	Timeout time.Duration
}

// Result contains the result of a sandboxed command execution
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Dir             string
	Duration        time.Duration
	// Killed is set when the command hit its own timeout.
	Killed bool
	// Cancelled is set when the caller's context ended first.
	Cancelled bool
	Error     error
}

var dangerousPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`rm\s+-[rf]+\s+/`), "recursive delete from root"},
	{regexp.MustCompile(`rm\s+-[rf]+\s+~`), "recursive delete from home"},
	{regexp.MustCompile(`>\s*/dev/sd`), "writing to block devices"},
	{regexp.MustCompile(`dd\s+.*of=/dev/`), "dd to devices"},
	{regexp.MustCompile(`mkfs`), "formatting filesystems"},
	{regexp.MustCompile(`:\(\)\s*\{`), "fork bomb pattern"},
	{regexp.MustCompile(`chmod\s+777\s+/`), "dangerous permissions on root"},
	{regexp.MustCompile(`chown.*-R.*root`), "recursive ownership change to root"},
}

var networkCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "rsync": true,
	"ftp": true, "sftp": true, "nc": true, "netcat": true, "telnet": true,
	"nmap": true, "ping": true, "traceroute": true, "dig": true, "nslookup": true,
}

// Validate checks if a command is allowed to run
func (s *Sandbox) Validate(argv []string) error {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return errors.New(errors.ErrCodeSandboxViolation, "empty command")
	}
	if s.config.Mode == ModeDisabled {
		return nil
	}
	line := strings.Join(argv, " ")

	for _, denied := range s.config.DeniedCommands {
		if denied != "" && strings.Contains(line, denied) {
			return violation(line, "command contains denied pattern: %s", strings.TrimSpace(denied))
		}
	}
	for _, d := range dangerousPatterns {
		if d.re.MatchString(line) {
			return violation(line, "dangerous command pattern detected: %s", d.reason)
		}
	}

	base := filepath.Base(argv[0])
	if s.config.Mode == ModeStrict && !s.isAllowedCommand(base) {
		return violation(line, "command %s not in allowed list (strict mode)", base)
	}
	if !s.config.AllowNetwork && networkCommands[base] {
		return violation(line, "network access not allowed")
	}
	return s.checkWorkspaceBounds(line, argv[1:])
}

func violation(line, format string, args ...any) error {
	return errors.Newf(errors.ErrCodeSandboxViolation, format, args...).WithContext("command", line)
}

// Execute runs a command in the sandbox
func (s *Sandbox) Execute(ctx context.Context, c Cmd) *Result {
	start := time.Now()
	result := &Result{Dir: s.resolveDir(c.Dir)}

	if err := s.Validate(c.Argv); err != nil {
		result.Error = err
		result.ExitCode = 1
		return result
	}

	timeout := s.config.Timeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Argv[0], c.Argv[1:]...)
	setSysProcAttr(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay
	cmd.Dir = result.Dir
	cmd.Env = s.environ(c.Env)

	stdout := newCappedBuffer(s.config.MaxOutputSize)
	stderr := newCappedBuffer(s.config.MaxOutputSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.StdoutTruncated = stdout.Truncated()
	result.StderrTruncated = stderr.Truncated()

	// The caller's cancellation wins over the command timeout.
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.Cancelled = true
		result.Error = ctxErr
		result.ExitCode = -1
		return result
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.Killed = true
		result.Error = errors.Newf(errors.ErrCodeExecutionFailed, "command timed out after %v", timeout).
			WithContext("command", strings.Join(c.Argv, " ")).
			WithRetryable(true)
		result.ExitCode = TimeoutExitCode
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		var execErr *exec.Error
		switch {
		case stderrors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case stderrors.As(err, &execErr):
			result.ExitCode = NotFoundExitCode
			result.Error = errors.Wrap(err, errors.ErrCodeInterpreterMissing, "executable not found").
				WithContext("executable", c.Argv[0])
		default:
			result.ExitCode = 1
			result.Error = errors.Wrap(err, errors.ErrCodeExecutionFailed, "running command")
		}
	}
	return result
}

func (s *Sandbox) resolveDir(dir string) string {
	switch {
	case dir == "":
		return s.config.Root
	case filepath.IsAbs(dir):
		return dir
	case s.config.Root == "":
		return dir
	default:
		return filepath.Join(s.config.Root, dir)
	}
}

func (s *Sandbox) checkWorkspaceBounds(line string, args []string) error {
	if s.config.Root == "" {
		return nil
	}
	for _, path := range extractPaths(args) {
		absPath := path
		if !filepath.IsAbs(absPath) {
			absPath = filepath.Join(s.config.Root, absPath)
		}
		absPath = filepath.Clean(absPath)

		for _, dp := range s.config.DeniedPaths {
			if dp != "" && within(dp, absPath) {
				return violation(line, "access to denied path: %s", path)
			}
		}
		if within(s.config.Root, absPath) {
			continue
		}
		allowed := false
		for _, ap := range s.config.AllowedPaths {
			if ap != "" && within(ap, absPath) {
				allowed = true
				break
			}
		}
		if !allowed {
			return violation(line, "path outside sandbox: %s", path)
		}
	}
	return nil
}

// Within reports whether path is root or lies below it.
func Within(root, path string) bool {
	return within(root, path)
}

// WithinResolved is Within with symlinks resolved: the deepest existing
// component of path, after following links, must still lie under the real
// root. A dangling link fails the check.
func WithinResolved(root, path string) bool {
	if !within(root, path) {
		return false
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	probe := filepath.Clean(path)
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return false
		}
		probe = parent
	}
	resolved, err := filepath.EvalSymlinks(probe)
	if err != nil {
		return false
	}
	return within(realRoot, resolved)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *Sandbox) isAllowedCommand(base string) bool {
	for _, allowed := range s.config.AllowedCommands {
		if base == allowed || base == filepath.Base(allowed) {
			return true
		}
	}
	return false
}

// environ builds the child environment. Strict mode passes only a small set
// of safe variables from the parent.
func (s *Sandbox) environ(extra []string) []string {
	var env []string
	if s.config.Mode == ModeStrict {
		env = restrictedEnv()
	} else {
		env = os.Environ()
	}
	if len(extra) == 0 {
		return env
	}
	overridden := make(map[string]bool, len(extra))
	for _, kv := range extra {
		if k, _, ok := strings.Cut(kv, "="); ok {
			overridden[k] = true
		}
	}
	out := make([]string, 0, len(env)+len(extra))
	for _, kv := range env {
		if k, _, ok := strings.Cut(kv, "="); ok && overridden[k] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, extra...)
}

func restrictedEnv() []string {
	safeVars := []string{
		"PATH",
		"HOME",
		"USER",
		"TMPDIR",
		"LANG",
		"LC_ALL",
		"TZ",
	}

	var env []string
	for _, key := range safeVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	return env
}

// extractPaths returns the arguments that look like file paths.
func extractPaths(args []string) []string {
	var paths []string
	for _, part := range args {
		if strings.HasPrefix(part, "-") {
			// --flag=/some/path still names a path.
			_, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			part = value
		}
		if strings.Contains(part, "://") {
			continue
		}
		if strings.HasPrefix(part, "/") ||
			strings.HasPrefix(part, "~/") ||
			strings.Contains(part, "/") ||
			part == ".." {
			if strings.HasPrefix(part, "~/") {
				if home, err := os.UserHomeDir(); err == nil {
					part = filepath.Join(home, part[2:])
				}
			}
			paths = append(paths, part)
		}
	}
	return paths
}

// ModeFromString parses a mode string
func ModeFromString(s string) Mode {
	switch strings.ToLower(s) {
	case "disabled", "none", "off":
		return ModeDisabled
	case "strict":
		return ModeStrict
	default:
		return ModeWorkspace
	}
}

// String returns the string representation of a mode
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeWorkspace:
		return "workspace"
	case ModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}
