package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
)

const (
	defaultModel   = "moonshotai/kimi-k2-thinking"
	defaultBaseURL = "https://openrouter.ai/api/v1"
)

// Default configuration values exported for documentation and validation
const (
	DefaultGlobalTimeout     = 10 * time.Minute
	DefaultAttemptTimeout    = 3 * time.Minute
	DefaultMaxRetries        = 2
	DefaultTraceLimit        = 256
	DefaultStageWallClock    = 4 * time.Minute
	DefaultMaxEvents         = 5000
	DefaultMaxToolCalls      = 64
	DefaultLockTimeout       = 5 * time.Second
	DefaultStaleLockAge      = 2 * time.Minute
	DefaultRunnerTimeout     = 2 * time.Minute
	DefaultInstallTimeout    = 5 * time.Minute
	DefaultMaxRepairRounds   = 2
	DefaultDatasetTopK       = 5
	DefaultMaxDownloadBytes  = 25 << 20
	DefaultConversationTTL   = 10 * time.Minute
	DefaultTurnTTL           = 6 * time.Hour
	DefaultSandboxDir        = ".hypogate/sandbox"
	DefaultGateReportPath    = ".hypogate/gate_report.json"
	DefaultSearchEndpoint    = "https://api.crossref.org/works"
	PythonModeVenv           = "venv"
	PythonModeSystem         = "system"
	SandboxModeDisabled      = "disabled"
	SandboxModeWorkspace     = "workspace"
	SandboxModeStrict        = "strict"
	DefaultPythonInterpreter = "python3"
)

// Config represents the complete hypogate configuration
type Config struct {
	Workspace  string           `yaml:"workspace"`
	Model      ModelConfig      `yaml:"model"`
	Invocation InvocationConfig `yaml:"invocation"`
	Budget     BudgetConfig     `yaml:"budget"`
	State      StateConfig      `yaml:"state"`
	Runner     RunnerConfig     `yaml:"runner"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Gate       GateConfig       `yaml:"gate"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ModelConfig defines the remote text-generation endpoint.
type ModelConfig struct {
	ID                string        `yaml:"id"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"` // Can be set here or via OPENROUTER_API_KEY
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// InvocationConfig controls the per-stage retry loop.
type InvocationConfig struct {
	GlobalTimeout  time.Duration `yaml:"global_timeout"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryIsolation bool          `yaml:"retry_isolation"`
	Deterministic  bool          `yaml:"deterministic"`
	Backoff        BackoffConfig `yaml:"backoff"`
	TraceLimit     int           `yaml:"trace_limit"`
}

// BackoffConfig defines retry delays for transient failures
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// BudgetConfig holds per-attempt ceilings. Zero means unlimited.
type BudgetConfig struct {
	WallClock    time.Duration `yaml:"wall_clock"`
	MaxEvents    int           `yaml:"max_events"`
	MaxToolCalls int           `yaml:"max_tool_calls"`
}

// StateConfig controls the persistent stage state store.
type StateConfig struct {
	Dir          string        `yaml:"dir"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	StaleLockAge time.Duration `yaml:"stale_lock_age"`
}

// RunnerConfig controls materialization and sandboxed execution.
type RunnerConfig struct {
	SandboxDir      string        `yaml:"sandbox_dir"`
	SandboxMode     string        `yaml:"sandbox_mode"` // disabled, workspace, strict
	Timeout         time.Duration `yaml:"timeout"`
	PythonMode      string        `yaml:"python_mode"` // venv, system
	Python          string        `yaml:"python"`
	AutoInstall     bool          `yaml:"auto_install"`
	InstallTimeout  time.Duration `yaml:"install_timeout"`
	MaxRepairRounds int           `yaml:"max_repair_rounds"`
	MaxOutputBytes  int           `yaml:"max_output_bytes"`
	DeniedCommands  []string      `yaml:"denied_commands"`
}

// DatasetConfig controls dataset discovery and validation.
type DatasetConfig struct {
	WebDiscovery     bool          `yaml:"web_discovery"`
	SearchEndpoint   string        `yaml:"search_endpoint"`
	SearchTimeout    time.Duration `yaml:"search_timeout"`
	SearchRPS        float64       `yaml:"search_rps"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	TopK             int           `yaml:"top_k"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	MaxScanDepth     int           `yaml:"max_scan_depth"`
	MaxScanFiles     int           `yaml:"max_scan_files"`
	Fit              FitConfig     `yaml:"fit"`
}

// FitConfig scales the minimum token matches by vocabulary size.
type FitConfig struct {
	Ratio float64 `yaml:"ratio"`
	Min   int     `yaml:"min"`
	Max   int     `yaml:"max"`
}

// GateConfig defines sufficiency and universal gate thresholds.
type GateConfig struct {
	SyntheticFallback bool    `yaml:"synthetic_fallback"`
	MinRows           int     `yaml:"min_rows"`
	MinFolds          int     `yaml:"min_folds"`
	PValueMax         float64 `yaml:"p_value_max"`
	EffectSizeMin     float64 `yaml:"effect_size_min"`
	LedgerTolerance   float64 `yaml:"ledger_tolerance"`
	ReportPath        string  `yaml:"report_path"`
}

// CacheConfig defines result cache lifetimes.
type CacheConfig struct {
	ConversationTTL time.Duration `yaml:"conversation_ttl"`
	TurnTTL         time.Duration `yaml:"turn_ttl"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`
	Stderr bool   `yaml:"stderr"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			ID:                defaultModel,
			BaseURL:           defaultBaseURL,
			RequestsPerSecond: 2,
			Burst:             4,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
		Invocation: InvocationConfig{
			GlobalTimeout:  DefaultGlobalTimeout,
			AttemptTimeout: DefaultAttemptTimeout,
			MaxRetries:     DefaultMaxRetries,
			Backoff: BackoffConfig{
				Initial:    time.Second,
				Max:        30 * time.Second,
				Multiplier: 2.0,
				Jitter:     0.2,
			},
			TraceLimit: DefaultTraceLimit,
		},
		Budget: BudgetConfig{
			WallClock:    DefaultStageWallClock,
			MaxEvents:    DefaultMaxEvents,
			MaxToolCalls: DefaultMaxToolCalls,
		},
		State: StateConfig{
			Dir:          "~/.hypogate/state",
			LockTimeout:  DefaultLockTimeout,
			StaleLockAge: DefaultStaleLockAge,
		},
		Runner: RunnerConfig{
			SandboxDir:      DefaultSandboxDir,
			SandboxMode:     SandboxModeWorkspace,
			Timeout:         DefaultRunnerTimeout,
			PythonMode:      PythonModeVenv,
			Python:          DefaultPythonInterpreter,
			AutoInstall:     true,
			InstallTimeout:  DefaultInstallTimeout,
			MaxRepairRounds: DefaultMaxRepairRounds,
			MaxOutputBytes:  1 << 20,
		},
		Dataset: DatasetConfig{
			WebDiscovery:     false,
			SearchEndpoint:   DefaultSearchEndpoint,
			SearchTimeout:    10 * time.Second,
			SearchRPS:        2,
			FetchTimeout:     30 * time.Second,
			TopK:             DefaultDatasetTopK,
			MaxDownloadBytes: DefaultMaxDownloadBytes,
			MaxScanDepth:     4,
			MaxScanFiles:     2000,
			Fit: FitConfig{
				Ratio: 0.15,
				Min:   2,
				Max:   6,
			},
		},
		Gate: GateConfig{
			SyntheticFallback: false,
			MinRows:           30,
			MinFolds:          2,
			PValueMax:         0.05,
			EffectSizeMin:     0.1,
			LedgerTolerance:   0.05,
			ReportPath:        DefaultGateReportPath,
		},
		Cache: CacheConfig{
			ConversationTTL: DefaultConversationTTL,
			TurnTTL:         DefaultTurnTTL,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.hypogate/logs",
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load user config (~/.hypogate/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".hypogate", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	// Load project config (./.hypogate/config.yaml)
	projectConfigPath := filepath.Join(".", ".hypogate", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "loading project config").
			WithContext("path", projectConfigPath)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, fmt.Sprintf("loading config from %s", path))
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); v != "" && cfg.Model.APIKey == "" {
		cfg.Model.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_MODEL")); v != "" {
		cfg.Model.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_BASE_URL")); v != "" {
		cfg.Model.BaseURL = v
	}

	if d, ok := envDuration("HYPOGATE_GLOBAL_TIMEOUT"); ok {
		cfg.Invocation.GlobalTimeout = d
	}
	if d, ok := envDuration("HYPOGATE_ATTEMPT_TIMEOUT"); ok {
		cfg.Invocation.AttemptTimeout = d
	}
	if n, ok := envInt("HYPOGATE_MAX_RETRIES"); ok {
		cfg.Invocation.MaxRetries = n
	}
	if val, ok := envBool("HYPOGATE_RETRY_ISOLATION"); ok {
		cfg.Invocation.RetryIsolation = val
	}
	if val, ok := envBool("HYPOGATE_DETERMINISTIC"); ok {
		cfg.Invocation.Deterministic = val
	}

	if n, ok := envInt("HYPOGATE_MAX_EVENTS"); ok {
		cfg.Budget.MaxEvents = n
	}
	if n, ok := envInt("HYPOGATE_MAX_TOOL_CALLS"); ok {
		cfg.Budget.MaxToolCalls = n
	}
	if d, ok := envDuration("HYPOGATE_STAGE_WALL_CLOCK"); ok {
		cfg.Budget.WallClock = d
	}

	if d, ok := envDuration("HYPOGATE_RUNNER_TIMEOUT"); ok {
		cfg.Runner.Timeout = d
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_PYTHON_MODE")); v != "" {
		cfg.Runner.PythonMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_SANDBOX_MODE")); v != "" {
		cfg.Runner.SandboxMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_PYTHON")); v != "" {
		cfg.Runner.Python = v
	}
	if val, ok := envBool("HYPOGATE_AUTO_INSTALL"); ok {
		cfg.Runner.AutoInstall = val
	}
	if d, ok := envDuration("HYPOGATE_INSTALL_TIMEOUT"); ok {
		cfg.Runner.InstallTimeout = d
	}
	if n, ok := envInt("HYPOGATE_MAX_REPAIR_ROUNDS"); ok {
		cfg.Runner.MaxRepairRounds = n
	}
	if v := os.Getenv("HYPOGATE_DENIED_COMMANDS"); v != "" {
		cfg.Runner.DeniedCommands = splitCommaList(v)
	}

	if val, ok := envBool("HYPOGATE_WEB_DISCOVERY"); ok {
		cfg.Dataset.WebDiscovery = val
	}
	if n, ok := envInt("HYPOGATE_DATASET_TOP_K"); ok {
		cfg.Dataset.TopK = n
	}
	if val, ok := envBool("HYPOGATE_SYNTHETIC_FALLBACK"); ok {
		cfg.Gate.SyntheticFallback = val
	}

	if v := strings.TrimSpace(os.Getenv("HYPOGATE_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_LOG_DIR")); v != "" {
		cfg.Logging.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPOGATE_STATE_DIR")); v != "" {
		cfg.State.Dir = v
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return errors.Newf(errors.ErrCodeConfigInvalid, format, args...).WithContext("field", field)
	}

	if c.Invocation.GlobalTimeout <= 0 {
		return invalid("invocation.global_timeout", "global timeout must be positive")
	}
	if c.Invocation.AttemptTimeout <= 0 {
		return invalid("invocation.attempt_timeout", "attempt timeout must be positive")
	}
	if c.Invocation.MaxRetries < 0 {
		return invalid("invocation.max_retries", "max retries cannot be negative: %d", c.Invocation.MaxRetries)
	}
	b := c.Invocation.Backoff
	if b.Initial < 0 || b.Max < 0 {
		return invalid("invocation.backoff", "backoff delays cannot be negative")
	}
	if b.Max > 0 && b.Initial > b.Max {
		return invalid("invocation.backoff", "initial backoff %s exceeds max %s", b.Initial, b.Max)
	}
	if b.Multiplier < 1 {
		return invalid("invocation.backoff.multiplier", "backoff multiplier must be >= 1, got %g", b.Multiplier)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return invalid("invocation.backoff.jitter", "backoff jitter must be within [0,1], got %g", b.Jitter)
	}
	if c.Invocation.TraceLimit <= 0 {
		return invalid("invocation.trace_limit", "trace limit must be positive")
	}

	if c.Budget.MaxEvents < 0 || c.Budget.MaxToolCalls < 0 || c.Budget.WallClock < 0 {
		return invalid("budget", "budget ceilings cannot be negative")
	}

	if c.State.LockTimeout <= 0 {
		return invalid("state.lock_timeout", "lock timeout must be positive")
	}
	if c.State.StaleLockAge <= 0 {
		return invalid("state.stale_lock_age", "stale lock age must be positive")
	}

	switch c.Runner.PythonMode {
	case PythonModeVenv, PythonModeSystem:
	default:
		return invalid("runner.python_mode", "invalid python mode: %s (valid: venv, system)", c.Runner.PythonMode)
	}
	switch c.Runner.SandboxMode {
	case SandboxModeDisabled, SandboxModeWorkspace, SandboxModeStrict:
	default:
		return invalid("runner.sandbox_mode", "invalid sandbox mode: %s (valid: disabled, workspace, strict)", c.Runner.SandboxMode)
	}
	if c.Runner.Timeout <= 0 {
		return invalid("runner.timeout", "runner timeout must be positive")
	}
	if c.Runner.MaxRepairRounds < 0 {
		return invalid("runner.max_repair_rounds", "repair rounds cannot be negative")
	}
	if filepath.IsAbs(c.Runner.SandboxDir) || strings.Contains(filepath.ToSlash(c.Runner.SandboxDir), "..") {
		return invalid("runner.sandbox_dir", "sandbox dir must be a relative path inside the workspace: %s", c.Runner.SandboxDir)
	}

	if c.Dataset.TopK <= 0 {
		return invalid("dataset.top_k", "dataset top_k must be positive")
	}
	if c.Dataset.MaxDownloadBytes <= 0 {
		return invalid("dataset.max_download_bytes", "max download bytes must be positive")
	}
	f := c.Dataset.Fit
	if f.Ratio < 0 || f.Min < 0 || (f.Max > 0 && f.Min > f.Max) {
		return invalid("dataset.fit", "invalid semantic fit thresholds: ratio=%g min=%d max=%d", f.Ratio, f.Min, f.Max)
	}

	if c.Gate.MinRows <= 0 || c.Gate.MinFolds <= 0 {
		return invalid("gate", "gate row and fold minimums must be positive")
	}
	if c.Gate.PValueMax <= 0 || c.Gate.PValueMax >= 1 {
		return invalid("gate.p_value_max", "p-value threshold must be within (0,1), got %g", c.Gate.PValueMax)
	}
	if c.Gate.LedgerTolerance < 0 {
		return invalid("gate.ledger_tolerance", "ledger tolerance cannot be negative")
	}

	if c.Cache.ConversationTTL <= 0 || c.Cache.TurnTTL <= 0 {
		return invalid("cache", "cache TTLs must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// StateDir returns the expanded state directory.
func (c *Config) StateDir() string {
	return expandHomeDir(c.State.Dir)
}

// LogDir returns the expanded log directory.
func (c *Config) LogDir() string {
	return expandHomeDir(c.Logging.Dir)
}
