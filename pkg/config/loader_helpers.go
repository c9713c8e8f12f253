package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Scalars override when non-zero;
// booleans and explicit zeros override only when the key is present in raw.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Workspace != "" {
		base.Workspace = override.Workspace
	}

	// Model
	mergeString(&base.Model.ID, override.Model.ID)
	mergeString(&base.Model.BaseURL, override.Model.BaseURL)
	mergeString(&base.Model.APIKey, override.Model.APIKey)
	if override.Model.RequestsPerSecond > 0 {
		base.Model.RequestsPerSecond = override.Model.RequestsPerSecond
	}
	if override.Model.Burst > 0 {
		base.Model.Burst = override.Model.Burst
	}
	mergeDuration(&base.Model.RequestTimeout, override.Model.RequestTimeout)
	if override.Model.BreakerFailures > 0 {
		base.Model.BreakerFailures = override.Model.BreakerFailures
	}
	mergeDuration(&base.Model.BreakerCooldown, override.Model.BreakerCooldown)

	// Invocation
	mergeDuration(&base.Invocation.GlobalTimeout, override.Invocation.GlobalTimeout)
	mergeDuration(&base.Invocation.AttemptTimeout, override.Invocation.AttemptTimeout)
	if boolFieldSet(raw, "invocation", "max_retries") {
		base.Invocation.MaxRetries = override.Invocation.MaxRetries
	}
	if boolFieldSet(raw, "invocation", "retry_isolation") {
		base.Invocation.RetryIsolation = override.Invocation.RetryIsolation
	}
	if boolFieldSet(raw, "invocation", "deterministic") {
		base.Invocation.Deterministic = override.Invocation.Deterministic
	}
	mergeDuration(&base.Invocation.Backoff.Initial, override.Invocation.Backoff.Initial)
	mergeDuration(&base.Invocation.Backoff.Max, override.Invocation.Backoff.Max)
	if override.Invocation.Backoff.Multiplier > 0 {
		base.Invocation.Backoff.Multiplier = override.Invocation.Backoff.Multiplier
	}
	if boolFieldSet(raw, "invocation", "backoff", "jitter") {
		base.Invocation.Backoff.Jitter = override.Invocation.Backoff.Jitter
	}
	if override.Invocation.TraceLimit > 0 {
		base.Invocation.TraceLimit = override.Invocation.TraceLimit
	}

	// Budget: zero means unlimited, so presence decides.
	if boolFieldSet(raw, "budget", "wall_clock") {
		base.Budget.WallClock = override.Budget.WallClock
	}
	if boolFieldSet(raw, "budget", "max_events") {
		base.Budget.MaxEvents = override.Budget.MaxEvents
	}
	if boolFieldSet(raw, "budget", "max_tool_calls") {
		base.Budget.MaxToolCalls = override.Budget.MaxToolCalls
	}

	// State
	mergeString(&base.State.Dir, override.State.Dir)
	mergeDuration(&base.State.LockTimeout, override.State.LockTimeout)
	mergeDuration(&base.State.StaleLockAge, override.State.StaleLockAge)

	// Runner
	mergeString(&base.Runner.SandboxDir, override.Runner.SandboxDir)
	mergeDuration(&base.Runner.Timeout, override.Runner.Timeout)
	mergeString(&base.Runner.PythonMode, strings.ToLower(override.Runner.PythonMode))
	mergeString(&base.Runner.Python, override.Runner.Python)
	if boolFieldSet(raw, "runner", "auto_install") {
		base.Runner.AutoInstall = override.Runner.AutoInstall
	}
	mergeDuration(&base.Runner.InstallTimeout, override.Runner.InstallTimeout)
	if boolFieldSet(raw, "runner", "max_repair_rounds") {
		base.Runner.MaxRepairRounds = override.Runner.MaxRepairRounds
	}
	if override.Runner.MaxOutputBytes > 0 {
		base.Runner.MaxOutputBytes = override.Runner.MaxOutputBytes
	}
	if boolFieldSet(raw, "runner", "denied_commands") {
		base.Runner.DeniedCommands = append([]string{}, override.Runner.DeniedCommands...)
	}

	// Dataset
	if boolFieldSet(raw, "dataset", "web_discovery") {
		base.Dataset.WebDiscovery = override.Dataset.WebDiscovery
	}
	mergeString(&base.Dataset.SearchEndpoint, override.Dataset.SearchEndpoint)
	mergeDuration(&base.Dataset.SearchTimeout, override.Dataset.SearchTimeout)
	if override.Dataset.SearchRPS > 0 {
		base.Dataset.SearchRPS = override.Dataset.SearchRPS
	}
	mergeDuration(&base.Dataset.FetchTimeout, override.Dataset.FetchTimeout)
	if override.Dataset.TopK > 0 {
		base.Dataset.TopK = override.Dataset.TopK
	}
	if override.Dataset.MaxDownloadBytes > 0 {
		base.Dataset.MaxDownloadBytes = override.Dataset.MaxDownloadBytes
	}
	if override.Dataset.MaxScanDepth > 0 {
		base.Dataset.MaxScanDepth = override.Dataset.MaxScanDepth
	}
	if override.Dataset.MaxScanFiles > 0 {
		base.Dataset.MaxScanFiles = override.Dataset.MaxScanFiles
	}
	if boolFieldSet(raw, "dataset", "fit", "ratio") {
		base.Dataset.Fit.Ratio = override.Dataset.Fit.Ratio
	}
	if boolFieldSet(raw, "dataset", "fit", "min") {
		base.Dataset.Fit.Min = override.Dataset.Fit.Min
	}
	if boolFieldSet(raw, "dataset", "fit", "max") {
		base.Dataset.Fit.Max = override.Dataset.Fit.Max
	}

	// Gate
	if boolFieldSet(raw, "gate", "synthetic_fallback") {
		base.Gate.SyntheticFallback = override.Gate.SyntheticFallback
	}
	if override.Gate.MinRows > 0 {
		base.Gate.MinRows = override.Gate.MinRows
	}
	if override.Gate.MinFolds > 0 {
		base.Gate.MinFolds = override.Gate.MinFolds
	}
	if override.Gate.PValueMax > 0 {
		base.Gate.PValueMax = override.Gate.PValueMax
	}
	if boolFieldSet(raw, "gate", "effect_size_min") {
		base.Gate.EffectSizeMin = override.Gate.EffectSizeMin
	}
	if boolFieldSet(raw, "gate", "ledger_tolerance") {
		base.Gate.LedgerTolerance = override.Gate.LedgerTolerance
	}
	mergeString(&base.Gate.ReportPath, override.Gate.ReportPath)

	// Cache
	mergeDuration(&base.Cache.ConversationTTL, override.Cache.ConversationTTL)
	mergeDuration(&base.Cache.TurnTTL, override.Cache.TurnTTL)

	// Logging
	mergeString(&base.Logging.Level, strings.ToLower(override.Logging.Level))
	mergeString(&base.Logging.Dir, override.Logging.Dir)
	if boolFieldSet(raw, "logging", "stderr") {
		base.Logging.Stderr = override.Logging.Stderr
	}
}

func mergeString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
