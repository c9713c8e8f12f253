package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveWorkspace returns the absolute workspace directory: the configured
// workspace when set, else the current directory.
func ResolveWorkspace(cfg *Config) string {
	var root string
	if cfg != nil {
		root = expandHomeDir(cfg.Workspace)
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "."
		}
		return cwd
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

// SandboxRoot is the runner sandbox directory, always inside the workspace.
func SandboxRoot(cfg *Config) string {
	dir := DefaultSandboxDir
	if cfg != nil {
		dir = firstNonBlank(cfg.Runner.SandboxDir, dir)
	}
	return filepath.Join(ResolveWorkspace(cfg), filepath.FromSlash(dir))
}

// GateReportPath is where the latest gate report is written. Relative
// paths resolve against the workspace.
func GateReportPath(cfg *Config) string {
	p := DefaultGateReportPath
	if cfg != nil {
		p = firstNonBlank(cfg.Gate.ReportPath, p)
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ResolveWorkspace(cfg), filepath.FromSlash(p))
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// expandHomeDir replaces a leading ~ with the user's home directory.
func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
