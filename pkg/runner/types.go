// Package runner materializes experiment plans into a sandbox directory and
// executes the resulting runner programs.
package runner

import (
	"strings"
	"time"
)

// FileStatus reports what materialization did to a runner file.
type FileStatus string

const (
	FileCreated   FileStatus = "created"
	FileUpdated   FileStatus = "updated"
	FileUnchanged FileStatus = "unchanged"
)

// MaterializedFile is one runner written into the sandbox.
type MaterializedFile struct {
	ID string `json:"id"`
	// Path is relative to the sandbox root.
	Path     string     `json:"path"`
	AbsPath  string     `json:"abs_path"`
	Language string     `json:"language"`
	Status   FileStatus `json:"status"`
	Diff     string     `json:"diff,omitempty"`
	Added    int        `json:"added,omitempty"`
	Removed  int        `json:"removed,omitempty"`
}

// ExecStatus is the outcome of one runner execution.
type ExecStatus string

const (
	StatusSuccess ExecStatus = "success"
	StatusFailed  ExecStatus = "failed"
	StatusSkipped ExecStatus = "skipped"
)

// ExecutionResult records one runner execution. A repaired re-run replaces
// the earlier result for the same id.
type ExecutionResult struct {
	ID            string        `json:"id"`
	Phase         string        `json:"phase"`
	AutoGenerated bool          `json:"auto_generated,omitempty"`
	Command       []string      `json:"command"`
	Cwd           string        `json:"cwd"`
	Status        ExecStatus    `json:"status"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
	Stdout        string        `json:"stdout,omitempty"`
	Stderr        string        `json:"stderr,omitempty"`
	StdoutPreview string        `json:"stdout_preview,omitempty"`
	StderrPreview string        `json:"stderr_preview,omitempty"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	// MissingModules lists modules the interpreter failed to import.
	MissingModules []string `json:"missing_modules,omitempty"`
	InstallError   string   `json:"install_error,omitempty"`
	RepairRound    int      `json:"repair_round,omitempty"`
	// ExpectedSignal and FailureSignal are copied from the runner definition.
	ExpectedSignal string            `json:"expected_signal,omitempty"`
	FailureSignal  string            `json:"failure_signal,omitempty"`
	Evidence       *EvidenceContract `json:"evidence,omitempty"`
}

// Succeeded reports a zero exit with no execution error.
func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }

// Attempted reports whether the runner was actually started.
func (r ExecutionResult) Attempted() bool { return r.Status != StatusSkipped }

// Output returns stdout and stderr joined for text classification.
func (r ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// IsToy reports whether the result contributes toy evidence.
func (r ExecutionResult) IsToy() bool {
	p := r.effectivePhase()
	return p == "toy" || p == "both"
}

// IsField reports whether the result contributes field evidence.
func (r ExecutionResult) IsField() bool {
	p := r.effectivePhase()
	return p == "field" || p == "both"
}

// effectivePhase prefers the phase the runner reported about itself.
func (r ExecutionResult) effectivePhase() string {
	if r.Evidence != nil && r.Evidence.Phase != "" {
		return strings.ToLower(r.Evidence.Phase)
	}
	return r.Phase
}

// DatasetRef is a resolved dataset handed to runners through the environment.
type DatasetRef struct {
	Path   string
	Format string
}

// ExecOptions controls one Execute call.
type ExecOptions struct {
	Dataset *DatasetRef
	// Only restricts execution to these runner ids when non-empty.
	Only []string
}
