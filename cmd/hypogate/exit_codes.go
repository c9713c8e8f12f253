package main

import (
	"errors"

	"github.com/odvcencio/hypogate/pkg/gate"
)

const (
	exitFailure  = 1
	exitUsage    = 2
	exitRejected = 3
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

func usageError(err error) error {
	return withExitCode(err, exitUsage)
}

func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return exitFailure
}

// decisionError maps a terminal decision to exit code 3. The error
// carries no message; the decision is already printed.
func decisionError(d gate.Decision) error {
	if !d.Terminal() {
		return nil
	}
	return exitError{code: exitRejected}
}
