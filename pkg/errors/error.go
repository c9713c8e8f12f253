// Package errors carries coded errors through the gate pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Error is a failure with a code, structured context and an optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
	// Origin is file:line of the constructor call site.
	Origin      string
	Retryable   bool
	UserMessage string
}

func build(code ErrorCode, message string, cause error) *Error {
	e := &Error{Code: code, Message: message, Cause: cause, Context: map[string]any{}}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Origin = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return e
}

// New returns a coded error. Retryable starts false.
func New(code ErrorCode, message string) *Error {
	return build(code, message, nil)
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return build(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return build(code, message, err)
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets text suitable for showing outside logs.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error renders "[CODE] message {k: v, ...}: cause" with keys sorted.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Code))
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %v", k, e.Context[k])
		}
		sb.WriteString(" {" + strings.Join(parts, ", ") + "}")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stderrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// IsCode reports whether the outermost *Error in err's chain has code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// GetCode returns the outermost code, INTERNAL for uncoded errors and ""
// for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports the outermost *Error's retry flag.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// UserMessage returns the first user-facing message in err's chain, falling
// back to err.Error().
func UserMessage(err error) string {
	for cur := err; cur != nil; cur = stderrors.Unwrap(cur) {
		if e, ok := cur.(*Error); ok && e.UserMessage != "" {
			return e.UserMessage
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
