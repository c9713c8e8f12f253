package invoke

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/model"
)

// retryTokens are lower-cased message fragments that mark a transient
// failure when no status code is available.
var retryTokens = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"overloaded",
	"rate limit",
	"rate-limited",
	"ratelimit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"malformed json",
	"invalid json",
	"unexpected end of json",
}

// Class is the outcome of classifying one attempt failure.
type Class struct {
	Retryable bool
	Reason    string
}

// Classify decides whether a failed attempt may be retried. Status codes
// take precedence over structured retry flags, which take precedence over
// message tokens. Cancellation is never retryable.
func Classify(err error) Class {
	if err == nil {
		return Class{Reason: "ok"}
	}
	if stderrors.Is(err, context.Canceled) {
		return Class{Reason: "cancelled"}
	}

	var apiErr *model.APIError
	if stderrors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		if RetryableStatus(apiErr.StatusCode) {
			return Class{Retryable: true, Reason: "status"}
		}
		return Class{Reason: "status"}
	}

	if e, ok := errors.As(err); ok && e.Retryable {
		return Class{Retryable: true, Reason: strings.ToLower(string(e.Code))}
	}

	if token := matchRetryToken(err.Error()); token != "" {
		return Class{Retryable: true, Reason: "token:" + token}
	}
	return Class{Reason: "fatal"}
}

// RetryableStatus reports whether an HTTP status marks a transient failure.
func RetryableStatus(code int) bool {
	switch code {
	case 408, 409, 429:
		return true
	}
	return code >= 500 && code <= 599
}

func matchRetryToken(msg string) string {
	msg = strings.ToLower(msg)
	for _, token := range retryTokens {
		if strings.Contains(msg, token) {
			return token
		}
	}
	return ""
}

// retryAfter extracts a server-requested delay from err.
func retryAfter(err error) time.Duration {
	var apiErr *model.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
