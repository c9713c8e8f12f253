package model

import (
	"fmt"
	"strings"
	"time"
)

// Message is one chat turn sent to the endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a completed tool invocation assembled from stream fragments.
// Arguments is the raw JSON text the model produced.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage is the token accounting reported at the end of a stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is a non-2xx response or an in-stream error from the endpoint.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Code       string
	Retryable  bool
	// RetryAfter is the server's requested delay, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	var sb strings.Builder
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, "model endpoint returned %d", e.StatusCode)
	} else {
		sb.WriteString("model stream error")
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	var tags []string
	if e.Kind != "" {
		tags = append(tags, "kind="+e.Kind)
	}
	if e.Code != "" {
		tags = append(tags, "code="+e.Code)
	}
	if len(tags) > 0 {
		sb.WriteString(" (" + strings.Join(tags, " ") + ")")
	}
	return sb.String()
}

// IsRateLimitError reports a 429 response.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == 429
}

func retryableStatus(code int) bool {
	return code == 408 || code == 409 || code == 429 || code >= 500
}
