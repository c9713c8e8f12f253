package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, status int, lines []string, inspect func(*http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		if status != http.StatusOK {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "upstream overloaded", "type": "server_error", "code": 503}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, stream Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestClient_OpenStreamsEvents(t *testing.T) {
	var got completionRequest
	server := sseServer(t, http.StatusOK, []string{
		`: keep-alive`,
		`data: {"id":"c1","choices":[{"delta":{"role":"assistant","content":"{\"status\":"}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"content":"\"skipped\"}"}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		`data: [DONE]`,
	}, func(r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	client := NewClientWithOptions("test-key", server.URL, ClientOptions{Model: "test/model"})
	stream, err := client.Open(context.Background(), StageRequest{
		Stage:       "experiment_plan",
		SessionID:   "sess-1",
		Instruction: "Return JSON",
		Input:       "hypothesis",
		State:       map[string]any{"last_stage": "analysis"},
	})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.NoError(t, stream.Err())
	require.Len(t, events, 4)

	assert.Equal(t, EventText, events[0].Kind)
	assert.Equal(t, `{"status":`, events[0].Text)
	assert.Equal(t, `"skipped"}`, events[1].Text)
	assert.Equal(t, EventToolCall, events[2].Kind)
	assert.Equal(t, "search", events[2].ToolCall.Name)
	assert.Equal(t, `{"q":"x"}`, events[2].ToolCall.Arguments)
	assert.Equal(t, EventUsage, events[3].Kind)
	assert.Equal(t, 15, events[3].Usage.TotalTokens)

	assert.Equal(t, "test/model", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, `"last_stage":"analysis"`)
	assert.Equal(t, "user", got.Messages[2].Role)
}

func TestClient_OpenReturnsAPIError(t *testing.T) {
	server := sseServer(t, http.StatusServiceUnavailable, nil, nil)
	client := NewClient("k", server.URL)

	_, err := client.Open(context.Background(), StageRequest{Input: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "upstream overloaded", apiErr.Message)
	assert.Equal(t, "503", apiErr.Code)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, 3*time.Second, apiErr.RetryAfter)
	assert.Equal(t, uint32(1), client.circuitBreaker.FailureCount())
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := sseServer(t, http.StatusBadRequest, nil, nil)
	client := NewClientWithOptions("k", server.URL, ClientOptions{
		CircuitBreakerConfig: &CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute},
	})

	for i := 0; i < 3; i++ {
		_, err := client.Open(context.Background(), StageRequest{Input: "x"})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.False(t, apiErr.Retryable)
	}
	assert.Equal(t, "closed", client.CircuitBreakerState())
}

func TestClient_MalformedChunk(t *testing.T) {
	server := sseServer(t, http.StatusOK, []string{
		`data: {"id":"c1","choices":[{"delta":{"content":"ok"}}]}`,
		`data: {not json`,
	}, nil)
	client := NewClient("k", server.URL)

	stream, err := client.Open(context.Background(), StageRequest{Input: "x"})
	require.NoError(t, err)
	events := collect(t, stream)
	assert.Len(t, events, 1)
	require.Error(t, stream.Err())
	assert.Contains(t, stream.Err().Error(), "malformed json")
}

func TestClient_StreamErrorChunk(t *testing.T) {
	server := sseServer(t, http.StatusOK, []string{
		`data: {"error":{"message":"provider overloaded","type":"overloaded"}}`,
	}, nil)
	client := NewClient("k", server.URL)

	stream, err := client.Open(context.Background(), StageRequest{Input: "x"})
	require.NoError(t, err)
	collect(t, stream)

	var apiErr *APIError
	require.True(t, errors.As(stream.Err(), &apiErr))
	assert.Equal(t, "provider overloaded", apiErr.Message)
}

func TestClient_CloseStopsStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"a"}}]}` + "\n\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient("k", server.URL)
	stream, err := client.Open(context.Background(), StageRequest{Input: "x"})
	require.NoError(t, err)

	ev := <-stream.Events()
	assert.Equal(t, "a", ev.Text)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	collect(t, stream)
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-2"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.True(t, d > 60*time.Second && d <= 90*time.Second, d.String())
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 409, 429, 500, 502, 503, 504} {
		assert.True(t, retryableStatus(code), code)
	}
	for _, code := range []int{400, 401, 403, 404, 422} {
		assert.False(t, retryableStatus(code), code)
	}
}

func TestStageRequestMessages(t *testing.T) {
	msgs := StageRequest{Input: "only input"}.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)

	msgs = StageRequest{Instruction: "sys", Input: "in", State: map[string]any{"k": 1}}.Messages()
	require.Len(t, msgs, 3)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "Prior stage state:"))
}
