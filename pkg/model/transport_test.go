package model

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSummaryMasksCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-live")
	h.Set("x-api-key", "sk-live")
	h.Set("Accept", "text/event-stream")

	got := headerSummary(h)
	assert.Equal(t, "***", got["Authorization"])
	assert.Equal(t, "***", got["X-Api-Key"])
	assert.Equal(t, "text/event-stream", got["Accept"])
}

func TestLoggingTransportPreservesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-7")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: NewLoggingTransport(nil, logger)}

	req, err := http.NewRequest(http.MethodPost, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-live")
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "data: [DONE]\n\n", string(body))
	assert.Contains(t, logs.String(), "request_id=req-7")
	assert.NotContains(t, logs.String(), "sk-live")
}

func TestLoggingTransportReportsFailure(t *testing.T) {
	boom := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, io.ErrUnexpectedEOF
	})
	client := &http.Client{Transport: NewLoggingTransport(boom, nil)}
	_, err := client.Get("http://model.invalid/v1")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
