package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		baseDir   string
		sessionID string
		wantFile  string
	}{
		{
			name:      "valid directory and session ID",
			baseDir:   t.TempDir(),
			sessionID: "test-session-123",
			wantFile:  "test-session-123.jsonl",
		},
		{
			name:      "creates directories if not exist",
			baseDir:   filepath.Join(t.TempDir(), "nested", "path"),
			sessionID: "session-456",
			wantFile:  "session-456.jsonl",
		},
		{
			name:      "empty session ID",
			baseDir:   t.TempDir(),
			sessionID: "",
			wantFile:  "default.jsonl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.baseDir, tt.sessionID, Options{})
			require.NoError(t, err)
			defer logger.Close()

			assert.FileExists(t, filepath.Join(tt.baseDir, "sessions", tt.wantFile))
			assert.FileExists(t, filepath.Join(tt.baseDir, "errors.jsonl"))
		})
	}
}

func TestLogger_FanOut(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	logger, err := NewLogger(dir, "run-1", Options{Level: slog.LevelInfo, Stderr: &stderr})
	require.NoError(t, err)

	log := logger.For(CategoryRunner)
	log.Debug("hidden")
	log.Info("runner started", "runner", "toy_1")
	log.Warn("install failed", "package", "numpy")
	require.NoError(t, logger.Close())

	session, err := ReadRecentEvents(logger.SessionPath(), 0)
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, "runner started", session[0]["msg"])
	assert.Equal(t, "runner", session[0][CategoryKey])
	assert.Equal(t, "run-1", session[0]["session_id"])

	errs, err := ReadRecentEvents(filepath.Join(dir, "errors.jsonl"), 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "install failed", errs[0]["msg"])

	assert.Contains(t, stderr.String(), "runner started")
	assert.NotContains(t, stderr.String(), "hidden")
}

func TestLogger_SetLevel(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), "lvl", Options{Level: slog.LevelWarn})
	require.NoError(t, err)

	logger.Slog().Info("dropped")
	logger.SetLevel(slog.LevelDebug)
	logger.Slog().Debug("kept")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "second close is a no-op")

	events, err := ReadRecentEvents(logger.SessionPath(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0]["msg"])
}

func TestReadRecentEvents_Tail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	content := "{\"msg\":\"a\"}\nnot json\n{\"msg\":\"b\"}\n\n{\"msg\":\"c\"}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	events, err := ReadRecentEvents(path, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0]["msg"])
	assert.Equal(t, "c", events[1]["msg"])

	_, err = ReadRecentEvents(filepath.Join(t.TempDir(), "missing.jsonl"), 1)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil, CategoryGate))
	var buf bytes.Buffer
	l := OrDiscard(slog.New(slog.NewJSONHandler(&buf, nil)), CategoryGate)
	l.Info("x")
	assert.Contains(t, buf.String(), `"category":"gate"`)
}
