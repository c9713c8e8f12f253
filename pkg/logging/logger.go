package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryInvocation Category = "invocation"
	CategoryModel      Category = "model"
	CategoryState      Category = "state"
	CategoryContract   Category = "contract"
	CategoryRunner     Category = "runner"
	CategoryDataset    Category = "dataset"
	CategoryGate       Category = "gate"
	CategoryCache      Category = "cache"
	CategoryPipeline   Category = "pipeline"
)

// CategoryKey is the attribute name carrying the subsystem on every record.
const CategoryKey = "category"

// Options configures NewLogger.
type Options struct {
	// Level is the minimum level written to the session log and stderr.
	Level slog.Level
	// Stderr mirrors records to this writer as text when non-nil.
	Stderr io.Writer
}

// Logger fans slog records out to a per-session JSONL file, an errors.jsonl
// file holding warn and above, and optionally a text stream.
type Logger struct {
	sessionID   string
	baseDir     string
	sessionFile *os.File
	errorFile   *os.File
	level       *slog.LevelVar
	slog        *slog.Logger
	mu          sync.Mutex
	closed      bool
}

// NewLogger creates a new structured logger rooted at baseDir.
func NewLogger(baseDir, sessionID string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	if sessionID == "" {
		sessionID = "default"
	}

	sessionFile, err := os.OpenFile(
		filepath.Join(sessionsDir, sessionID+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		sessionFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(opts.Level)

	handlers := []slog.Handler{
		slog.NewJSONHandler(sessionFile, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(errorFile, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	if opts.Stderr != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: level}))
	}

	l := &Logger{
		sessionID:   sessionID,
		baseDir:     baseDir,
		sessionFile: sessionFile,
		errorFile:   errorFile,
		level:       level,
	}
	l.slog = slog.New(slogmulti.Fanout(handlers...)).With(slog.String("session_id", sessionID))
	return l, nil
}

// Slog returns the fan-out slog logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// For returns a logger tagged with the given category.
func (l *Logger) For(category Category) *slog.Logger {
	return l.slog.With(slog.String(CategoryKey, string(category)))
}

// SetLevel changes the minimum level for the session and stderr handlers.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// SessionPath returns the session JSONL path.
func (l *Logger) SessionPath() string {
	return filepath.Join(l.baseDir, "sessions", l.sessionID+".jsonl")
}

// Close closes all log files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if err := l.sessionFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.errorFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or a discarding logger when it is nil, tagged with category.
func OrDiscard(logger *slog.Logger, category Category) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger.With(slog.String(CategoryKey, string(category)))
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ReadRecentEvents reads the last count JSON records from a JSONL log.
func ReadRecentEvents(logPath string, count int) ([]map[string]any, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	if count > 0 && len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
