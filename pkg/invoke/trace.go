package invoke

import (
	"sync"
	"time"

	"github.com/odvcencio/hypogate/pkg/model"
)

// Trace entry kinds. Stream events use their model.EventKind.
const (
	MarkStart = "start"
	MarkRetry = "retry"
	MarkError = "error"
	MarkEnd   = "end"
)

const maxTraceText = 2000

// TraceEntry is one recorded event or synthetic marker.
type TraceEntry struct {
	Seq     int       `json:"seq"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Kind    string    `json:"kind"`
	Text    string    `json:"text,omitempty"`
}

// TraceSnapshot is the persisted form of a Trace.
type TraceSnapshot struct {
	RunID   string       `json:"run_id"`
	Stage   string       `json:"stage"`
	Limit   int          `json:"limit"`
	Entries []TraceEntry `json:"entries"`
	Dropped int          `json:"dropped,omitempty"`
}

// Trace is a bounded execution log. Once the cap is reached further
// entries are counted but not kept, except the closing end marker, which
// replaces the last slot so every trace shows how it finished.
type Trace struct {
	mu      sync.Mutex
	runID   string
	stage   string
	limit   int
	now     func() time.Time
	seq     int
	entries []TraceEntry
	dropped int
}

func newTrace(runID, stage string, limit int, now func() time.Time) *Trace {
	if limit <= 0 {
		limit = 256
	}
	return &Trace{runID: runID, stage: stage, limit: limit, now: now}
}

func (t *Trace) mark(kind string, attempt int, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	entry := TraceEntry{
		Seq:     t.seq,
		At:      t.now().UTC(),
		Attempt: attempt,
		Kind:    kind,
		Text:    truncate(text, maxTraceText),
	}
	if len(t.entries) < t.limit {
		t.entries = append(t.entries, entry)
		return
	}
	if kind == MarkEnd {
		t.entries[len(t.entries)-1] = entry
	}
	t.dropped++
}

func (t *Trace) event(attempt int, ev model.Event) {
	switch ev.Kind {
	case model.EventText:
		t.mark(string(ev.Kind), attempt, ev.Text)
	case model.EventToolCall, model.EventToolResult:
		text := ev.Text
		if ev.ToolCall != nil {
			text = ev.ToolCall.Name + " " + ev.ToolCall.Arguments
		}
		t.mark(string(ev.Kind), attempt, text)
	case model.EventUsage:
		t.mark(string(ev.Kind), attempt, "")
	default:
		t.mark(string(ev.Kind), attempt, ev.Text)
	}
}

// Snapshot copies the trace.
func (t *Trace) Snapshot() TraceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]TraceEntry, len(t.entries))
	copy(entries, t.entries)
	return TraceSnapshot{
		RunID:   t.runID,
		Stage:   t.stage,
		Limit:   t.limit,
		Entries: entries,
		Dropped: t.dropped,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
