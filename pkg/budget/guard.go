// Package budget enforces per-attempt ceilings on wall-clock time, streamed
// events and tool calls for a single stage invocation.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/hypogate/pkg/errors"
)

// Ceiling names which limit was exceeded.
type Ceiling string

const (
	CeilingWallClock Ceiling = "wall_clock"
	CeilingEvents    Ceiling = "events"
	CeilingToolCalls Ceiling = "tool_calls"
)

// Limits are the ceilings for one attempt. Zero means unlimited.
type Limits struct {
	WallClock    time.Duration `json:"wall_clock,omitempty"`
	MaxEvents    int           `json:"max_events,omitempty"`
	MaxToolCalls int           `json:"max_tool_calls,omitempty"`
}

// Snapshot is a point-in-time view of a guard's counters.
type Snapshot struct {
	Scope     string        `json:"scope"`
	Limits    Limits        `json:"limits"`
	Events    int           `json:"events"`
	ToolCalls int           `json:"tool_calls"`
	Elapsed   time.Duration `json:"elapsed"`
	Exceeded  Ceiling       `json:"exceeded,omitempty"`
}

// Guard tracks consumption for one attempt. It is safe for concurrent use.
type Guard struct {
	scope    string
	limits   Limits
	now      func() time.Time
	start    time.Time
	deadline time.Time

	mu        sync.Mutex
	events    int
	toolCalls int
	exceeded  Ceiling
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New starts a fresh guard for scope.
func New(scope string, limits Limits, opts ...Option) *Guard {
	g := &Guard{
		scope:  scope,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.start = g.now()
	if limits.WallClock > 0 {
		g.deadline = g.start.Add(limits.WallClock)
	}
	return g
}

// Observe counts one streamed event and returns a budget error once any
// ceiling is crossed. The violation is sticky.
func (g *Guard) Observe(toolCall bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exceeded != "" {
		return g.errLocked()
	}

	g.events++
	if toolCall {
		g.toolCalls++
	}

	switch {
	case g.limits.MaxEvents > 0 && g.events > g.limits.MaxEvents:
		g.exceeded = CeilingEvents
	case g.limits.MaxToolCalls > 0 && g.toolCalls > g.limits.MaxToolCalls:
		g.exceeded = CeilingToolCalls
	case g.pastDeadlineLocked():
		g.exceeded = CeilingWallClock
	default:
		return nil
	}
	return g.errLocked()
}

// Check reports a wall-clock violation without counting an event.
func (g *Guard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exceeded == "" && g.pastDeadlineLocked() {
		g.exceeded = CeilingWallClock
	}
	if g.exceeded != "" {
		return g.errLocked()
	}
	return nil
}

// Remaining returns the time left before the wall-clock ceiling, and false
// when there is no wall-clock ceiling.
func (g *Guard) Remaining() (time.Duration, bool) {
	if g.deadline.IsZero() {
		return 0, false
	}
	left := g.deadline.Sub(g.now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// Context derives a context that is cancelled at the wall-clock ceiling.
func (g *Guard) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	left, _ := g.Remaining()
	return context.WithTimeout(ctx, left)
}

// Snapshot returns the current counters.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Scope:     g.scope,
		Limits:    g.limits,
		Events:    g.events,
		ToolCalls: g.toolCalls,
		Elapsed:   g.now().Sub(g.start),
		Exceeded:  g.exceeded,
	}
}

func (g *Guard) pastDeadlineLocked() bool {
	return !g.deadline.IsZero() && !g.now().Before(g.deadline)
}

func (g *Guard) errLocked() error {
	return errors.Newf(errors.ErrCodeBudgetExceeded, "%s budget exceeded", g.exceeded).
		WithContext("scope", g.scope).
		WithContext("ceiling", string(g.exceeded)).
		WithContext("events", g.events).
		WithContext("tool_calls", g.toolCalls).
		WithRetryable(true)
}

// IsExceeded reports whether err is a budget violation.
func IsExceeded(err error) bool {
	return errors.IsCode(err, errors.ErrCodeBudgetExceeded)
}

// ExceededCeiling returns which ceiling a budget error names.
func ExceededCeiling(err error) Ceiling {
	e, ok := errors.As(err)
	if !ok || e.Code != errors.ErrCodeBudgetExceeded {
		return ""
	}
	c, _ := e.Context["ceiling"].(string)
	return Ceiling(c)
}
