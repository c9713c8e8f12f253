package model

import (
	"context"
	"encoding/json"
)

// EventKind identifies an incremental stream event.
type EventKind string

const (
	EventText       EventKind = "text"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventUsage      EventKind = "usage"
)

// Event is one incremental item emitted by a model stream.
type Event struct {
	Kind     EventKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
}

// StageRequest is what a stage asks of the model for a single attempt.
type StageRequest struct {
	Stage       string
	SessionID   string
	Attempt     int
	Instruction string
	Input       string
	State       map[string]any
	Model       string
}

// Stream delivers events in emission order. Events is closed when the
// stream ends; Err reports why once it is closed.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// Source opens one model stream per call.
type Source interface {
	Open(ctx context.Context, req StageRequest) (Stream, error)
}

// Messages renders a stage request as chat messages. Prior state, when
// present, is passed as a second system message.
func (r StageRequest) Messages() []Message {
	msgs := make([]Message, 0, 3)
	if r.Instruction != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.Instruction})
	}
	if len(r.State) > 0 {
		if data, err := json.Marshal(r.State); err == nil {
			msgs = append(msgs, Message{Role: "system", Content: "Prior stage state:\n" + string(data)})
		}
	}
	msgs = append(msgs, Message{Role: "user", Content: r.Input})
	return msgs
}
