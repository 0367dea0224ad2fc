package schema

import (
	"encoding/json"
	"time"
)

// EventKind classifies an event observed on a delegated planner stream.
// The raw stream is loosely typed; events are parsed into this closed
// union at the boundary and never passed further as raw JSON.
type EventKind string

const (
	EventTextFragment EventKind = "text_fragment"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventReasoning    EventKind = "reasoning"
	EventWarning      EventKind = "warning"
	EventTerminal     EventKind = "terminal"
	EventStreamError  EventKind = "stream_error"
)

// Terminal reasons carried by EventTerminal events.
const (
	TerminalCompleted     = "completed"
	TerminalAwaitingInput = "awaiting_input"
)

// AgentEvent is one classified, immutable entry in a session's planner
// event log. Events are appended in arrival order and never mutated.
type AgentEvent struct {
	Kind      EventKind       `json:"kind"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsTerminalEvent reports whether the event ends stream consumption.
func (e AgentEvent) IsTerminalEvent() bool {
	return e.Kind == EventTerminal || e.Kind == EventStreamError
}
