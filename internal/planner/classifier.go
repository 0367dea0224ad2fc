package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Field probes over the raw, loosely-typed planner event JSON. Planner
// revisions have shipped several shapes for the same concept, so each
// probe tries the known spellings in order.
const (
	typeProbe   = `.type? // .event? // .kind? // ""`
	textProbe   = `.text? // .delta?.text? // .message? // ""`
	toolProbe   = `.tool? // .tool_name? // .name? // ""`
	resultProbe = `(.result? // .output? // .tool_result? // null) != null`
	reasonProbe = `.reason? // .signal? // ""`
)

// Classifier maps raw planner events onto the closed AgentEvent union.
// Probes are compiled once; the classifier is safe for concurrent use.
type Classifier struct {
	typeCode   *gojq.Code
	textCode   *gojq.Code
	toolCode   *gojq.Code
	resultCode *gojq.Code
	reasonCode *gojq.Code
}

// NewClassifier compiles the field probes.
func NewClassifier() (*Classifier, error) {
	c := &Classifier{}
	for _, p := range []struct {
		expr string
		dst  **gojq.Code
	}{
		{typeProbe, &c.typeCode},
		{textProbe, &c.textCode},
		{toolProbe, &c.toolCode},
		{resultProbe, &c.resultCode},
		{reasonProbe, &c.reasonCode},
	} {
		query, err := gojq.Parse(p.expr)
		if err != nil {
			return nil, fmt.Errorf("parse probe %q: %w", p.expr, err)
		}
		code, err := gojq.Compile(query,
			// Sandbox: block $ENV and env access.
			gojq.WithEnvironLoader(func() []string { return nil }),
		)
		if err != nil {
			return nil, fmt.Errorf("compile probe %q: %w", p.expr, err)
		}
		*p.dst = code
	}
	return c, nil
}

// Classify parses one raw planner event into an AgentEvent. The raw
// shape never travels further into the system than this call.
func (c *Classifier) Classify(raw json.RawMessage) schema.AgentEvent {
	now := time.Now().UTC()

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schema.AgentEvent{
			Kind:      schema.EventTextFragment,
			Text:      strings.TrimSpace(string(raw)),
			Timestamp: now,
		}
	}

	declared := strings.ToLower(c.stringProbe(c.typeCode, doc))
	text := c.stringProbe(c.textCode, doc)
	tool := c.stringProbe(c.toolCode, doc)
	hasResult := c.boolProbe(c.resultCode, doc)
	reason := strings.ToLower(c.stringProbe(c.reasonCode, doc))

	ev := schema.AgentEvent{Timestamp: now, Payload: raw}

	switch {
	// Checked before the error-suffix case: planners spell throttling as
	// rate_limit_error, and a rate limit is a pause, not a failure.
	case containsAny(declared, "warn", "throttl", "rate_limit") || containsAny(reason, "throttl", "rate_limit"):
		ev.Kind = schema.EventWarning
		ev.Text = text

	case containsAny(declared, "stream_error", "internal_error", "validation_error") ||
		strings.HasSuffix(declared, "error") || strings.HasSuffix(declared, "failure"):
		ev.Kind = schema.EventStreamError
		ev.Text = text

	case containsAny(declared, "await", "input_required", "user_input") ||
		containsAny(reason, "await", "input_required", "user_input"):
		ev.Kind = schema.EventTerminal
		ev.Reason = schema.TerminalAwaitingInput

	case containsAny(declared, "complete", "done", "finish", "terminal", "end_of_stream"):
		ev.Kind = schema.EventTerminal
		ev.Reason = schema.TerminalCompleted

	case containsAny(declared, "reason", "think"):
		ev.Kind = schema.EventReasoning
		ev.Text = text

	case tool != "" && hasResult, containsAny(declared, "tool_result", "tool_output"):
		ev.Kind = schema.EventToolResult
		ev.Tool = tool

	case tool != "" || strings.Contains(declared, "tool"):
		ev.Kind = schema.EventToolCall
		ev.Tool = tool

	case text != "":
		ev.Kind = schema.EventTextFragment
		ev.Text = text
		ev.Payload = nil

	default:
		// Shape matches nothing known; keep the raw payload for audit.
		ev.Kind = schema.EventTextFragment
		ev.Text = strings.TrimSpace(string(raw))
	}

	if ev.Kind == schema.EventTextFragment && ev.Text != "" {
		ev.Payload = nil
	}
	return ev
}

func (c *Classifier) stringProbe(code *gojq.Code, doc any) string {
	v, ok := runProbe(code, doc)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c *Classifier) boolProbe(code *gojq.Code, doc any) bool {
	v, ok := runProbe(code, doc)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func runProbe(code *gojq.Code, doc any) (any, bool) {
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	return v, true
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
