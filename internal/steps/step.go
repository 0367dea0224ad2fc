// Package steps implements the proposal workflow's executable units.
// Each step is invokable both by the direct orchestrator and as a tool
// exposed to a delegated planner.
package steps

import (
	"context"
	"encoding/json"
)

// Step is one executable unit of proposal work.
type Step interface {
	Name() string
	Schema() StepSchema
	Execute(ctx context.Context, input Input) (*Output, error)
}

// StepSchema describes the input contract of a step.
type StepSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Input is the data provided to a step at execution time.
type Input struct {
	SessionID string         `json:"session_id"`
	Params    map[string]any `json:"params,omitempty"`
}

// Output is the result of a step execution.
type Output struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// StepInfo is a summary of a registered step for listing.
type StepInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
