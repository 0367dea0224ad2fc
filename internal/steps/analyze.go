package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bidcraft/bidcraft/internal/llm"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

const analyzeInputSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "requirements": {"type": "string"}
  },
  "additionalProperties": true
}`

const analysisPrompt = `Analyze these project requirements and extract key information. Return a JSON response with the following structure:
{
    "project_scope": "Description of what the project entails",
    "deliverables": ["List of specific deliverables"],
    "technical_requirements": ["List of technical needs"],
    "timeline_estimate": "Estimated timeline",
    "complexity_level": "Low/Medium/High",
    "team_skills_needed": ["Required skills/roles"],
    "key_risks": ["Potential project risks"]
}

Requirements to analyze:
%s`

// Analysis is the structured result of the requirements analysis step.
type Analysis struct {
	ProjectScope          string   `json:"project_scope"`
	Deliverables          []string `json:"deliverables"`
	TechnicalRequirements []string `json:"technical_requirements"`
	TimelineEstimate      string   `json:"timeline_estimate"`
	ComplexityLevel       string   `json:"complexity_level"`
	TeamSkillsNeeded      []string `json:"team_skills_needed"`
	KeyRisks              []string `json:"key_risks"`
}

// fallbackAnalysis is used when the model returns something that is not
// valid JSON. The workflow proceeds with conservative defaults rather
// than failing the session.
func fallbackAnalysis() Analysis {
	return Analysis{
		ProjectScope:          "Requirements analysis completed",
		Deliverables:          []string{"Custom software solution"},
		TechnicalRequirements: []string{"To be determined"},
		TimelineEstimate:      "To be estimated",
		ComplexityLevel:       "Medium",
		TeamSkillsNeeded:      []string{"Software development"},
		KeyRisks:              []string{"Scope changes"},
	}
}

// AnalyzeStep extracts structured project information from the free
// text requirements using the completion client.
type AnalyzeStep struct {
	store  store.Store
	client *llm.Client
	logger *slog.Logger
}

// NewAnalyzeStep builds the requirements analysis step.
func NewAnalyzeStep(st store.Store, client *llm.Client, logger *slog.Logger) *AnalyzeStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzeStep{store: st, client: client, logger: logger}
}

func (s *AnalyzeStep) Name() string { return schema.StepAnalyzeRequirements }

func (s *AnalyzeStep) Schema() StepSchema {
	return StepSchema{
		InputSchema: json.RawMessage(analyzeInputSchema),
		Description: "Analyze free-text project requirements into structured scope, deliverables and risks.",
	}
}

func (s *AnalyzeStep) Execute(ctx context.Context, input Input) (*Output, error) {
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	requirements := sess.Intake.Requirements
	if raw, ok := input.Params["requirements"].(string); ok && strings.TrimSpace(raw) != "" {
		requirements = raw
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(analysisPrompt, requirements)},
		},
		MaxTokens: 2000,
	})
	if err != nil {
		return nil, err
	}

	var analysis Analysis
	if uerr := json.Unmarshal([]byte(extractJSON(resp.Content)), &analysis); uerr != nil {
		s.logger.WarnContext(ctx, "model returned malformed analysis, using defaults",
			"session_id", input.SessionID,
			"error", uerr)
		analysis = fallbackAnalysis()
	}

	data, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	if err := s.store.UpdateSession(ctx, input.SessionID, store.SessionUpdate{
		RequirementsData: data,
	}); err != nil {
		return nil, err
	}

	return &Output{
		Data:    data,
		Message: "Requirements analysis completed successfully",
	}, nil
}

// extractJSON trims any prose the model wrapped around the JSON object.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return content
	}
	return content[start : end+1]
}
