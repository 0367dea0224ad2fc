package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

const templatesInputSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "template_type": {"type": "string", "enum": ["sow", "powerpoint", "both"]}
  },
  "additionalProperties": true
}`

// tierRule decides which template tier a project gets. High-complexity
// or high-budget projects get the heavier tier.
const tierRule = `complexity == "High" || total_cost > 100000.0 ? "premium" : "standard"`

// tierKeywords maps the selected tier to the filename keyword searched
// for per template family.
var tierKeywords = map[string]map[string]string{
	"premium":  {"sow": "enterprise", "powerpoint": "detailed"},
	"standard": {"sow": "standard", "powerpoint": "standard"},
}

// TemplateRef describes one available or selected template.
type TemplateRef struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// TemplateSelection holds the chosen template per family.
type TemplateSelection struct {
	SOW        *TemplateRef `json:"sow,omitempty"`
	PowerPoint *TemplateRef `json:"powerpoint,omitempty"`
}

// TemplatesStep lists available document templates and selects the most
// appropriate ones for the project.
type TemplatesStep struct {
	store    store.Store
	objects  blob.ObjectStore
	tierProg cel.Program
}

// NewTemplatesStep compiles the tier selection rule and builds the step.
func NewTemplatesStep(st store.Store, objects blob.ObjectStore) (*TemplatesStep, error) {
	env, err := cel.NewEnv(
		cel.Variable("complexity", cel.StringType),
		cel.Variable("total_cost", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(tierRule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile tier rule: %w", issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build tier program: %w", err)
	}
	return &TemplatesStep{store: st, objects: objects, tierProg: prog}, nil
}

func (s *TemplatesStep) Name() string { return schema.StepRetrieveTemplates }

func (s *TemplatesStep) Schema() StepSchema {
	return StepSchema{
		InputSchema: json.RawMessage(templatesInputSchema),
		Description: "Retrieve and select the proposal document templates matching the project profile.",
	}
}

func (s *TemplatesStep) Execute(ctx context.Context, input Input) (*Output, error) {
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	templateType := "both"
	if t, ok := input.Params["template_type"].(string); ok && t != "" {
		templateType = t
	}

	tier, err := s.selectTier(sess)
	if err != nil {
		return nil, err
	}

	var selection TemplateSelection
	if templateType == "sow" || templateType == "both" {
		candidates, err := s.listTemplates(ctx, blob.SOWTemplatePrefix, ".docx")
		if err != nil {
			return nil, err
		}
		selection.SOW = pickTemplate(candidates, tierKeywords[tier]["sow"])
	}
	if templateType == "powerpoint" || templateType == "both" {
		candidates, err := s.listTemplates(ctx, blob.PowerPointTemplatePrefix, ".pptx")
		if err != nil {
			return nil, err
		}
		selection.PowerPoint = pickTemplate(candidates, tierKeywords[tier]["powerpoint"])
	}

	data, err := json.Marshal(selection)
	if err != nil {
		return nil, fmt.Errorf("marshal template selection: %w", err)
	}
	if err := s.store.UpdateSession(ctx, input.SessionID, store.SessionUpdate{
		TemplateSelection: data,
	}); err != nil {
		return nil, err
	}

	return &Output{
		Data:    data,
		Message: "Templates retrieved successfully",
	}, nil
}

// selectTier evaluates the tier rule against the session's analysis and
// cost data. Missing data falls back to the standard tier inputs.
func (s *TemplatesStep) selectTier(sess *store.Session) (string, error) {
	complexity := "Medium"
	if len(sess.RequirementsData) > 0 {
		var analysis struct {
			ComplexityLevel string `json:"complexity_level"`
		}
		if err := json.Unmarshal(sess.RequirementsData, &analysis); err == nil && analysis.ComplexityLevel != "" {
			complexity = analysis.ComplexityLevel
		}
	}
	totalCost := 50000.0
	if len(sess.CostData) > 0 {
		var cost struct {
			TotalCost float64 `json:"total_cost"`
		}
		if err := json.Unmarshal(sess.CostData, &cost); err == nil && cost.TotalCost > 0 {
			totalCost = cost.TotalCost
		}
	}

	out, _, err := s.tierProg.Eval(map[string]any{
		"complexity": complexity,
		"total_cost": totalCost,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"tier rule evaluation failed: %s", err.Error()).WithCause(err)
	}
	tier, ok := out.Value().(string)
	if !ok || tierKeywords[tier] == nil {
		return "standard", nil
	}
	return tier, nil
}

func (s *TemplatesStep) listTemplates(ctx context.Context, prefix, ext string) ([]TemplateRef, error) {
	objects, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	refs := make([]TemplateRef, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ext) {
			continue
		}
		refs = append(refs, TemplateRef{
			Name:         strings.TrimSuffix(path.Base(obj.Key), ext),
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.ModTime,
		})
	}
	return refs, nil
}

// pickTemplate prefers a template whose name contains the tier keyword,
// falling back to the first candidate.
func pickTemplate(candidates []TemplateRef, keyword string) *TemplateRef {
	if len(candidates) == 0 {
		return nil
	}
	for i := range candidates {
		if strings.Contains(strings.ToLower(candidates[i].Name), keyword) {
			return &candidates[i]
		}
	}
	return &candidates[0]
}
