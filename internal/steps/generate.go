package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

const generateInputSchema = `{
  "type": "object",
  "required": ["session_id"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "template_path": {"type": "string"}
  },
  "additionalProperties": true
}`

// artifactURLTTL is how long generated document links stay valid.
const artifactURLTTL = time.Hour

// generateStep is the shared machinery behind the slides and document
// generation steps. Each variant renders one artifact from its selected
// template and appends the download link to the session.
type generateStep struct {
	store   store.Store
	objects blob.ObjectStore

	name         string
	description  string
	family       string // key into TemplateSelection: "powerpoint" or "sow"
	artifactName string // file name under the session prefix
}

func (s *generateStep) Name() string { return s.name }

func (s *generateStep) Schema() StepSchema {
	return StepSchema{
		InputSchema: json.RawMessage(generateInputSchema),
		Description: s.description,
	}
}

func (s *generateStep) Execute(ctx context.Context, input Input) (*Output, error) {
	sess, err := s.store.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	template, err := s.loadTemplate(ctx, sess, input)
	if err != nil {
		return nil, err
	}

	proposal, err := buildProposalPayload(sess)
	if err != nil {
		return nil, err
	}
	artifact, err := renderFromTemplate(template, proposal)
	if err != nil {
		return nil, err
	}

	key := input.SessionID + "/" + s.artifactName
	if _, err := s.objects.Put(ctx, key, bytes.NewReader(artifact)); err != nil {
		return nil, err
	}
	url, err := s.objects.SignedURL(key, artifactURLTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendDocumentURL(ctx, input.SessionID, url); err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]string{"document_url": url})
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return &Output{
		Data:    out,
		Message: fmt.Sprintf("%s generated successfully", s.artifactName),
	}, nil
}

// loadTemplate resolves the template for this artifact family. An
// explicit template_path param wins; otherwise the session's stored
// selection is used. With neither, generation proceeds from a bare
// package.
func (s *generateStep) loadTemplate(ctx context.Context, sess *store.Session, input Input) ([]byte, error) {
	key := ""
	if p, ok := input.Params["template_path"].(string); ok && p != "" {
		key = p
	} else if len(sess.TemplateSelection) > 0 {
		var selection map[string]*TemplateRef
		if err := json.Unmarshal(sess.TemplateSelection, &selection); err == nil {
			if ref := selection[s.family]; ref != nil {
				key = ref.Key
			}
		}
	}
	if key == "" {
		return nil, nil
	}

	rc, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"template %q unavailable: %s", key, err.Error()).WithCause(err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// buildProposalPayload assembles everything the rendered document needs
// from the session record.
func buildProposalPayload(sess *store.Session) ([]byte, error) {
	payload := map[string]any{
		"session_id":   sess.ID,
		"client_name":  sess.Intake.ClientName,
		"project_name": sess.Intake.ProjectName,
		"industry":     sess.Intake.Industry,
		"requirements": sess.Intake.Requirements,
	}
	if len(sess.RequirementsData) > 0 {
		payload["analysis"] = json.RawMessage(sess.RequirementsData)
	}
	if len(sess.CostData) > 0 {
		payload["cost_data"] = json.RawMessage(sess.CostData)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal proposal payload: %w", err)
	}
	return data, nil
}

// NewSlidesStep builds the presentation generation step.
func NewSlidesStep(st store.Store, objects blob.ObjectStore) Step {
	return &generateStep{
		store:        st,
		objects:      objects,
		name:         schema.StepGenerateSlides,
		description:  "Generate the proposal presentation from the selected PowerPoint template.",
		family:       "powerpoint",
		artifactName: "presentation.pptx",
	}
}

// NewDocumentStep builds the statement-of-work generation step.
func NewDocumentStep(st store.Store, objects blob.ObjectStore) Step {
	return &generateStep{
		store:        st,
		objects:      objects,
		name:         schema.StepGenerateDocument,
		description:  "Generate the statement of work from the selected SOW template.",
		family:       "sow",
		artifactName: "sow.docx",
	}
}
