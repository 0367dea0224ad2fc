package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// intakeSchemaJSON is the JSON Schema for assessment intake validation.
// Embedded as a constant to avoid filesystem dependencies.
const intakeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bidcraft.dev/schemas/intake.json",
  "type": "object",
  "required": ["client_name", "requirements"],
  "properties": {
    "client_name": {
      "type": "string",
      "minLength": 1
    },
    "project_name": {
      "type": "string"
    },
    "industry": {
      "type": "string"
    },
    "requirements": {
      "type": "string",
      "minLength": 1
    },
    "duration": {
      "type": "string",
      "enum": ["SHORT", "MEDIUM", "LONG", ""]
    },
    "team_size": {
      "type": "integer",
      "minimum": 0,
      "maximum": 500
    }
  },
  "additionalProperties": false
}`

// Validator validates intake submissions and step payloads using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type Validator struct {
	intakeSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a Validator with the intake schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(intakeSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal intake schema: %w", err)
	}
	if err := c.AddResource("https://bidcraft.dev/schemas/intake.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add intake schema resource: %w", err)
	}
	compiled, err := c.Compile("https://bidcraft.dev/schemas/intake.json")
	if err != nil {
		return nil, fmt.Errorf("compile intake schema: %w", err)
	}

	return &Validator{
		intakeSchema: compiled,
		cache:        make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateIntake validates an assessment submission. Whitespace-only
// required fields are rejected even though JSON Schema accepts them.
func (v *Validator) ValidateIntake(intake store.Intake) error {
	doc, err := toJSONValue(intake)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize intake").WithCause(err)
	}
	if err := v.intakeSchema.Validate(doc); err != nil {
		return toBidcraftError(err)
	}

	if strings.TrimSpace(intake.ClientName) == "" {
		return schema.NewError(schema.ErrCodeValidation, "client_name must not be blank")
	}
	if strings.TrimSpace(intake.Requirements) == "" {
		return schema.NewError(schema.ErrCodeValidation, "requirements must not be blank")
	}
	return nil
}

// ValidatePayload validates a step payload against a JSON Schema
// provided as raw bytes. The schema is compiled and cached for
// subsequent calls with the same schema.
func (v *Validator) ValidatePayload(payload map[string]any, payloadSchema []byte) error {
	if len(payloadSchema) == 0 {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}

	compiled, err := v.getOrCompile(payloadSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toBidcraftError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("bidcraft://payload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so
// that numeric values become json.Number (required by the jsonschema
// library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toBidcraftError converts a jsonschema.ValidationError into a
// BidcraftError with one message per leaf violation.
func toBidcraftError(err error) *schema.BidcraftError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
