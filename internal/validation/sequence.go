package validation

import (
	"errors"

	"github.com/rendis/drip/pkg/schema"
)

// SequenceValidator runs the activation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, orders, configs, operators, action types, goal)
// 3. Graph (branch references, reachability)
type SequenceValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewSequenceValidator creates a SequenceValidator.
// lookup may be nil to skip action registration checks.
func NewSequenceValidator(lookup ActionLookup) (*SequenceValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &SequenceValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Validate runs all stages and aggregates their issues. A failing stage
// short-circuits the stages after it.
func (sv *SequenceValidator) Validate(seq *schema.Sequence) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if seq == nil {
		result.AddError("/", schema.ErrCodeValidation, "sequence is nil")
		return result
	}
	if len(seq.Steps) == 0 {
		result.AddError("steps", schema.IssueNoSteps, "sequence must have at least one step")
		return result
	}

	result.Merge(validateStructural(sv.jsonSchema, seq))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(seq, sv.actions))
	if result.Valid() {
		result.Merge(validateGraph(seq))
	}
	return result
}

// ValidateSequence satisfies Validator.
func (sv *SequenceValidator) ValidateSequence(seq *schema.Sequence) error {
	return sv.Validate(seq).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (sv *SequenceValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return sv.jsonSchema.ValidateInput(input, inputSchema)
}

// JSONSchema exposes the structural validator for action parameter checks.
func (sv *SequenceValidator) JSONSchema() *JSONSchemaValidator { return sv.jsonSchema }

func validateStructural(v *JSONSchemaValidator, seq *schema.Sequence) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateSequence(seq)
	if err == nil {
		return result
	}

	var dErr *schema.DripError
	if !errors.As(err, &dErr) {
		result.AddError("/", schema.IssueSchema, err.Error())
		return result
	}
	if violations, ok := dErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.IssueSchema, v)
		}
		return result
	}
	result.AddError("/", schema.IssueSchema, dErr.Message)
	return result
}
