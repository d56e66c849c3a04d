package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/drip/pkg/schema"
)

const sequenceSchemaURL = "https://drip.dev/schemas/sequence.json"

// sequenceSchemaJSON is the JSON Schema for sequence definitions. Delay
// maxima per unit match schema.MaxDelay.
// Counters and timestamps are owned by the store and are not constrained here.
const sequenceSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://drip.dev/schemas/sequence.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "trigger_type": { "type": "string" },
    "trigger_config": {},
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "goal_type": {
      "type": "string",
      "enum": ["", "email_opened", "email_clicked", "field_equals", "expression"]
    },
    "goal_config": { "$ref": "#/$defs/goal_config" },
    "exit_on_goal_achieved": { "type": "boolean" },
    "allow_reentry": { "type": "boolean" },
    "max_subscribers": { "type": "integer", "minimum": 1 }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "order", "type", "config"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "order": { "type": "integer", "minimum": 0 },
        "type": { "type": "string", "enum": ["email", "wait", "condition", "action"] },
        "name": { "type": "string" },
        "config": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "email" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/email" } } }
        },
        {
          "if": { "properties": { "type": { "const": "wait" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/wait" } } }
        },
        {
          "if": { "properties": { "type": { "const": "condition" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/condition" } } }
        },
        {
          "if": { "properties": { "type": { "const": "action" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/action" } } }
        }
      ]
    },
    "delay": {
      "type": "object",
      "required": ["value", "unit"],
      "properties": {
        "value": { "type": "number", "minimum": 0 },
        "unit": { "type": "string", "enum": ["minutes", "hours", "days", "weeks"] }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "unit": { "const": "minutes" } } },
          "then": { "properties": { "value": { "maximum": 5256000 } } }
        },
        {
          "if": { "properties": { "unit": { "const": "hours" } } },
          "then": { "properties": { "value": { "maximum": 87600 } } }
        },
        {
          "if": { "properties": { "unit": { "const": "days" } } },
          "then": { "properties": { "value": { "maximum": 3650 } } }
        },
        {
          "if": { "properties": { "unit": { "const": "weeks" } } },
          "then": { "properties": { "value": { "maximum": 521.4 } } }
        }
      ]
    },
    "email": {
      "type": "object",
      "required": ["template_id"],
      "properties": {
        "template_id": { "type": "string", "minLength": 1 },
        "subject": { "type": "string" },
        "delay": { "$ref": "#/$defs/delay" }
      },
      "additionalProperties": false
    },
    "wait": {
      "type": "object",
      "required": ["delay"],
      "properties": {
        "delay": { "$ref": "#/$defs/delay" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": { "type": "string", "minLength": 1 },
        "value": {},
        "true_path": { "type": "string" },
        "false_path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "config": { "type": "object" },
        "delay": { "$ref": "#/$defs/delay" }
      },
      "additionalProperties": false
    },
    "goal_config": {
      "type": "object",
      "properties": {
        "field": { "type": "string" },
        "value": {},
        "engine": { "type": "string", "enum": ["", "cel", "expr"] },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks sequence definitions and action parameters
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	sequenceSchema *jsonschema.Schema

	// mu guards the cache of compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the sequence schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sequenceSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal sequence schema: %w", err)
	}
	if err := c.AddResource(sequenceSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add sequence schema resource: %w", err)
	}
	compiled, err := c.Compile(sequenceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile sequence schema: %w", err)
	}

	return &JSONSchemaValidator{
		sequenceSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSequence checks a sequence definition against the sequence schema.
func (v *JSONSchemaValidator) ValidateSequence(seq *schema.Sequence) error {
	if seq == nil {
		return schema.NewError(schema.ErrCodeValidation, "sequence is nil")
	}

	doc, err := toJSONValue(seq)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize sequence").WithCause(err)
	}
	if err := v.sequenceSchema.Validate(doc); err != nil {
		return toDripError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema provided as raw bytes.
// Compiled schemas are cached by their source text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toDripError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
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

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("drip://input-schema/%d", len(v.cache))
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

// toJSONValue round-trips a Go value through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toDripError flattens a jsonschema.ValidationError into a DripError whose
// details list one violation per failing leaf.
func toDripError(err error) *schema.DripError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
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
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

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
