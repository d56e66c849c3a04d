package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/drip/pkg/schema"
)

const updateFieldInputSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "value": {},
    "fields": {"type": "object"}
  },
  "anyOf": [
    {"required": ["field", "value"]},
    {"required": ["fields"]}
  ]
}`

// UpdateFieldAction implements update_field. It writes one field
// ({field, value}) or several ({fields: {...}}) into customFields.
type UpdateFieldAction struct{}

func (a *UpdateFieldAction) Name() string { return string(schema.ActionUpdateField) }

func (a *UpdateFieldAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set one or more subscriber custom fields.",
		InputSchema: json.RawMessage(updateFieldInputSchema),
	}
}

func (a *UpdateFieldAction) Validate(params map[string]any) error {
	if fields := mapParam(params, "fields"); len(fields) > 0 {
		for k := range fields {
			if strings.TrimSpace(k) == "" {
				return schema.NewError(schema.ErrCodeValidation, "update_field: empty field name")
			}
		}
		return nil
	}
	if strings.TrimSpace(stringParam(params, "field", "")) == "" {
		return schema.NewError(schema.ErrCodeValidation, "update_field: missing required param 'field'")
	}
	if _, ok := params["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "update_field: missing required param 'value'")
	}
	return nil
}

func (a *UpdateFieldAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	out := make(map[string]any)
	for k, v := range mapParam(input.Params, "fields") {
		out[k] = v
	}
	if field := strings.TrimSpace(stringParam(input.Params, "field", "")); field != "" {
		out[field] = input.Params["value"]
	}
	return &ActionOutput{Fields: out}, nil
}

// EndSequenceAction implements end_sequence: the subscriber completes at
// this step regardless of what follows.
type EndSequenceAction struct{}

func (a *EndSequenceAction) Name() string { return string(schema.ActionEndSequence) }

func (a *EndSequenceAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Complete the subscriber's journey immediately.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}
}

func (a *EndSequenceAction) Validate(map[string]any) error { return nil }

func (a *EndSequenceAction) Execute(context.Context, ActionInput) (*ActionOutput, error) {
	return &ActionOutput{EndSequence: true}, nil
}
