package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/drip/pkg/schema"
)

// Action is a side effect an Action step performs for one subscriber.
// Names match schema.ActionType values.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the params contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
// Subscriber is a snapshot; actions report changes through ActionOutput
// instead of mutating it.
type ActionInput struct {
	TenantID   string                  `json:"tenant_id"`
	SequenceID string                  `json:"sequence_id"`
	StepID     string                  `json:"step_id"`
	Params     map[string]any          `json:"params"`
	Subscriber *schema.SubscriberState `json:"subscriber"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	// Fields are merged into the subscriber's customFields.
	Fields map[string]any `json:"fields,omitempty"`
	// EndSequence completes the subscriber instead of advancing.
	EndSequence bool            `json:"end_sequence,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, _ := v.(map[string]any)
	return mm
}
