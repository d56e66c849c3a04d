package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/pkg/schema"
)

type mockLookup map[string]bool

func newMockLookup(names ...string) mockLookup {
	m := make(mockLookup, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func (m mockLookup) Has(name string) bool { return m[name] }

func step(t *testing.T, id string, order int, typ schema.StepType, cfg any) schema.Step {
	t.Helper()
	s, err := schema.NewStep(id, order, typ, cfg)
	require.NoError(t, err)
	return s
}

func email(t *testing.T, id string, order int) schema.Step {
	return step(t, id, order, schema.StepTypeEmail, schema.EmailConfig{TemplateID: "tpl-" + id})
}

func wait(t *testing.T, id string, order int) schema.Step {
	return step(t, id, order, schema.StepTypeWait, schema.WaitConfig{Delay: schema.Delay{Value: 2, Unit: schema.DelayDays}})
}

func cond(t *testing.T, id string, order int, truePath, falsePath string) schema.Step {
	return step(t, id, order, schema.StepTypeCondition, schema.ConditionConfig{
		Field: "plan", Operator: schema.OpEquals, Value: "pro",
		TruePath: truePath, FalsePath: falsePath,
	})
}

func action(t *testing.T, id string, order int, typ schema.ActionType) schema.Step {
	return step(t, id, order, schema.StepTypeAction, schema.ActionConfig{
		Type: typ, Config: map[string]any{"tag": "onboarded"},
	})
}

func sequence(steps ...schema.Step) *schema.Sequence {
	return &schema.Sequence{
		ID:       "seq-1",
		TenantID: "tenant-1",
		Name:     "onboarding",
		Status:   schema.SequenceStatusDraft,
		Steps:    steps,
	}
}

func rawStep(id string, order int, typ schema.StepType, config string) schema.Step {
	return schema.Step{ID: id, Order: order, Type: typ, Config: json.RawMessage(config)}
}

func issueCodes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}
