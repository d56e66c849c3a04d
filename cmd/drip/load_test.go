package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/sequence"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

const onboardingYAML = `
tenant_id: from-file
name: onboarding
description: Welcome series
goal_type: email_clicked
exit_on_goal_achieved: true
max_subscribers: 500
trigger_config:
  list: newsletter
templates:
  - id: welcome
    subject: "Welcome, {{ first_name }}"
    html: "<p>Hi {{ first_name }}</p>"
steps:
  - id: e1
    type: email
    config:
      template_id: welcome
  - type: wait
    config:
      delay: {value: 2, unit: days}
  - id: check
    type: condition
    config:
      field: plan
      operator: equals
      value: pro
      true_path: e2
  - id: e2
    type: email
    config:
      template_id: welcome
`

func TestParseSequenceFile(t *testing.T) {
	req, templates, activate, err := parseSequenceFile([]byte(onboardingYAML), "")
	require.NoError(t, err)
	assert.False(t, activate)

	assert.Equal(t, "from-file", req.TenantID)
	assert.Equal(t, "onboarding", req.Name)
	assert.Equal(t, schema.GoalEmailClicked, req.GoalType)
	assert.True(t, req.ExitOnGoalAchieved)
	require.NotNil(t, req.MaxSubscribers)
	assert.Equal(t, 500, *req.MaxSubscribers)
	assert.JSONEq(t, `{"list":"newsletter"}`, string(req.TriggerConfig))

	require.Len(t, req.Steps, 4)
	assert.Equal(t, "e1", req.Steps[0].ID)
	assert.Equal(t, schema.StepTypeWait, req.Steps[1].Type)
	assert.Empty(t, req.Steps[1].ID)
	for i, s := range req.Steps {
		assert.Equal(t, i, s.Order)
	}
	assert.JSONEq(t, `{"field":"plan","operator":"equals","value":"pro","true_path":"e2"}`, string(req.Steps[2].Config))

	require.Len(t, templates, 1)
	assert.Equal(t, "from-file", templates[0].TenantID)
	assert.Equal(t, "Welcome, {{ first_name }}", templates[0].Subject)
}

func TestParseSequenceFile_TenantFlagWins(t *testing.T) {
	req, templates, _, err := parseSequenceFile([]byte(onboardingYAML), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, "acme", templates[0].TenantID)
}

func TestParseSequenceFile_Errors(t *testing.T) {
	_, _, _, err := parseSequenceFile([]byte("name: x\n"), "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, _, err = parseSequenceFile([]byte("name: [x"), "acme")
	assert.Error(t, err)

	_, _, _, err = parseSequenceFile([]byte("name: x\ntemplates:\n  - subject: hi\n"), "acme")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLoadSequence(t *testing.T) {
	ctx := context.Background()
	st, err := openStore(ctx, filepath.Join(t.TempDir(), "nested", "drip.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := validation.NewSequenceValidator(nil)
	require.NoError(t, err)
	m := sequence.NewManager(sequence.Config{
		Store:     st,
		Validator: v,
		Goals:     engine.NewGoalEvaluator(nil, nil),
		Events:    st,
		Now:       func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	})

	data := []byte(onboardingYAML + "activate: true\n")
	req, templates, activate, err := parseSequenceFile(data, "acme")
	require.NoError(t, err)
	require.True(t, activate)

	seq, err := loadSequence(ctx, st, m, req, templates, activate)
	require.NoError(t, err)
	assert.Equal(t, schema.SequenceStatusActive, seq.Status)
	assert.Len(t, seq.Steps, 4)
	assert.NotEmpty(t, seq.Steps[1].ID)

	tpl, err := st.GetTemplate(ctx, "acme", "welcome")
	require.NoError(t, err)
	assert.Equal(t, "<p>Hi {{ first_name }}</p>", tpl.HTML)

	events, err := st.ListEvents(ctx, store.EventFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
