package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/pkg/schema"
)

func newGoals(t *testing.T) *GoalEvaluator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	return NewGoalEvaluator(engines, NewConditionEvaluator(expressions.NewGoJQEngine(), nil))
}

func TestGoalEvaluator_Achieved(t *testing.T) {
	g := newGoals(t)
	ctx := context.Background()
	sub := &schema.SubscriberState{
		EmailsOpened: 1,
		CustomFields: map[string]any{"plan": "pro", "seats": float64(3)},
	}

	cases := []struct {
		name string
		seq  schema.Sequence
		want bool
	}{
		{"none", schema.Sequence{}, false},
		{"opened", schema.Sequence{GoalType: schema.GoalEmailOpened}, true},
		{"clicked", schema.Sequence{GoalType: schema.GoalEmailClicked}, false},
		{"field equals", schema.Sequence{GoalType: schema.GoalFieldEquals,
			GoalConfig: &schema.GoalConfig{Field: "plan", Value: "pro"}}, true},
		{"cel expression", schema.Sequence{GoalType: schema.GoalExpression,
			GoalConfig: &schema.GoalConfig{Expression: `fields.seats >= 3.0`}}, true},
		{"expr expression", schema.Sequence{GoalType: schema.GoalExpression,
			GoalConfig: &schema.GoalConfig{Engine: "expr", Expression: `subscriber.emails_opened > 1`}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.Achieved(ctx, &tc.seq, sub)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGoalEvaluator_Errors(t *testing.T) {
	g := newGoals(t)
	ctx := context.Background()
	sub := &schema.SubscriberState{}

	_, err := g.Achieved(ctx, &schema.Sequence{GoalType: schema.GoalFieldEquals}, sub)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = g.Achieved(ctx, &schema.Sequence{GoalType: schema.GoalExpression,
		GoalConfig: &schema.GoalConfig{Expression: `"not a bool"`}}, sub)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))

	_, err = g.Achieved(ctx, &schema.Sequence{GoalType: "purchase"}, sub)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoalEvaluator_MarkGoal(t *testing.T) {
	g := newGoals(t)
	ctx := context.Background()
	seq := &schema.Sequence{GoalType: schema.GoalEmailClicked, ExitOnGoalAchieved: true}
	sub := &schema.SubscriberState{}

	newly, exit, err := g.MarkGoal(ctx, seq, sub, t0)
	require.NoError(t, err)
	assert.False(t, newly)
	assert.False(t, exit)
	assert.False(t, sub.GoalAchieved)

	sub.EmailsClicked = 1
	newly, exit, err = g.MarkGoal(ctx, seq, sub, t0)
	require.NoError(t, err)
	assert.True(t, newly)
	assert.True(t, exit)
	require.NotNil(t, sub.GoalAchievedAt)
	assert.Equal(t, t0, *sub.GoalAchievedAt)

	// Second call keeps the original timestamp.
	newly, exit, err = g.MarkGoal(ctx, seq, sub, t0.Add(1))
	require.NoError(t, err)
	assert.False(t, newly)
	assert.True(t, exit)
	assert.Equal(t, t0, *sub.GoalAchievedAt)

	seq.ExitOnGoalAchieved = false
	_, exit, err = g.MarkGoal(ctx, seq, sub, t0)
	require.NoError(t, err)
	assert.False(t, exit)
}
