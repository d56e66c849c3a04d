package engine

import (
	"context"
	"time"

	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/pkg/schema"
)

// GoalEvaluator decides whether a subscriber has reached its sequence's goal.
type GoalEvaluator struct {
	engines    expressions.Engines
	conditions *ConditionEvaluator
}

// NewGoalEvaluator creates a GoalEvaluator. engines may be nil when no
// sequence uses expression goals.
func NewGoalEvaluator(engines expressions.Engines, conditions *ConditionEvaluator) *GoalEvaluator {
	if conditions == nil {
		conditions = NewConditionEvaluator(nil, nil)
	}
	return &GoalEvaluator{engines: engines, conditions: conditions}
}

// Achieved reports whether sub currently satisfies seq's goal.
func (g *GoalEvaluator) Achieved(ctx context.Context, seq *schema.Sequence, sub *schema.SubscriberState) (bool, error) {
	switch seq.GoalType {
	case schema.GoalNone:
		return false, nil
	case schema.GoalEmailOpened:
		return sub.EmailsOpened > 0, nil
	case schema.GoalEmailClicked:
		return sub.EmailsClicked > 0, nil
	case schema.GoalFieldEquals:
		if seq.GoalConfig == nil || seq.GoalConfig.Field == "" {
			return false, schema.NewError(schema.ErrCodeValidation, "field_equals goal requires goal_config.field")
		}
		return g.conditions.Evaluate(ctx, &schema.ConditionConfig{
			Field:    seq.GoalConfig.Field,
			Operator: schema.OpEquals,
			Value:    seq.GoalConfig.Value,
		}, sub)
	case schema.GoalExpression:
		return g.evalExpression(ctx, seq.GoalConfig, sub)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown goal type %q", seq.GoalType)
	}
}

func (g *GoalEvaluator) evalExpression(ctx context.Context, cfg *schema.GoalConfig, sub *schema.SubscriberState) (bool, error) {
	if cfg == nil || cfg.Expression == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "expression goal requires goal_config.expression")
	}
	if g.engines == nil {
		return false, schema.NewError(schema.ErrCodeExecution, "no expression engines configured")
	}
	eng, err := g.engines.Get(cfg.Engine)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, cfg.Expression, expressions.SubscriberScope(sub))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "goal expression: %v", err).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "goal expression returned %T, want bool", out)
	}
	return b, nil
}

// MarkGoal evaluates the goal and stamps goalAchieved on first achievement.
// It returns true when the subscriber should exit the sequence now, which
// requires exitOnGoalAchieved. An already achieved goal is not re-evaluated.
func (g *GoalEvaluator) MarkGoal(ctx context.Context, seq *schema.Sequence, sub *schema.SubscriberState, now time.Time) (newly, exit bool, err error) {
	if seq.GoalType == schema.GoalNone {
		return false, false, nil
	}
	if !sub.GoalAchieved {
		ok, err := g.Achieved(ctx, seq, sub)
		if err != nil {
			return false, false, err
		}
		if !ok {
			return false, false, nil
		}
		sub.GoalAchieved = true
		at := now
		sub.GoalAchievedAt = &at
		newly = true
	}
	return newly, seq.ExitOnGoalAchieved, nil
}
