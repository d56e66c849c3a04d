package validation

import (
	"fmt"

	"github.com/rendis/drip/pkg/schema"
)

// ActionLookup reports whether an action type has a registered handler.
type ActionLookup interface {
	Has(name string) bool
}

// validateSemantic checks what the structural schema cannot express:
// unique ids and orders, decodable configs, known operators, registered
// action types and a usable goal configuration.
func validateSemantic(seq *schema.Sequence, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]int, len(seq.Steps))
	orders := make(map[int]string, len(seq.Steps))
	for i, step := range seq.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if prev, dup := ids[step.ID]; dup {
			result.AddError(path+".id", schema.IssueDuplicateStepID,
				fmt.Sprintf("step id %q already used by steps[%d]", step.ID, prev))
		} else {
			ids[step.ID] = i
		}
		if other, dup := orders[step.Order]; dup {
			result.AddError(path+".order", schema.IssueDuplicateOrder,
				fmt.Sprintf("order %d already used by step %q", step.Order, other))
		} else {
			orders[step.Order] = step.ID
		}
		validateStepSemantic(step, path, lookup, result)
	}

	validateGoal(seq, result)
	return result
}

func validateStepSemantic(step schema.Step, path string, lookup ActionLookup, result *schema.ValidationResult) {
	if _, err := step.EntryDelay(); err != nil {
		result.AddError(path+".config", schema.IssueInvalidConfig, err.Error())
		return
	}

	switch step.Type {
	case schema.StepTypeCondition:
		cfg, err := step.ConditionConfig()
		if err != nil {
			result.AddError(path+".config", schema.IssueInvalidConfig, err.Error())
			return
		}
		// Unknown operators evaluate to false at run time; they do not block activation.
		if !schema.KnownOperator(cfg.Operator) {
			result.AddWarning(path+".config.operator", schema.IssueUnknownOperator,
				fmt.Sprintf("operator %q is not supported and always evaluates to false", cfg.Operator))
		}
	case schema.StepTypeAction:
		cfg, err := step.ActionConfig()
		if err != nil {
			result.AddError(path+".config", schema.IssueInvalidConfig, err.Error())
			return
		}
		if lookup != nil && !lookup.Has(string(cfg.Type)) {
			result.AddError(path+".config.type", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q not registered", cfg.Type))
		}
	}
}

func validateGoal(seq *schema.Sequence, result *schema.ValidationResult) {
	cfg := seq.GoalConfig
	switch seq.GoalType {
	case schema.GoalNone:
		if seq.ExitOnGoalAchieved {
			result.AddWarning("exit_on_goal_achieved", schema.IssueInvalidConfig,
				"exit_on_goal_achieved has no effect without a goal_type")
		}
	case schema.GoalEmailOpened, schema.GoalEmailClicked:
	case schema.GoalFieldEquals:
		if cfg == nil || cfg.Field == "" {
			result.AddError("goal_config.field", schema.IssueInvalidConfig,
				"field_equals goal requires goal_config.field")
		}
	case schema.GoalExpression:
		if cfg == nil || cfg.Expression == "" {
			result.AddError("goal_config.expression", schema.IssueInvalidConfig,
				"expression goal requires goal_config.expression")
		}
	default:
		result.AddError("goal_type", schema.IssueInvalidConfig,
			fmt.Sprintf("unknown goal type %q", seq.GoalType))
	}
}
