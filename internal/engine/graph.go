package engine

import (
	"fmt"
	"sort"

	"github.com/rendis/drip/pkg/schema"
)

// StepGraph is the runtime view of a sequence's steps: an id-indexed map over
// the ordered list, with condition branches decoded once at parse time.
// A StepGraph is immutable after ParseStepGraph returns.
type StepGraph struct {
	steps      []schema.Step
	byID       map[string]int
	byOrder    map[int]int
	conditions map[string]*schema.ConditionConfig
}

var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeEmail:     true,
	schema.StepTypeWait:      true,
	schema.StepTypeCondition: true,
	schema.StepTypeAction:    true,
}

// ParseStepGraph builds a StepGraph from a sequence's step list. It rejects
// empty or duplicate ids, duplicate orders, unknown types and undecodable
// configs. Branch targets are not checked here; see the validation package.
func ParseStepGraph(steps []schema.Step) (*StepGraph, error) {
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "sequence has no steps")
	}

	g := &StepGraph{
		steps:      make([]schema.Step, len(steps)),
		byID:       make(map[string]int, len(steps)),
		byOrder:    make(map[int]int, len(steps)),
		conditions: make(map[string]*schema.ConditionConfig),
	}
	copy(g.steps, steps)
	sort.SliceStable(g.steps, func(i, j int) bool { return g.steps[i].Order < g.steps[j].Order })

	for i := range g.steps {
		step := g.steps[i]
		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at order %d has empty ID", step.Order))
		}
		if _, exists := g.byID[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if _, exists := g.byOrder[step.Order]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s reuses order %d", step.ID, step.Order)
		}
		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type)
		}
		if err := validateStepConfig(step); err != nil {
			return nil, err
		}
		g.byID[step.ID] = i
		g.byOrder[step.Order] = i

		if step.Type == schema.StepTypeCondition {
			cfg, err := step.ConditionConfig()
			if err != nil {
				return nil, err
			}
			g.conditions[step.ID] = cfg
		}
	}
	return g, nil
}

// validateStepConfig checks that each variant's payload decodes and carries
// its required fields.
func validateStepConfig(step schema.Step) error {
	switch step.Type {
	case schema.StepTypeEmail:
		cfg, err := step.EmailConfig()
		if err != nil {
			return err
		}
		if cfg.TemplateID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "email step %s has no template_id", step.ID).WithStep(step.ID)
		}
	case schema.StepTypeWait:
		if _, err := step.WaitConfig(); err != nil {
			return err
		}
	case schema.StepTypeCondition:
		cfg, err := step.ConditionConfig()
		if err != nil {
			return err
		}
		if cfg.Field == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition step %s has no field", step.ID).WithStep(step.ID)
		}
	case schema.StepTypeAction:
		cfg, err := step.ActionConfig()
		if err != nil {
			return err
		}
		if cfg.Type == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "action step %s has no action type", step.ID).WithStep(step.ID)
		}
	}
	if _, err := step.EntryDelay(); err != nil {
		return err
	}
	return nil
}

// Len returns the number of steps.
func (g *StepGraph) Len() int { return len(g.steps) }

// First returns the lowest-ordered step.
func (g *StepGraph) First() schema.Step { return g.steps[0] }

// Steps returns the steps in order. The slice must not be modified.
func (g *StepGraph) Steps() []schema.Step { return g.steps }

// Step returns the step with the given id.
func (g *StepGraph) Step(id string) (schema.Step, bool) {
	i, ok := g.byID[id]
	if !ok {
		return schema.Step{}, false
	}
	return g.steps[i], true
}

// Condition returns the decoded config of a condition step.
func (g *StepGraph) Condition(id string) (*schema.ConditionConfig, bool) {
	c, ok := g.conditions[id]
	return c, ok
}

// NextStep returns the step that follows currentID, or false when the
// sequence ends there. For a condition step the branch is picked by
// conditionResult, and an empty or unknown branch target ends the sequence.
// Every other step type continues at order+1. conditionResult is ignored
// for non-condition steps.
func (g *StepGraph) NextStep(currentID string, conditionResult bool) (schema.Step, bool) {
	i, ok := g.byID[currentID]
	if !ok {
		return schema.Step{}, false
	}
	current := g.steps[i]

	if cfg, isCond := g.conditions[current.ID]; isCond {
		target := cfg.FalsePath
		if conditionResult {
			target = cfg.TruePath
		}
		if target == "" {
			return schema.Step{}, false
		}
		return g.Step(target)
	}

	j, ok := g.byOrder[current.Order+1]
	if !ok {
		return schema.Step{}, false
	}
	return g.steps[j], true
}
