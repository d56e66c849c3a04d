package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/drip/pkg/schema"
)

// validateGraph checks branch references and reachability. Every step type
// except condition continues at order+1; conditions jump to their paths.
// Walking starts at the lowest order.
func validateGraph(seq *schema.Sequence) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	steps := make([]schema.Step, len(seq.Steps))
	copy(steps, seq.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	byID := make(map[string]schema.Step, len(steps))
	byOrder := make(map[int]string, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		byOrder[s.Order] = s.ID
	}

	// edges[id] are the possible successors of id.
	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		if s.Type != schema.StepTypeCondition {
			if next, ok := byOrder[s.Order+1]; ok {
				edges[s.ID] = append(edges[s.ID], next)
			}
			continue
		}
		cfg, err := s.ConditionConfig()
		if err != nil {
			continue // reported by the semantic stage
		}
		for _, branch := range []struct{ name, target string }{
			{"true_path", cfg.TruePath},
			{"false_path", cfg.FalsePath},
		} {
			if branch.target == "" {
				continue
			}
			path := fmt.Sprintf("steps[%s].config.%s", s.ID, branch.name)
			switch {
			case branch.target == s.ID:
				result.AddError(path, schema.IssueSelfReference,
					fmt.Sprintf("condition step %q branches to itself", s.ID))
			case byID[branch.target].ID == "":
				result.AddError(path, schema.IssueDanglingReference,
					fmt.Sprintf("references non-existent step %q", branch.target))
			default:
				edges[s.ID] = append(edges[s.ID], branch.target)
			}
		}
	}
	if !result.Valid() {
		return result
	}

	reachable := map[string]bool{steps[0].ID: true}
	queue := []string{steps[0].ID}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.IssueUnreachableStep,
				fmt.Sprintf("step %q is unreachable from the first step", s.ID))
		}
	}

	if cycle := idleCycle(steps, edges, byID); len(cycle) > 0 {
		result.AddError("steps", schema.IssueConditionCycle,
			fmt.Sprintf("steps %v form a loop with no wait or action step", cycle))
	}
	return result
}

// idleStep reports whether revisiting a step does no work. Conditions only
// route, and an email already in the engagement log is skipped.
func idleStep(s schema.Step) bool {
	return s.Type == schema.StepTypeCondition || s.Type == schema.StepTypeEmail
}

// idleCycle returns the ids of a cycle made only of idle steps, or nil. A
// subscriber caught in one never completes and is picked up on every pass.
func idleCycle(steps []schema.Step, edges map[string][]string, byID map[string]schema.Step) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		stack = append(stack, id)
		for _, next := range edges[id] {
			if !idleStep(byID[next]) {
				continue
			}
			switch state[next] {
			case onStack:
				for i, s := range stack {
					if s == next {
						return append([]string(nil), stack[i:]...)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, s := range steps {
		if idleStep(s) && state[s.ID] == unvisited {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
