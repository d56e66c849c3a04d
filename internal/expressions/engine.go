package expressions

import (
	"context"

	"github.com/rendis/drip/pkg/schema"
)

// Engine evaluates expressions against a subscriber scope.
// CEL and Expr serve goal expressions; GoJQ resolves nested custom-field paths.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines is a name-indexed set of expression engines.
type Engines map[string]Engine

// NewEngines builds the default set: cel, expr and jq.
func NewEngines() (Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return Engines{
		celEngine.Name(): celEngine,
		"expr":           NewExprEngine(),
		"jq":             NewGoJQEngine(),
	}, nil
}

// Get returns the named engine. An empty name selects cel.
func (e Engines) Get(name string) (Engine, error) {
	if name == "" {
		name = "cel"
	}
	eng, ok := e[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
	return eng, nil
}
