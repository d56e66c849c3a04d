package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates Common Expression Language goals. It is the default
// engine for goal expressions.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares every scope
// variable as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(scopeKeys))
	for _, k := range scopeKeys {
		opts = append(opts, cel.Variable(k, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.build)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Scope keys absent from data are
// bound to empty maps so "size(fields) == 0" works on a bare subscriber.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Compile reports whether expression compiles, caching the program.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) build(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

func activation(data map[string]any) map[string]any {
	out := make(map[string]any, len(scopeKeys))
	for _, key := range scopeKeys {
		v, ok := data[key]
		if !ok || v == nil {
			v = map[string]any{}
		}
		out[key] = v
	}
	return out
}

var _ Engine = (*CELEngine)(nil)
