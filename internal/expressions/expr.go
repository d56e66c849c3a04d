package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates goals written for expr-lang, selected with engine
// "expr". It adds nil coalescing (??) and collection predicates over CEL.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	e := &ExprEngine{}
	e.programs = newProgramCache(e.build)
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// build compiles without a typed environment: custom fields differ per
// subscriber, so the program must not pin the first caller's types.
func (e *ExprEngine) build(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
