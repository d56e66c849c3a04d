package expressions

import (
	"context"
	"strings"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq programs. Condition steps use it to read nested
// custom fields ("address.country", "orders[0].total").
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{}
	e.programs = newProgramCache(e.build)
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program against data. One output is returned as is,
// several are collected into []any, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}

	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	input, _ := normalizeForJQ(data).(map[string]any)
	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Lookup resolves a dotted field path against fields. A plain key is read
// directly; anything else is compiled as the jq path ".<path>".
// found is false when the path resolves to null.
func (e *GoJQEngine) Lookup(ctx context.Context, path string, fields map[string]any) (value any, found bool, err error) {
	if v, ok := fields[path]; ok {
		return v, true, nil
	}
	if !strings.ContainsAny(path, ".[") {
		return nil, false, nil
	}
	expression := path
	if !strings.HasPrefix(expression, ".") {
		expression = "." + expression
	}
	v, err := e.Evaluate(ctx, expression, fields)
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

func (e *GoJQEngine) build(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return code, nil
}

// normalizeForJQ converts Go integer types to float64, which is the only
// number type gojq accepts as input.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
