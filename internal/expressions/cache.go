package expressions

import (
	"sync"

	"github.com/rendis/drip/pkg/schema"
)

// maxCachedPrograms bounds each engine's cache. Expressions come from
// sequence definitions, so the working set is small; the cap only guards
// against a tenant generating expressions dynamically.
const maxCachedPrograms = 1024

// programCache memoizes compiled programs by source text.
type programCache[P any] struct {
	mu      sync.RWMutex
	items   map[string]P
	compile func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{items: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.items[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.items[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	if len(c.items) >= maxCachedPrograms {
		clear(c.items)
	}
	c.items[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// compileError reports an expression that cannot be compiled by engine.
func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError reports a runtime failure of a compiled expression.
func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %v", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}
