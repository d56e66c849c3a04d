package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/drip/pkg/schema"
)

// FieldLookup resolves a possibly nested field path ("plan.tier",
// "tags[0]") against a subscriber's data maps.
type FieldLookup interface {
	Lookup(ctx context.Context, path string, fields map[string]any) (value any, found bool, err error)
}

// ConditionEvaluator applies a Condition step's fixed operator set to a
// subscriber's customFields, falling back to enrollmentData.
type ConditionEvaluator struct {
	lookup FieldLookup
	logger *slog.Logger
}

// NewConditionEvaluator creates an evaluator. A nil lookup restricts fields
// to top-level keys.
func NewConditionEvaluator(lookup FieldLookup, logger *slog.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{lookup: lookup, logger: logger}
}

// Evaluate returns the condition's boolean result. Unknown operators
// evaluate to false. An error is returned only when the field path itself
// cannot be resolved (malformed path).
func (c *ConditionEvaluator) Evaluate(ctx context.Context, cfg *schema.ConditionConfig, sub *schema.SubscriberState) (bool, error) {
	actual, found, err := c.resolve(ctx, cfg.Field, sub)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "resolve condition field %q: %v", cfg.Field, err).WithCause(err)
	}

	switch cfg.Operator {
	case schema.OpEquals:
		return found && valuesEqual(actual, cfg.Value), nil
	case schema.OpNotEquals:
		return !found || !valuesEqual(actual, cfg.Value), nil
	case schema.OpContains:
		return found && containsValue(actual, cfg.Value), nil
	case schema.OpGreaterThan:
		cmp, ok := compareNumbers(actual, cfg.Value)
		return found && ok && cmp > 0, nil
	case schema.OpLessThan:
		cmp, ok := compareNumbers(actual, cfg.Value)
		return found && ok && cmp < 0, nil
	default:
		c.logger.WarnContext(ctx, "unknown condition operator evaluates to false",
			"operator", string(cfg.Operator), "field", cfg.Field)
		return false, nil
	}
}

func (c *ConditionEvaluator) resolve(ctx context.Context, path string, sub *schema.SubscriberState) (any, bool, error) {
	for _, fields := range []map[string]any{sub.CustomFields, sub.EnrollmentData} {
		if len(fields) == 0 {
			continue
		}
		if c.lookup == nil {
			if v, ok := fields[path]; ok {
				return v, true, nil
			}
			continue
		}
		v, found, err := c.lookup.Lookup(ctx, path, fields)
		if err != nil {
			return nil, false, err
		}
		if found {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// valuesEqual compares numerically when both sides are numbers (or numeric
// strings), as booleans when both are booleans, and as strings otherwise.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := compareNumbers(a, b); ok {
		return cmp == 0
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		if aIsBool && bIsBool {
			return ab == bb
		}
		x, errA := cast.ToBoolE(a)
		y, errB := cast.ToBoolE(b)
		return errA == nil && errB == nil && x == y
	}
	if isScalar(a) && isScalar(b) {
		return cast.ToString(a) == cast.ToString(b)
	}
	return reflect.DeepEqual(a, b)
}

// containsValue is substring match for strings, membership for lists and
// key presence for maps.
func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, err := cast.ToStringE(needle)
		return err == nil && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		n, err := cast.ToStringE(needle)
		if err != nil {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	case map[string]any:
		n, err := cast.ToStringE(needle)
		if err != nil {
			return false
		}
		_, ok := h[n]
		return ok
	default:
		return false
	}
}

// compareNumbers returns -1, 0 or 1 when both values coerce to float64.
func compareNumbers(a, b any) (int, bool) {
	if !isNumeric(a) || !isNumeric(b) {
		return 0, false
	}
	x, err := cast.ToFloat64E(a)
	if err != nil {
		return 0, false
	}
	y, err := cast.ToFloat64E(b)
	if err != nil {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	default:
		return 0, true
	}
}

// isNumeric accepts numeric kinds and strings that parse as numbers.
// Booleans are excluded so true never equals 1.
func isNumeric(v any) bool {
	switch t := v.(type) {
	case nil, bool:
		return false
	case string:
		_, err := cast.ToFloat64E(t)
		return err == nil
	case json.Number:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isScalar(v any) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
		return false
	}
	return true
}
