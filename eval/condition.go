package eval

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

// Condition is one branch test of a condition node. Either a structured
// (Variable, Operator, Value) triple or a raw expr-lang Expression.
type Condition struct {
	Variable   string `json:"variable,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

const OP_EQUALS = "equals"
const OP_NOT_EQUALS = "not_equals"
const OP_CONTAINS = "contains"
const OP_NOT_CONTAINS = "not_contains"
const OP_GT = "gt"
const OP_GTE = "gte"
const OP_LT = "lt"
const OP_LTE = "lte"
const OP_MATCHES = "matches"
const OP_EXISTS = "exists"
const OP_NOT_EXISTS = "not_exists"

// Evaluate runs one condition against the scope. A missing variable never
// errors: it matches only under OP_NOT_EXISTS (and OP_NOT_EQUALS /
// OP_NOT_CONTAINS, which hold vacuously for an absent value).
func Evaluate(c Condition, scope map[string]any) (bool, error) {
	if c.Expression != "" {
		return EvaluateExpression(c.Expression, scope)
	}
	value, present := Lookup(c.Variable, scope)
	switch c.Operator {
	case OP_EXISTS:
		return present, nil
	case OP_NOT_EXISTS:
		return !present, nil
	case OP_EQUALS:
		return present && looseEquals(value, c.Value), nil
	case OP_NOT_EQUALS:
		return !present || !looseEquals(value, c.Value), nil
	case OP_CONTAINS:
		return present && contains(value, c.Value), nil
	case OP_NOT_CONTAINS:
		return !present || !contains(value, c.Value), nil
	case OP_GT, OP_GTE, OP_LT, OP_LTE:
		if !present {
			return false, nil
		}
		return compareNumeric(c.Operator, value, c.Value)
	case OP_MATCHES:
		if !present {
			return false, nil
		}
		re, err := regexp.Compile(toString(c.Value))
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", toString(c.Value), err)
		}
		return re.MatchString(toString(value)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// EvaluateExpression evaluates a raw expr-lang expression. Undefined
// variables yield nil instead of a compile error; a non-boolean result is
// a non-match.
func EvaluateExpression(expression string, scope map[string]any) (bool, error) {
	existsFn := expr.Function(
		"exists",
		func(params ...any) (any, error) {
			path, ok := params[0].(string)
			if !ok {
				return false, fmt.Errorf("exists() expects a string path, got %T", params[0])
			}
			_, found := Lookup(path, scope)
			return found, nil
		},
		new(func(string) bool),
	)
	opts := []expr.Option{
		expr.Env(scope),
		expr.AllowUndefinedVariables(),
		existsFn,
	}
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return false, fmt.Errorf("compiling condition %q: %w", expression, err)
	}
	result, err := expr.Run(program, scope)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", expression, err)
	}
	b, ok := result.(bool)
	return ok && b, nil
}

func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(
			strings.ToLower(toString(haystack)),
			strings.ToLower(toString(needle)),
		)
	}
}

func compareNumeric(op string, left, right any) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false, nil
	}
	switch op {
	case OP_GT:
		return lf > rf, nil
	case OP_GTE:
		return lf >= rf, nil
	case OP_LT:
		return lf < rf, nil
	case OP_LTE:
		return lf <= rf, nil
	}
	return false, fmt.Errorf("unknown numeric operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
