package meander

import (
	"fmt"
	"strconv"
	"strings"
)

// conditionOperators lists comparison operators in parsing precedence order.
// Longer operators (!=, ==, >=, <=) are checked before shorter ones (>, <).
var conditionOperators = []string{"!=", "==", ">=", "<=", ">", "<", "contains"}

// EvalCondition evaluates a simple comparison expression against resolved
// values from the context map. Template placeholders ({key}) on either side
// are resolved before comparison.
//
// Supported operators: ==, !=, >, <, >=, <=, contains. Numeric comparison
// is attempted first and falls back to string comparison; "contains" is
// always string-based.
//
// The operator is located in the raw expression before placeholder
// resolution, so resolved values cannot inject operators. Expressions come
// from workflow definitions, never from agent output.
func EvalCondition(expr string, context map[string]any) (bool, error) {
	for _, op := range conditionOperators {
		padded := " " + op + " "
		before, after, found := strings.Cut(expr, padded)
		if !found {
			continue
		}
		left := stripQuotes(strings.TrimSpace(ResolveTemplate(before, context)))
		right := stripQuotes(strings.TrimSpace(ResolveTemplate(after, context)))
		return evalCompare(left, right, op)
	}
	return false, fmt.Errorf("condition: no operator found in %q (operators must be space-bounded, e.g. \"{x} == y\")", expr)
}

// evalCompare performs the comparison between left and right using op.
func evalCompare(left, right, op string) (bool, error) {
	if op == "contains" {
		return strings.Contains(left, right), nil
	}

	lf, lErr := strconv.ParseFloat(left, 64)
	rf, rErr := strconv.ParseFloat(right, 64)
	if lErr == nil && rErr == nil {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	case ">":
		return left > right, nil
	case "<":
		return left < right, nil
	case ">=":
		return left >= right, nil
	case "<=":
		return left <= right, nil
	default:
		return false, fmt.Errorf("condition: unsupported operator %q", op)
	}
}

// stripQuotes removes surrounding single or double quotes from a literal.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
