// internal/rules/operators.go
package rules

import (
	"regexp"
	"strings"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Operator semantics.
 *
 * Apply compares a document-extracted left-hand side against a rule-declared
 * right-hand side. It returns (bool, nil) for a verdict and a RuleError of
 * kind ErrTypeMismatch or ErrInvalidOperator when the shapes do not fit.
 *
 *   eq/neq                 deep structural equality
 *   gt/gte/lt/lte          numeric; both sides coerce to number
 *   between                rhs [low, high], inclusive both ends
 *   in/not_in              rhs array, membership by deep equality
 *   contains               lhs array (element) or string (substring)
 *   contains_any           lhs array shares >= 1 element with rhs array
 *   contains_all           every rhs element present in lhs array
 *   starts_with/ends_with  lhs string prefix/suffix
 *   regex                  RE2 search (unanchored) over lhs string
 *   before/after           strict chronological comparison
 *   is_empty/is_not_empty  null, "", [], {}; rhs ignored
 */

// Apply evaluates op against lhs and rhs. Regex patterns are compiled on
// each call; compiled rules use applyCompiled with a cached pattern instead.
func Apply(op types.Operator, lhs, rhs types.Value) (bool, error) {
	if op == types.OpRegex {
		pattern, err := toText(rhs)
		if err != nil {
			return false, invalidOperand(op, "regex pattern must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &types.RuleError{Kind: types.ErrInvalidOperator, Operator: op.String(), Err: err}
		}
		return matchRegex(re, lhs)
	}
	return applyCompiled(op, lhs, rhs, nil)
}

// applyCompiled is Apply with an optional pre-compiled regex.
func applyCompiled(op types.Operator, lhs, rhs types.Value, re *regexp.Regexp) (bool, error) {
	switch op {
	case types.OpEq:
		return lhs.Equal(rhs), nil
	case types.OpNeq:
		return !lhs.Equal(rhs), nil
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		return compareNumeric(op, lhs, rhs)
	case types.OpBetween:
		return compareBetween(op, lhs, rhs)
	case types.OpIn:
		return compareIn(op, lhs, rhs)
	case types.OpNotIn:
		in, err := compareIn(op, lhs, rhs)
		return !in && err == nil, err
	case types.OpContains:
		return compareContains(lhs, rhs)
	case types.OpContainsAny:
		return compareContainsAny(op, lhs, rhs)
	case types.OpContainsAll:
		return compareContainsAll(op, lhs, rhs)
	case types.OpStartsWith:
		return compareAffix(op, lhs, rhs, strings.HasPrefix)
	case types.OpEndsWith:
		return compareAffix(op, lhs, rhs, strings.HasSuffix)
	case types.OpRegex:
		if re == nil {
			return Apply(op, lhs, rhs)
		}
		return matchRegex(re, lhs)
	case types.OpBefore, types.OpAfter:
		return compareTime(op, lhs, rhs)
	case types.OpIsEmpty:
		return lhs.IsEmpty(), nil
	case types.OpIsNotEmpty:
		return !lhs.IsEmpty(), nil
	default:
		return false, &types.RuleError{Kind: types.ErrInvalidOperator, Operator: op.String(), Detail: "unknown operator"}
	}
}

// compareNumeric handles gt/gte/lt/lte.
func compareNumeric(op types.Operator, lhs, rhs types.Value) (bool, error) {
	a, err := toNumber(lhs)
	if err != nil {
		return false, err
	}
	b, err := toNumber(rhs)
	if err != nil {
		return false, err
	}
	switch op {
	case types.OpGt:
		return a > b, nil
	case types.OpGte:
		return a >= b, nil
	case types.OpLt:
		return a < b, nil
	default:
		return a <= b, nil
	}
}

// compareBetween checks low <= lhs <= high.
func compareBetween(op types.Operator, lhs, rhs types.Value) (bool, error) {
	bounds, ok := rhs.AsArray()
	if !ok || len(bounds) != 2 {
		return false, invalidOperand(op, "between requires [low, high]")
	}
	v, err := toNumber(lhs)
	if err != nil {
		return false, err
	}
	low, err := toNumber(bounds[0])
	if err != nil {
		return false, err
	}
	high, err := toNumber(bounds[1])
	if err != nil {
		return false, err
	}
	return low <= v && v <= high, nil
}

// compareIn checks membership of lhs in the rhs array.
func compareIn(op types.Operator, lhs, rhs types.Value) (bool, error) {
	set, ok := rhs.AsArray()
	if !ok {
		return false, invalidOperand(op, "value must be an array")
	}
	return containsValue(set, lhs), nil
}

// compareContains tests element membership (array lhs) or substring (string lhs).
func compareContains(lhs, rhs types.Value) (bool, error) {
	switch lhs.Kind() {
	case types.KindArray:
		arr, _ := lhs.AsArray()
		return containsValue(arr, rhs), nil
	case types.KindString:
		s, _ := lhs.AsString()
		sub, err := toText(rhs)
		if err != nil {
			return false, err
		}
		return strings.Contains(s, sub), nil
	default:
		return false, mismatch("array or string", lhs)
	}
}

// compareContainsAny is true when lhs shares at least one element with rhs.
// An empty rhs is false.
func compareContainsAny(op types.Operator, lhs, rhs types.Value) (bool, error) {
	candidates, ok := rhs.AsArray()
	if !ok {
		return false, invalidOperand(op, "value must be an array")
	}
	have, err := toList(lhs)
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		if containsValue(have, c) {
			return true, nil
		}
	}
	return false, nil
}

// compareContainsAll is true when every rhs element is in lhs. An empty rhs
// is vacuously true.
func compareContainsAll(op types.Operator, lhs, rhs types.Value) (bool, error) {
	required, ok := rhs.AsArray()
	if !ok {
		return false, invalidOperand(op, "value must be an array")
	}
	have, err := toList(lhs)
	if err != nil {
		return false, err
	}
	for _, r := range required {
		if !containsValue(have, r) {
			return false, nil
		}
	}
	return true, nil
}

// compareAffix applies a prefix/suffix test; both sides must be strings.
func compareAffix(op types.Operator, lhs, rhs types.Value, test func(s, affix string) bool) (bool, error) {
	s, err := toText(lhs)
	if err != nil {
		return false, err
	}
	affix, ok := rhs.AsString()
	if !ok {
		return false, invalidOperand(op, "value must be a string")
	}
	return test(s, affix), nil
}

// matchRegex runs an unanchored search over a string lhs.
func matchRegex(re *regexp.Regexp, lhs types.Value) (bool, error) {
	s, err := toText(lhs)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// compareTime handles before/after with strict ordering.
func compareTime(op types.Operator, lhs, rhs types.Value) (bool, error) {
	a, err := toTime(lhs)
	if err != nil {
		return false, err
	}
	b, err := toTime(rhs)
	if err != nil {
		return false, err
	}
	if op == types.OpBefore {
		return a.Before(b), nil
	}
	return a.After(b), nil
}

func containsValue(set []types.Value, v types.Value) bool {
	for _, elem := range set {
		if elem.Equal(v) {
			return true
		}
	}
	return false
}

func invalidOperand(op types.Operator, detail string) error {
	return &types.RuleError{Kind: types.ErrInvalidOperator, Operator: op.String(), Detail: detail}
}
