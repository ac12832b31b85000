// internal/rules/cost.go
package rules

import "github.com/solatis/badgekeeper/internal/types"

/*
 * Cost model for rule evaluation.
 *
 * Cost formula per condition: lookup_cost + operator_cost * operand_factor
 * where operand_factor is the right-hand array length for set operators
 * (1 otherwise). A group costs CostGroup plus the sum of its children, so the
 * rule cost is an upper bound on work with no short-circuit.
 *
 * The Engine rejects rules whose cost exceeds the configured ceiling, which
 * keeps a single oversized rule from dominating per-event latency.
 */

// Canonical cost constants.
const (
	// Operator base costs
	CostIsEmpty    = 1
	CostEq         = 5
	CostNumeric    = 7
	CostBetween    = 8
	CostMembership = 8  // per rhs element: in, not_in, contains_any, contains_all
	CostContains   = 10 // per lhs element or substring scan, estimated once
	CostAffix      = 10
	CostTemporal   = 20 // two timestamp parses
	CostRegex      = 50

	// Field lookup cost per path segment
	CostLookupPerSegment = 4

	// Fixed overhead per logical group
	CostGroup = 1
)

// CalculateConditionCost computes the static cost of one condition.
func CalculateConditionCost(path FieldPath, op types.Operator, value types.Value) int {
	lookupCost := len(path.Segments()) * CostLookupPerSegment

	factor := 1
	switch op {
	case types.OpIn, types.OpNotIn, types.OpContainsAny, types.OpContainsAll:
		if arr, ok := value.AsArray(); ok && len(arr) > 1 {
			factor = len(arr)
		}
	}

	return lookupCost + operatorCost(op)*factor
}

// operatorCost returns base cost for operator execution.
func operatorCost(op types.Operator) int {
	switch op {
	case types.OpIsEmpty, types.OpIsNotEmpty:
		return CostIsEmpty
	case types.OpEq, types.OpNeq:
		return CostEq
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		return CostNumeric
	case types.OpBetween:
		return CostBetween
	case types.OpIn, types.OpNotIn, types.OpContainsAny, types.OpContainsAll:
		return CostMembership
	case types.OpContains:
		return CostContains
	case types.OpStartsWith, types.OpEndsWith:
		return CostAffix
	case types.OpBefore, types.OpAfter:
		return CostTemporal
	case types.OpRegex:
		return CostRegex
	default:
		return CostEq
	}
}
