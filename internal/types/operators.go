// internal/types/operators.go
package types

import (
	"fmt"
	"strings"
)

// Operator is the comparison applied by a Condition.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpBetween
	OpIn
	OpNotIn
	OpContains
	OpContainsAny
	OpContainsAll
	OpStartsWith
	OpEndsWith
	OpRegex
	OpBefore
	OpAfter
	OpIsEmpty
	OpIsNotEmpty
)

type operatorInfo struct {
	tag     string // wire form
	display string // trace form
}

var operatorTable = map[Operator]operatorInfo{
	OpEq:          {"eq", "=="},
	OpNeq:         {"neq", "!="},
	OpGt:          {"gt", ">"},
	OpGte:         {"gte", ">="},
	OpLt:          {"lt", "<"},
	OpLte:         {"lte", "<="},
	OpBetween:     {"between", "between"},
	OpIn:          {"in", "in"},
	OpNotIn:       {"not_in", "not in"},
	OpContains:    {"contains", "contains"},
	OpContainsAny: {"contains_any", "contains any"},
	OpContainsAll: {"contains_all", "contains all"},
	OpStartsWith:  {"starts_with", "starts with"},
	OpEndsWith:    {"ends_with", "ends with"},
	OpRegex:       {"regex", "matches"},
	OpBefore:      {"before", "before"},
	OpAfter:       {"after", "after"},
	OpIsEmpty:     {"is_empty", "is empty"},
	OpIsNotEmpty:  {"is_not_empty", "is not empty"},
}

var operatorByTag = func() map[string]Operator {
	m := make(map[string]Operator, len(operatorTable))
	for op, info := range operatorTable {
		m[info.tag] = op
	}
	return m
}()

// Operators lists every defined operator in declaration order.
func Operators() []Operator {
	ops := make([]Operator, 0, len(operatorTable))
	for op := OpEq; op <= OpIsNotEmpty; op++ {
		ops = append(ops, op)
	}
	return ops
}

// Valid reports whether op is a defined operator.
func (op Operator) Valid() bool {
	_, ok := operatorTable[op]
	return ok
}

// String returns the lowercase-snake wire tag.
func (op Operator) String() string {
	if info, ok := operatorTable[op]; ok {
		return info.tag
	}
	return fmt.Sprintf("operator(%d)", int(op))
}

// Display returns the human-readable form used in evaluation traces.
func (op Operator) Display() string {
	if info, ok := operatorTable[op]; ok {
		return info.display
	}
	return op.String()
}

// Unary reports whether op ignores its right-hand side.
func (op Operator) Unary() bool {
	return op == OpIsEmpty || op == OpIsNotEmpty
}

// ParseOperator converts a wire tag into an Operator.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorByTag[s]; ok {
		return op, nil
	}
	return OpUnspecified, &RuleError{Kind: ErrParse, Operator: s, Detail: "unknown operator"}
}

// MarshalText implements encoding.TextMarshaler.
func (op Operator) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, &RuleError{Kind: ErrInvalidOperator, Operator: op.String(), Detail: "cannot serialize"}
	}
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *Operator) UnmarshalText(text []byte) error {
	parsed, err := ParseOperator(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// LogicalOperator combines the children of a LogicalGroup.
type LogicalOperator int

const (
	And LogicalOperator = iota
	Or
)

// String returns the uppercase wire form.
func (op LogicalOperator) String() string {
	switch op {
	case And:
		return "AND"
	case Or:
		return "OR"
	default:
		return fmt.Sprintf("LOGICAL(%d)", int(op))
	}
}

// ParseLogicalOperator accepts "AND"/"OR" in any letter case.
func ParseLogicalOperator(s string) (LogicalOperator, error) {
	switch strings.ToUpper(s) {
	case "AND":
		return And, nil
	case "OR":
		return Or, nil
	default:
		return And, &RuleError{Kind: ErrParse, Operator: s, Detail: "unknown logical operator"}
	}
}

// MarshalText implements encoding.TextMarshaler.
func (op LogicalOperator) MarshalText() ([]byte, error) {
	if op != And && op != Or {
		return nil, &RuleError{Kind: ErrInvalidOperator, Operator: op.String(), Detail: "cannot serialize"}
	}
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *LogicalOperator) UnmarshalText(text []byte) error {
	parsed, err := ParseLogicalOperator(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}
