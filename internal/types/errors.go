package types

import (
	"errors"
	"strings"
)

// Sentinel errors for rule parsing, compilation, evaluation and storage.
// Use errors.Is against these; *RuleError unwraps to its Kind.
var (
	// ErrParse indicates a malformed serialized rule.
	ErrParse = errors.New("parse error")

	// ErrCompile indicates a structurally invalid rule.
	ErrCompile = errors.New("compile error")

	// ErrExecution indicates an invalid node reached the executor.
	ErrExecution = errors.New("execution error")

	// ErrInvalidOperator indicates an operator applied to an incompatible value.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrFieldNotFound indicates a field path could not be resolved by an
	// executor that requires fields. Lenient evaluation reports the miss in
	// the trace only.
	ErrFieldNotFound = errors.New("field not found")

	// ErrTypeMismatch indicates numeric, string or temporal coercion failed.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrRuleNotFound indicates a store lookup miss.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRuleID indicates an empty rule identifier.
	ErrInvalidRuleID = errors.New("invalid rule id")
)

// RuleError attaches rule context to one of the sentinel kinds above.
type RuleError struct {
	Kind     error  // one of the sentinel errors
	RuleID   string // optional
	Path     string // node path, e.g. root.children[1]
	Field    string // condition field, if any
	Operator string // operator tag, if any
	Detail   string
	Err      error // underlying cause, if any
}

// Error renders "<kind>: <context>: <detail>: <cause>".
func (e *RuleError) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("rule error")
	}
	var ctx []string
	if e.RuleID != "" {
		ctx = append(ctx, "rule "+e.RuleID)
	}
	if e.Path != "" {
		ctx = append(ctx, "at "+e.Path)
	}
	if e.Field != "" {
		ctx = append(ctx, "field "+quote(e.Field))
	}
	if e.Operator != "" {
		ctx = append(ctx, "operator "+quote(e.Operator))
	}
	if len(ctx) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(ctx, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *RuleError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func quote(s string) string {
	return "\"" + s + "\""
}
