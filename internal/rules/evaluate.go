// internal/rules/evaluate.go
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Rule evaluation orchestration.
 *
 * Walks a rule tree against an EvaluationContext with AND/OR short-circuit
 * semantics and records a human-readable trace.
 *
 * Evaluation flow:
 *   1. Per-condition: resolve path -> apply operator -> trace line
 *   2. AND groups stop at the first false child, OR groups at the first true
 *   3. Children never visited contribute nothing to the trace
 *   4. Group verdicts are traced after their visited children
 *
 * Condition failure modes (all produce false, none abort the walk):
 *   - Field missing from the document    "(field not found)"
 *   - Operand shape or coercion failure  "(type mismatch: ...)"
 *
 * An Executor built WithRequiredFields instead fails the call with
 * ErrFieldNotFound at the first reached condition whose field is absent.
 * Conditions pruned by short-circuit are never checked.
 *
 * Empty groups: AND of nothing is true, OR of nothing is false.
 *
 * Two entry points share the walk. Execute runs a CompiledRule whose nodes
 * were validated up front. ExecuteRule runs an uncompiled types.Rule and
 * validates each condition only when the walk reaches it, so an invalid
 * node pruned by short-circuit never raises; one that is reached fails the
 * call with ErrExecution naming the node path.
 *
 * The trace accumulator is owned by a single call. The Executor itself is
 * stateless and may be shared by any number of goroutines.
 */

// EvaluationResult is the outcome of evaluating one rule against one context.
type EvaluationResult struct {
	Matched           bool         `json:"matched"`
	RuleID            types.RuleID `json:"rule_id"`
	RuleName          string       `json:"rule_name"`
	MatchedConditions []string     `json:"matched_conditions"`
	EvaluationTrace   []string     `json:"evaluation_trace"`
	EvaluationTimeMs  float64      `json:"evaluation_time_ms"`
}

// Executor evaluates rules. The zero value is ready to use.
type Executor struct {
	requireFields bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRequiredFields makes a missing field an ErrFieldNotFound error instead
// of a false condition.
func WithRequiredFields() ExecutorOption {
	return func(e *Executor) { e.requireFields = true }
}

// NewExecutor returns an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute evaluates a compiled rule against ctx. A nil context behaves as an
// empty document.
func (e *Executor) Execute(rule *CompiledRule, ctx *EvaluationContext) (EvaluationResult, error) {
	if rule == nil || rule.Root == nil {
		return EvaluationResult{}, &types.RuleError{Kind: types.ErrExecution, Detail: "compiled rule is nil"}
	}
	start := time.Now()
	acc := e.newAccumulator()
	matched, err := acc.evalCompiled(rule.Root, ctx)
	res := acc.result(rule.ID, rule.Name, matched, start)
	if err != nil {
		res.Matched = false
		return res, withRuleID(err, rule.ID)
	}
	return res, nil
}

// ExecuteRule evaluates an uncompiled rule, validating nodes as they are
// reached.
func (e *Executor) ExecuteRule(rule *types.Rule, ctx *EvaluationContext) (EvaluationResult, error) {
	if rule == nil {
		return EvaluationResult{}, &types.RuleError{Kind: types.ErrExecution, Detail: "rule is nil"}
	}
	start := time.Now()
	acc := e.newAccumulator()
	matched, err := acc.evalRaw(rule.Root, "root", ctx)
	res := acc.result(rule.ID, rule.Name, matched, start)
	if err != nil {
		res.Matched = false
		return res, withRuleID(err, rule.ID)
	}
	return res, nil
}

func withRuleID(err error, id types.RuleID) error {
	var re *types.RuleError
	if errors.As(err, &re) && re.RuleID == "" {
		re.RuleID = string(id)
	}
	return err
}

// accumulator collects trace output for a single evaluation.
type accumulator struct {
	requireFields bool
	matched       []string
	trace         []string
}

func (e *Executor) newAccumulator() *accumulator {
	return &accumulator{
		requireFields: e.requireFields,
		matched:       []string{},
		trace:         []string{},
	}
}

func (a *accumulator) result(id types.RuleID, name string, matched bool, start time.Time) EvaluationResult {
	return EvaluationResult{
		Matched:           matched,
		RuleID:            id,
		RuleName:          name,
		MatchedConditions: a.matched,
		EvaluationTrace:   a.trace,
		EvaluationTimeMs:  float64(time.Since(start).Nanoseconds()) / 1e6,
	}
}

// evalCompiled walks a pre-validated tree. It only fails when fields are
// required.
func (a *accumulator) evalCompiled(node CompiledNode, ctx *EvaluationContext) (bool, error) {
	switch n := node.(type) {
	case *CompiledCondition:
		return a.condition(n, ctx)
	case *CompiledGroup:
		return a.group(n.Operator, len(n.Children), func(i int) (bool, error) {
			return a.evalCompiled(n.Children[i], ctx)
		})
	default:
		return false, nil
	}
}

// evalRaw walks an unvalidated tree, compiling each condition on arrival.
func (a *accumulator) evalRaw(node types.RuleNode, path string, ctx *EvaluationContext) (bool, error) {
	switch n := node.(type) {
	case *types.Condition:
		if n == nil {
			return false, executionError(path, &types.RuleError{Kind: types.ErrCompile, Path: path, Detail: "condition is nil"})
		}
		cc, err := compileCondition(n, path)
		if err != nil {
			return false, executionError(path, err)
		}
		return a.condition(cc, ctx)
	case *types.LogicalGroup:
		if n == nil {
			return false, executionError(path, &types.RuleError{Kind: types.ErrCompile, Path: path, Detail: "group is nil"})
		}
		if n.Operator != types.And && n.Operator != types.Or {
			return false, &types.RuleError{Kind: types.ErrExecution, Path: path, Operator: n.Operator.String(), Detail: "unknown logical operator"}
		}
		return a.group(n.Operator, len(n.Children), func(i int) (bool, error) {
			return a.evalRaw(n.Children[i], childPath(path, i), ctx)
		})
	default:
		return false, &types.RuleError{Kind: types.ErrExecution, Path: path, Detail: fmt.Sprintf("unsupported node type %T", node)}
	}
}

// group applies short-circuit AND/OR over n children. An error from a child
// aborts the walk without tracing the group verdict.
func (a *accumulator) group(op types.LogicalOperator, n int, child func(i int) (bool, error)) (bool, error) {
	verdict := op == types.And
	for i := 0; i < n; i++ {
		ok, err := child(i)
		if err != nil {
			return false, err
		}
		if op == types.And && !ok {
			verdict = false
			break
		}
		if op == types.Or && ok {
			verdict = true
			break
		}
	}
	a.trace = append(a.trace, fmt.Sprintf("%s => %t", op, verdict))
	return verdict, nil
}

// condition resolves and applies one leaf, recording its trace line.
func (a *accumulator) condition(c *CompiledCondition, ctx *EvaluationContext) (bool, error) {
	lhs, found := ctx.Lookup(c.Field)
	if !found {
		a.line(c, false, "field not found")
		if a.requireFields {
			return false, &types.RuleError{
				Kind:     types.ErrFieldNotFound,
				Path:     c.Path,
				Field:    c.Field.String(),
				Operator: c.Operator.String(),
				Detail:   "required field is missing from the context",
			}
		}
		return false, nil
	}
	ok, err := applyCompiled(c.Operator, lhs, c.Value, c.regex)
	if err != nil {
		a.line(c, false, err.Error())
		return false, nil
	}
	a.line(c, ok, "")
	if ok {
		a.matched = append(a.matched, c.Field.String())
	}
	return ok, nil
}

// line formats "<field> <op> <value> => <verdict> (<reason>)".
func (a *accumulator) line(c *CompiledCondition, verdict bool, reason string) {
	var b strings.Builder
	b.WriteString(c.Field.String())
	b.WriteByte(' ')
	b.WriteString(c.Operator.Display())
	if !c.Operator.Unary() {
		b.WriteByte(' ')
		b.WriteString(c.Value.String())
	}
	fmt.Fprintf(&b, " => %t", verdict)
	if reason != "" {
		b.WriteString(" (")
		b.WriteString(reason)
		b.WriteByte(')')
	}
	a.trace = append(a.trace, b.String())
}

func executionError(path string, cause error) error {
	return &types.RuleError{Kind: types.ErrExecution, Path: path, Detail: "invalid node reached during evaluation", Err: cause}
}
