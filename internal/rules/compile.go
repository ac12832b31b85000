// internal/rules/compile.go
package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles a types.Rule into a CompiledRule: an immutable tree with field
 * paths pre-split, regex patterns pre-compiled, and a static cost attached.
 * Compilation never looks at event data.
 *
 * Validation per operator (violations are ErrCompile naming the node path,
 * field and operator):
 *   - gt/gte/lt/lte   value coerces to a number
 *   - between         [low, high], both numeric, low <= high
 *   - in/not_in/contains_any/contains_all   value is an array
 *   - starts_with/ends_with                 value is a string
 *   - regex           value is a string that compiles as RE2
 *   - before/after    value parses as a timestamp
 *   - eq/neq/contains/is_empty/is_not_empty accept any value
 *
 * Children order is preserved exactly. Unlike a cost-ordered DNF, the trace
 * and matched_conditions output depends on declared order, so the compiler
 * never reorders nodes.
 *
 * A CompiledRule holds no mutable state and is safe to evaluate from any
 * number of goroutines.
 */

// CompiledNode is a validated node ready for evaluation.
type CompiledNode interface {
	compiledNode()
	// Cost returns the static evaluation cost of the subtree.
	Cost() int
}

// CompiledCondition is a validated leaf.
type CompiledCondition struct {
	Path     string
	Field    FieldPath
	Operator types.Operator
	Value    types.Value
	regex    *regexp.Regexp
	cost     int
}

// CompiledGroup is a validated AND/OR group.
type CompiledGroup struct {
	Operator types.LogicalOperator
	Children []CompiledNode
	cost     int
}

func (*CompiledCondition) compiledNode() {}
func (*CompiledGroup) compiledNode()     {}

// Cost implements CompiledNode.
func (c *CompiledCondition) Cost() int { return c.cost }

// Cost implements CompiledNode.
func (g *CompiledGroup) Cost() int { return g.cost }

// CompiledRule is a fully validated rule ready for evaluation.
type CompiledRule struct {
	ID        types.RuleID
	Name      string
	Version   string
	UpdatedAt time.Time
	Root      CompiledNode
}

// Cost returns the static cost of the whole tree (no short-circuit assumed).
func (r *CompiledRule) Cost() int {
	if r == nil || r.Root == nil {
		return 0
	}
	return r.Root.Cost()
}

// Compile validates rule and pre-processes it for repeated evaluation.
func Compile(rule *types.Rule) (*CompiledRule, error) {
	if rule == nil {
		return nil, &types.RuleError{Kind: types.ErrCompile, Detail: "rule is nil"}
	}
	if rule.Root == nil {
		return nil, &types.RuleError{Kind: types.ErrCompile, RuleID: string(rule.ID), Path: "root", Detail: "rule has no root"}
	}
	root, err := compileNode(rule.Root, "root")
	if err != nil {
		if re, ok := err.(*types.RuleError); ok && re.RuleID == "" {
			re.RuleID = string(rule.ID)
		}
		return nil, err
	}
	return &CompiledRule{
		ID:        rule.ID,
		Name:      rule.Name,
		Version:   rule.Version,
		UpdatedAt: rule.UpdatedAt,
		Root:      root,
	}, nil
}

// compileNode recursively validates node located at path.
func compileNode(node types.RuleNode, path string) (CompiledNode, error) {
	switch n := node.(type) {
	case *types.Condition:
		if n == nil {
			return nil, &types.RuleError{Kind: types.ErrCompile, Path: path, Detail: "condition is nil"}
		}
		return compileCondition(n, path)
	case *types.LogicalGroup:
		if n == nil {
			return nil, &types.RuleError{Kind: types.ErrCompile, Path: path, Detail: "group is nil"}
		}
		return compileGroup(n, path)
	case nil:
		return nil, &types.RuleError{Kind: types.ErrCompile, Path: path, Detail: "node is nil"}
	default:
		return nil, &types.RuleError{Kind: types.ErrCompile, Path: path, Detail: fmt.Sprintf("unsupported node type %T", node)}
	}
}

func compileGroup(g *types.LogicalGroup, path string) (*CompiledGroup, error) {
	if g.Operator != types.And && g.Operator != types.Or {
		return nil, &types.RuleError{Kind: types.ErrCompile, Path: path, Operator: g.Operator.String(), Detail: "unknown logical operator"}
	}
	compiled := &CompiledGroup{
		Operator: g.Operator,
		Children: make([]CompiledNode, 0, len(g.Children)),
		cost:     CostGroup,
	}
	for i, child := range g.Children {
		cc, err := compileNode(child, childPath(path, i))
		if err != nil {
			return nil, err
		}
		compiled.Children = append(compiled.Children, cc)
		compiled.cost += cc.Cost()
	}
	return compiled, nil
}

// compileCondition validates a leaf and attaches its cost.
func compileCondition(c *types.Condition, path string) (*CompiledCondition, error) {
	fail := func(detail string, cause error) error {
		return &types.RuleError{
			Kind:     types.ErrCompile,
			Path:     path,
			Field:    c.Field,
			Operator: c.Operator.String(),
			Detail:   detail,
			Err:      cause,
		}
	}

	if c.Field == "" {
		return nil, fail("field must not be empty", nil)
	}
	fp, err := ParsePath(c.Field)
	if err != nil {
		return nil, fail("invalid field path", err)
	}
	if !c.Operator.Valid() {
		return nil, fail("unknown operator", nil)
	}

	cc := &CompiledCondition{
		Path:     path,
		Field:    fp,
		Operator: c.Operator,
		Value:    c.Value,
	}

	switch c.Operator {
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		if _, err := toNumber(c.Value); err != nil {
			return nil, fail("value must be numeric", nil)
		}
	case types.OpBetween:
		bounds, ok := c.Value.AsArray()
		if !ok || len(bounds) != 2 {
			return nil, fail("value must be a 2-element array [low, high]", nil)
		}
		low, errLow := toNumber(bounds[0])
		high, errHigh := toNumber(bounds[1])
		if errLow != nil || errHigh != nil {
			return nil, fail("between bounds must be numeric", nil)
		}
		if low > high {
			return nil, fail("between low bound exceeds high bound", nil)
		}
	case types.OpIn, types.OpNotIn, types.OpContainsAny, types.OpContainsAll:
		if _, ok := c.Value.AsArray(); !ok {
			return nil, fail("value must be an array", nil)
		}
	case types.OpStartsWith, types.OpEndsWith:
		if _, ok := c.Value.AsString(); !ok {
			return nil, fail("value must be a string", nil)
		}
	case types.OpRegex:
		pattern, ok := c.Value.AsString()
		if !ok {
			return nil, fail("regex pattern must be a string", nil)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fail("invalid regex pattern", err)
		}
		cc.regex = re
	case types.OpBefore, types.OpAfter:
		if _, err := toTime(c.Value); err != nil {
			return nil, fail("value must be an RFC 3339 timestamp or YYYY-MM-DD date", nil)
		}
	}

	cc.cost = CalculateConditionCost(fp, c.Operator, c.Value)
	return cc, nil
}

func childPath(parent string, i int) string {
	return parent + ".children[" + strconv.Itoa(i) + "]"
}
