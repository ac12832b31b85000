// internal/types/rules.go
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

/*
 * Domain types for rule definitions.
 *
 * A Rule wraps a tree of RuleNodes. RuleNode is a sealed interface with
 * exactly two variants: *Condition (leaf) and *LogicalGroup (AND/OR over
 * ordered children). internal/rules compiles and evaluates these trees.
 *
 * Wire format:
 *   {"id","name","version","root","created_at","updated_at"}
 *   root = {"type":"condition","field","operator","value"}
 *        | {"type":"group","operator":"AND"|"OR","children":[...]}
 *
 * The model checks nothing beyond decoding; structural validation
 * (empty fields, operator/value shape) is the compiler's job and id
 * uniqueness is the store's job.
 */

const (
	nodeTypeCondition = "condition"
	nodeTypeGroup     = "group"
)

// RuleNode is either a *Condition or a *LogicalGroup.
type RuleNode interface {
	isRuleNode()
	// CloneNode returns a deep copy of the node.
	CloneNode() RuleNode
}

// Condition compares the value at Field against Value using Operator.
type Condition struct {
	Field    string
	Operator Operator
	Value    Value
}

// LogicalGroup combines Children with Operator, evaluated left to right.
type LogicalGroup struct {
	Operator LogicalOperator
	Children []RuleNode
}

func (*Condition) isRuleNode()    {}
func (*LogicalGroup) isRuleNode() {}

// CloneNode implements RuleNode.
func (c *Condition) CloneNode() RuleNode {
	if c == nil {
		return (*Condition)(nil)
	}
	return &Condition{Field: c.Field, Operator: c.Operator, Value: c.Value.Clone()}
}

// CloneNode implements RuleNode.
func (g *LogicalGroup) CloneNode() RuleNode {
	if g == nil {
		return (*LogicalGroup)(nil)
	}
	children := make([]RuleNode, len(g.Children))
	for i, child := range g.Children {
		if child != nil {
			children[i] = child.CloneNode()
		}
	}
	return &LogicalGroup{Operator: g.Operator, Children: children}
}

// NewCondition builds a leaf node.
func NewCondition(field string, op Operator, value Value) *Condition {
	return &Condition{Field: field, Operator: op, Value: value}
}

// AllOf builds an AND group.
func AllOf(children ...RuleNode) *LogicalGroup {
	return &LogicalGroup{Operator: And, Children: children}
}

// AnyOf builds an OR group.
func AnyOf(children ...RuleNode) *LogicalGroup {
	return &LogicalGroup{Operator: Or, Children: children}
}

// Rule is a named, versioned boolean expression tree.
type Rule struct {
	ID        RuleID
	Name      string
	Version   string
	Root      RuleNode
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns an independent deep copy of r.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	if r.Root != nil {
		out.Root = r.Root.CloneNode()
	}
	return &out
}

// Equal reports field-for-field equality, comparing trees structurally and
// timestamps by instant.
func (r *Rule) Equal(o *Rule) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID &&
		r.Name == o.Name &&
		r.Version == o.Version &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.UpdatedAt.Equal(o.UpdatedAt) &&
		NodesEqual(r.Root, o.Root)
}

// NodesEqual compares two rule trees structurally.
func NodesEqual(a, b RuleNode) bool {
	switch an := a.(type) {
	case nil:
		return b == nil
	case *Condition:
		bn, ok := b.(*Condition)
		if !ok || an == nil || bn == nil {
			return ok && an == bn
		}
		return an.Field == bn.Field && an.Operator == bn.Operator && an.Value.Equal(bn.Value)
	case *LogicalGroup:
		bn, ok := b.(*LogicalGroup)
		if !ok || an == nil || bn == nil {
			return ok && an == bn
		}
		if an.Operator != bn.Operator || len(an.Children) != len(bn.Children) {
			return false
		}
		for i := range an.Children {
			if !NodesEqual(an.Children[i], bn.Children[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

type conditionJSON struct {
	Type     string   `json:"type"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
}

type groupJSON struct {
	Type     string            `json:"type"`
	Operator LogicalOperator   `json:"operator"`
	Children []json.RawMessage `json:"children"`
}

// MarshalJSON implements json.Marshaler.
func (c *Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionJSON{
		Type:     nodeTypeCondition,
		Field:    c.Field,
		Operator: c.Operator,
		Value:    c.Value,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw conditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "" && raw.Type != nodeTypeCondition {
		return &RuleError{Kind: ErrParse, Detail: fmt.Sprintf("expected condition node, got %q", raw.Type)}
	}
	if raw.Operator == OpUnspecified {
		return &RuleError{Kind: ErrParse, Field: raw.Field, Detail: "missing operator"}
	}
	c.Field = raw.Field
	c.Operator = raw.Operator
	c.Value = raw.Value
	return nil
}

// MarshalJSON implements json.Marshaler.
func (g *LogicalGroup) MarshalJSON() ([]byte, error) {
	children := make([]json.RawMessage, 0, len(g.Children))
	for i, child := range g.Children {
		if child == nil {
			return nil, fmt.Errorf("group child %d is nil", i)
		}
		b, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		children = append(children, b)
	}
	return json.Marshal(groupJSON{Type: nodeTypeGroup, Operator: g.Operator, Children: children})
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *LogicalGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     string            `json:"type"`
		Operator *LogicalOperator  `json:"operator"`
		Children []json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "" && raw.Type != nodeTypeGroup {
		return &RuleError{Kind: ErrParse, Detail: fmt.Sprintf("expected group node, got %q", raw.Type)}
	}
	if raw.Operator == nil {
		return &RuleError{Kind: ErrParse, Detail: "group missing operator"}
	}
	children := make([]RuleNode, 0, len(raw.Children))
	for i, rc := range raw.Children {
		child, err := UnmarshalNode(rc)
		if err != nil {
			return fmt.Errorf("children[%d]: %w", i, err)
		}
		children = append(children, child)
	}
	g.Operator = *raw.Operator
	g.Children = children
	return nil
}

// UnmarshalNode decodes a tagged node document.
func UnmarshalNode(data []byte) (RuleNode, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &RuleError{Kind: ErrParse, Err: err}
	}
	switch head.Type {
	case nodeTypeCondition:
		c := &Condition{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, asParseError(err)
		}
		return c, nil
	case nodeTypeGroup:
		g := &LogicalGroup{}
		if err := json.Unmarshal(data, g); err != nil {
			return nil, asParseError(err)
		}
		return g, nil
	case "":
		return nil, &RuleError{Kind: ErrParse, Detail: "node missing type"}
	default:
		return nil, &RuleError{Kind: ErrParse, Detail: fmt.Sprintf("unknown node type %q", head.Type)}
	}
}

type ruleJSON struct {
	ID        RuleID          `json:"id"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Root      json.RawMessage `json:"root"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.Root == nil {
		return nil, &RuleError{Kind: ErrParse, RuleID: string(r.ID), Detail: "rule has no root"}
	}
	root, err := json.Marshal(r.Root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID:        r.ID,
		Name:      r.Name,
		Version:   r.Version,
		Root:      root,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return asParseError(err)
	}
	if len(bytes.TrimSpace(raw.Root)) == 0 || bytes.Equal(bytes.TrimSpace(raw.Root), []byte("null")) {
		return &RuleError{Kind: ErrParse, RuleID: string(raw.ID), Detail: "rule has no root"}
	}
	root, err := UnmarshalNode(raw.Root)
	if err != nil {
		return err
	}
	*r = Rule{
		ID:        raw.ID,
		Name:      raw.Name,
		Version:   raw.Version,
		Root:      root,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}

// ParseRule decodes a serialized rule. All failures are ErrParse.
func ParseRule(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, asParseError(err)
	}
	return &r, nil
}

// asParseError tags err as ErrParse unless it already carries a kind.
func asParseError(err error) error {
	var re *RuleError
	if errors.As(err, &re) {
		return err
	}
	return &RuleError{Kind: ErrParse, Err: err}
}
