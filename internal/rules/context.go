// internal/rules/context.go
package rules

import (
	"encoding/json"

	"github.com/solatis/badgekeeper/internal/types"
)

// EvaluationContext wraps one inbound document for the duration of an
// evaluation. It holds no state beyond the document and is safe for
// concurrent reads.
type EvaluationContext struct {
	doc types.Value
}

// NewContext wraps doc.
func NewContext(doc types.Value) *EvaluationContext {
	return &EvaluationContext{doc: doc}
}

// ParseContext decodes a JSON document into a context. Malformed input is
// an ErrParse.
func ParseContext(data []byte) (*EvaluationContext, error) {
	var doc types.Value
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &types.RuleError{Kind: types.ErrParse, Detail: "decode event document", Err: err}
	}
	return NewContext(doc), nil
}

// ContextFromMap converts a decoded Go map into a context.
func ContextFromMap(m map[string]any) (*EvaluationContext, error) {
	doc, err := types.FromAny(m)
	if err != nil {
		return nil, err
	}
	return NewContext(doc), nil
}

// Document returns the wrapped document.
func (c *EvaluationContext) Document() types.Value {
	if c == nil {
		return types.Null()
	}
	return c.doc
}

// GetField resolves a dotted path. Missing keys, out-of-range indices,
// malformed paths and type mismatches along the way all return false.
func (c *EvaluationContext) GetField(path string) (types.Value, bool) {
	if c == nil {
		return types.Null(), false
	}
	segments, ok := splitPath(path)
	if !ok {
		return types.Null(), false
	}
	return resolveSegments(segments, c.doc)
}

// Lookup resolves a pre-split path.
func (c *EvaluationContext) Lookup(p FieldPath) (types.Value, bool) {
	if c == nil {
		return types.Null(), false
	}
	return p.Resolve(c.doc)
}

// Clone returns a context over a deep copy of the document.
func (c *EvaluationContext) Clone() *EvaluationContext {
	if c == nil {
		return nil
	}
	return &EvaluationContext{doc: c.doc.Clone()}
}
