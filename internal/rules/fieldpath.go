// internal/rules/fieldpath.go
package rules

import (
	"strconv"
	"strings"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Field path resolution for structured documents.
 *
 * A field path is a dot-separated string ("order.items.0.sku"). Each segment
 * indexes an object by key or, when the current node is an array, is parsed
 * as a non-negative integer index. Numeric segments are parsed once at
 * compile time so evaluation never re-splits or re-parses.
 *
 * Resolution is total: a missing key, an out-of-range index, or descending
 * into a scalar yields (Null, false). It never panics and never errors, which
 * lets condition evaluation treat "absent" uniformly as "does not match".
 */

// PathSegment is one component of a field path.
type PathSegment struct {
	Key     string // raw segment text, used for object lookup
	Index   int    // array index, valid only if IsIndex
	IsIndex bool   // segment is a non-negative integer
}

// FieldPath is a pre-split field path.
type FieldPath struct {
	raw      string
	segments []PathSegment
}

// ParsePath splits path into segments. Empty paths and empty segments
// ("a..b", ".a", "a.") are rejected.
func ParsePath(path string) (FieldPath, error) {
	if path == "" {
		return FieldPath{}, &types.RuleError{Kind: types.ErrCompile, Detail: "field path is empty"}
	}
	parts := strings.Split(path, ".")
	segments := make([]PathSegment, len(parts))
	for i, part := range parts {
		if part == "" {
			return FieldPath{}, &types.RuleError{
				Kind:   types.ErrCompile,
				Field:  path,
				Detail: "field path has an empty segment at position " + strconv.Itoa(i),
			}
		}
		segments[i] = newSegment(part)
	}
	return FieldPath{raw: path, segments: segments}, nil
}

func newSegment(part string) PathSegment {
	seg := PathSegment{Key: part}
	if idx, ok := parseIndex(part); ok {
		seg.Index = idx
		seg.IsIndex = true
	}
	return seg
}

// parseIndex accepts only plain decimal digits; signs and whitespace are keys.
func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the original dotted path.
func (p FieldPath) String() string { return p.raw }

// Segments returns the parsed segments.
func (p FieldPath) Segments() []PathSegment { return p.segments }

// Resolve walks doc following p.
func (p FieldPath) Resolve(doc types.Value) (types.Value, bool) {
	return resolveSegments(p.segments, doc)
}

// resolveSegments is the iterative traversal behind every lookup.
func resolveSegments(segments []PathSegment, current types.Value) (types.Value, bool) {
	if len(segments) == 0 {
		return types.Null(), false
	}
	for _, seg := range segments {
		switch current.Kind() {
		case types.KindObject:
			next, ok := current.Field(seg.Key)
			if !ok {
				return types.Null(), false
			}
			current = next
		case types.KindArray:
			if !seg.IsIndex {
				return types.Null(), false
			}
			next, ok := current.Index(seg.Index)
			if !ok {
				return types.Null(), false
			}
			current = next
		default:
			// Scalar or null but path continues
			return types.Null(), false
		}
	}
	return current, true
}

// splitPath is the lenient runtime split used by EvaluationContext.GetField.
// Malformed paths simply resolve to nothing.
func splitPath(path string) ([]PathSegment, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	segments := make([]PathSegment, len(parts))
	for i, part := range parts {
		if part == "" {
			return nil, false
		}
		segments[i] = newSegment(part)
	}
	return segments, true
}
