// internal/rules/coercion.go
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Type coercion for operator evaluation.
 *
 * Numeric: numbers pass through; strings are trimmed and parsed as float64;
 * empty/whitespace strings, booleans, null, arrays and objects fail.
 * Booleans are rejected to avoid true-vs-1 ambiguity.
 *
 * Temporal: strings only, parsed as RFC 3339 (fractional seconds optional)
 * or as a bare date YYYY-MM-DD taken as midnight UTC.
 *
 * Every failure is ErrTypeMismatch. The executor absorbs it into a false
 * condition; the compiler uses the same functions on right-hand sides so a
 * literal that can never coerce is rejected before evaluation.
 */

const dateOnlyLayout = "2006-01-02"

// toNumber coerces v to float64.
func toNumber(v types.Value) (float64, error) {
	switch v.Kind() {
	case types.KindNumber:
		n, _ := v.AsNumber()
		return n, nil
	case types.KindString:
		s, _ := v.AsString()
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, mismatch("number", v)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, mismatch("number", v)
		}
		return f, nil
	default:
		return 0, mismatch("number", v)
	}
}

// toTime coerces v to a timestamp.
func toTime(v types.Value) (time.Time, error) {
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, mismatch("timestamp", v)
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, mismatch("timestamp", v)
	}
	return t, nil
}

// parseTimestamp accepts RFC 3339 with optional fractional seconds, or a
// bare date.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(dateOnlyLayout, s, time.UTC)
}

// toText requires a string; no implicit stringification.
func toText(v types.Value) (string, error) {
	s, ok := v.AsString()
	if !ok {
		return "", mismatch("string", v)
	}
	return s, nil
}

// toList requires an array.
func toList(v types.Value) ([]types.Value, error) {
	arr, ok := v.AsArray()
	if !ok {
		return nil, mismatch("array", v)
	}
	return arr, nil
}

func mismatch(want string, got types.Value) error {
	return &types.RuleError{
		Kind:   types.ErrTypeMismatch,
		Detail: fmt.Sprintf("expected %s, got %s %s", want, got.Kind(), got),
	}
}
