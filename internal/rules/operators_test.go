package rules

import (
	"errors"
	"testing"

	"github.com/solatis/badgekeeper/internal/types"
)

func num(f float64) types.Value { return types.Number(f) }
func str(s string) types.Value  { return types.String(s) }
func arr(vs ...types.Value) types.Value {
	return types.Array(vs...)
}

// Test every operator's verdict on well-formed operands
func TestApply(t *testing.T) {
	tests := []struct {
		name string
		op   types.Operator
		lhs  types.Value
		rhs  types.Value
		want bool
	}{
		{"eq string", types.OpEq, str("PURCHASE"), str("PURCHASE"), true},
		{"eq number int vs float", types.OpEq, num(100), num(100.0), true},
		{"eq different kinds", types.OpEq, str("1"), num(1), false},
		{"eq deep array", types.OpEq, arr(num(1), str("a")), arr(num(1), str("a")), true},
		{"eq deep object", types.OpEq,
			types.Object(map[string]types.Value{"a": num(1), "b": arr()}),
			types.Object(map[string]types.Value{"b": arr(), "a": num(1)}), true},
		{"eq null null", types.OpEq, types.Null(), types.Null(), true},
		{"neq", types.OpNeq, str("a"), str("b"), true},
		{"neq equal", types.OpNeq, num(2), num(2), false},

		{"gt", types.OpGt, num(150), num(100), true},
		{"gt equal", types.OpGt, num(100), num(100), false},
		{"gte equal", types.OpGte, num(100), num(100), true},
		{"lt", types.OpLt, num(-1), num(0), true},
		{"lte", types.OpLte, num(0), num(0), true},
		{"gt numeric string lhs", types.OpGt, str(" 42.5 "), num(40), true},
		{"gt numeric string rhs", types.OpGt, num(5), str("4"), true},

		{"between inside", types.OpBetween, num(5), arr(num(1), num(10)), true},
		{"between low bound inclusive", types.OpBetween, num(1), arr(num(1), num(10)), true},
		{"between high bound inclusive", types.OpBetween, num(10), arr(num(1), num(10)), true},
		{"between below", types.OpBetween, num(0.999), arr(num(1), num(10)), false},
		{"between above", types.OpBetween, num(10.001), arr(num(1), num(10)), false},
		{"between degenerate range", types.OpBetween, num(3), arr(num(3), num(3)), true},

		{"in", types.OpIn, str("gold"), arr(str("silver"), str("gold")), true},
		{"in absent", types.OpIn, str("bronze"), arr(str("silver"), str("gold")), false},
		{"in empty set", types.OpIn, str("gold"), arr(), false},
		{"in deep equality", types.OpIn, arr(num(1)), arr(arr(num(1))), true},
		{"not_in", types.OpNotIn, str("bronze"), arr(str("silver")), true},
		{"not_in present", types.OpNotIn, str("silver"), arr(str("silver")), false},
		{"not_in empty set", types.OpNotIn, str("x"), arr(), true},

		{"contains array element", types.OpContains, arr(str("a"), str("b")), str("b"), true},
		{"contains array missing", types.OpContains, arr(str("a")), str("z"), false},
		{"contains substring", types.OpContains, str("hello world"), str("lo wo"), true},
		{"contains empty substring", types.OpContains, str("abc"), str(""), true},

		{"contains_any overlap", types.OpContainsAny, arr(str("a"), str("b")), arr(str("x"), str("b")), true},
		{"contains_any disjoint", types.OpContainsAny, arr(str("a")), arr(str("x")), false},
		{"contains_any empty rhs", types.OpContainsAny, arr(str("a")), arr(), false},
		{"contains_all subset", types.OpContainsAll, arr(str("a"), str("b"), str("c")), arr(str("c"), str("a")), true},
		{"contains_all missing one", types.OpContainsAll, arr(str("a")), arr(str("a"), str("b")), false},
		{"contains_all empty rhs vacuous", types.OpContainsAll, arr(), arr(), true},

		{"starts_with", types.OpStartsWith, str("premium_user"), str("premium"), true},
		{"starts_with no", types.OpStartsWith, str("user_premium"), str("premium"), false},
		{"ends_with", types.OpEndsWith, str("report.pdf"), str(".pdf"), true},
		{"ends_with empty affix", types.OpEndsWith, str("x"), str(""), true},

		{"regex unanchored search", types.OpRegex, str("order-12345-x"), str(`\d{5}`), true},
		{"regex anchored full match", types.OpRegex, str("order-12345-x"), str(`^\d{5}$`), false},
		{"regex no match", types.OpRegex, str("abc"), str(`^z`), false},

		{"before", types.OpBefore, str("2024-01-01T00:00:00Z"), str("2024-06-01T00:00:00Z"), true},
		{"before equal is strict", types.OpBefore, str("2024-01-01T00:00:00Z"), str("2024-01-01T00:00:00Z"), false},
		{"after with offset", types.OpAfter, str("2024-01-01T02:00:00+01:00"), str("2024-01-01T00:30:00Z"), true},
		{"after fractional seconds", types.OpAfter, str("2024-01-01T00:00:00.5Z"), str("2024-01-01T00:00:00Z"), true},
		{"before date-only", types.OpBefore, str("2023-12-31T23:59:59Z"), str("2024-01-01"), true},

		{"is_empty null", types.OpIsEmpty, types.Null(), types.Null(), true},
		{"is_empty empty string", types.OpIsEmpty, str(""), types.Null(), true},
		{"is_empty empty array", types.OpIsEmpty, arr(), types.Null(), true},
		{"is_empty empty object", types.OpIsEmpty, types.Object(nil), types.Null(), true},
		{"is_empty zero is not empty", types.OpIsEmpty, num(0), types.Null(), false},
		{"is_empty false is not empty", types.OpIsEmpty, types.Bool(false), types.Null(), false},
		{"is_not_empty string", types.OpIsNotEmpty, str("x"), types.Null(), true},
		{"is_not_empty ignores rhs", types.OpIsNotEmpty, arr(num(1)), str("anything"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.op, tt.lhs, tt.rhs)
			if err != nil {
				t.Fatalf("Apply(%s) error = %v, want nil", tt.op, err)
			}
			if got != tt.want {
				t.Errorf("Apply(%s, %v, %v) = %v, want %v", tt.op, tt.lhs, tt.rhs, got, tt.want)
			}
		})
	}
}

// Test operand shapes that cannot be compared
func TestApply_Errors(t *testing.T) {
	tests := []struct {
		name    string
		op      types.Operator
		lhs     types.Value
		rhs     types.Value
		wantErr error
	}{
		{"gt non-numeric string", types.OpGt, str("abc"), num(1), types.ErrTypeMismatch},
		{"gt empty string", types.OpGt, str("  "), num(1), types.ErrTypeMismatch},
		{"gt bool rejected", types.OpGt, types.Bool(true), num(0), types.ErrTypeMismatch},
		{"lt null", types.OpLt, types.Null(), num(0), types.ErrTypeMismatch},
		{"between non-array bounds", types.OpBetween, num(1), num(2), types.ErrInvalidOperator},
		{"between wrong arity", types.OpBetween, num(1), arr(num(1)), types.ErrInvalidOperator},
		{"in non-array rhs", types.OpIn, str("a"), str("a"), types.ErrInvalidOperator},
		{"contains on number", types.OpContains, num(5), num(5), types.ErrTypeMismatch},
		{"contains substring non-string rhs", types.OpContains, str("123"), num(1), types.ErrTypeMismatch},
		{"contains_any on string lhs", types.OpContainsAny, str("ab"), arr(str("a")), types.ErrTypeMismatch},
		{"contains_all on object lhs", types.OpContainsAll, types.Object(nil), arr(), types.ErrTypeMismatch},
		{"starts_with number lhs", types.OpStartsWith, num(123), str("1"), types.ErrTypeMismatch},
		{"regex invalid pattern", types.OpRegex, str("a"), str("("), types.ErrInvalidOperator},
		{"regex non-string lhs", types.OpRegex, num(1), str("1"), types.ErrTypeMismatch},
		{"before unparsable lhs", types.OpBefore, str("yesterday"), str("2024-01-01"), types.ErrTypeMismatch},
		{"after number lhs", types.OpAfter, num(1700000000), str("2024-01-01"), types.ErrTypeMismatch},
		{"unknown operator", types.OpUnspecified, num(1), num(1), types.ErrInvalidOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.op, tt.lhs, tt.rhs)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
			}
			if got {
				t.Errorf("Apply() = true alongside error")
			}
		})
	}
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		in   types.Value
		want float64
		ok   bool
	}{
		{num(3.5), 3.5, true},
		{str("10"), 10, true},
		{str(" -2.5e1 "), -25, true},
		{str("0x10"), 0, false},
		{str(""), 0, false},
		{types.Bool(true), 0, false},
		{types.Null(), 0, false},
		{arr(num(1)), 0, false},
	}
	for _, tt := range tests {
		got, err := toNumber(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("toNumber(%v) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("toNumber(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2024-01-01T00:00:00Z",
		"2024-01-01T00:00:00.123456789Z",
		"2024-01-01T00:00:00-07:00",
		"2024-01-01",
	} {
		if _, err := parseTimestamp(s); err != nil {
			t.Errorf("parseTimestamp(%q) error = %v, want nil", s, err)
		}
	}
	for _, s := range []string{"", "01/02/2024", "2024-13-01", "2024-01-01 00:00:00"} {
		if _, err := parseTimestamp(s); err == nil {
			t.Errorf("parseTimestamp(%q) error = nil, want error", s)
		}
	}

	d, _ := parseTimestamp("2024-03-05")
	if d.Location().String() != "UTC" || d.Hour() != 0 {
		t.Errorf("date-only timestamp = %v, want UTC midnight", d)
	}
}
