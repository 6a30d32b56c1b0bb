package math_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"TroveWatch/internal/math"
)

func mustDec(t *testing.T, s string) math.Decimal {
	t.Helper()
	d, err := math.NewDecimal(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

// ============================================================================
// Test: parsing and formatting
// ============================================================================

func TestNewDecimal_Formats(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1800", "1800"},
		{"-0.5", "-0.5"},
		{"1e3", "1000"},
		{"0.000000000000000001", "0.000000000000000001"},
		{"0.1234567890123456789", "0.123456789012345678"},
		{"∞", "∞"},
		{"Infinity", "∞"},
		{"-∞", "-∞"},
		{"-Infinity", "-∞"},
	}
	for _, c := range cases {
		if got := mustDec(t, c.in).String(); got != c.want {
			t.Errorf("%s: got %s, want %s", c.in, got, c.want)
		}
	}
}

func TestNewDecimal_Invalid(t *testing.T) {
	if _, err := math.NewDecimal("twelve"); err == nil {
		t.Error("expected parse error")
	}
}

func TestDecimal_ValueEquality(t *testing.T) {
	if mustDec(t, "1.50") != mustDec(t, "1.5") {
		t.Error("1.50 and 1.5 should compare equal with ==")
	}
	if math.DecimalFromInt(2).Sub(math.DecimalFromInt(2)) != math.Zero {
		t.Error("2-2 should be canonical zero")
	}
	if math.Zero.Neg() != math.Zero {
		t.Error("negated zero should equal zero")
	}
}

func TestDecimal_Wei(t *testing.T) {
	got := mustDec(t, "1.5").Wei().String()
	if got != "1500000000000000000" {
		t.Errorf("wei: got %s, want 1500000000000000000", got)
	}

	back := math.DecimalFromWei(big.NewInt(-250_000_000_000_000_000))
	if back != mustDec(t, "-0.25") {
		t.Errorf("from wei: got %s, want -0.25", back)
	}
}

func TestDecimal_Prettify(t *testing.T) {
	if got := mustDec(t, "1234567.891").Prettify(2); got != "1,234,567.89" {
		t.Errorf("got %q, want 1,234,567.89", got)
	}
	if got := mustDec(t, "-999.5").Prettify(0); got != "-999" {
		t.Errorf("got %q, want -999", got)
	}
	if got := mustDec(t, "0.005").Percent(2); got != "0.50%" {
		t.Errorf("got %q, want 0.50%%", got)
	}
}

// ============================================================================
// Test: arithmetic
// ============================================================================

func TestDecimal_Arithmetic(t *testing.T) {
	a := mustDec(t, "1.5")
	b := math.DecimalFromInt(2)

	if got := a.Mul(b); got != math.DecimalFromInt(3) {
		t.Errorf("mul: got %s, want 3", got)
	}
	if got := math.DecimalFromInt(1).Sub(math.DecimalFromInt(3)); got.String() != "-2" {
		t.Errorf("sub: got %s, want -2", got)
	}
	if got := math.One.Div(math.DecimalFromInt(3)).String(); got != "0.333333333333333333" {
		t.Errorf("div truncation: got %s", got)
	}
	if got := mustDec(t, "-4").Mul(mustDec(t, "-0.5")); got != math.DecimalFromInt(2) {
		t.Errorf("signs: got %s, want 2", got)
	}
	if got := math.DecimalFromInt(20).MulDiv(math.DecimalFromInt(3), math.DecimalFromInt(4)); got != math.DecimalFromInt(15) {
		t.Errorf("muldiv: got %s, want 15", got)
	}
}

func TestDecimal_DivByZeroIsInfinite(t *testing.T) {
	got := math.DecimalFromInt(10).Div(math.Zero)
	if !got.IsInfinite() {
		t.Fatalf("got %s, want ∞", got)
	}
	if !got.Gt(mustDec(t, "1e50")) {
		t.Error("infinity should compare greater than any finite value")
	}
	if got.Add(math.One) != math.Infinity {
		t.Error("∞ + 1 should stay ∞")
	}
}

func TestDecimal_Compare(t *testing.T) {
	neg := mustDec(t, "-1")
	pos := mustDec(t, "0.1")
	if !neg.Lt(pos) || !pos.Gt(neg) {
		t.Error("negative should sort below positive")
	}
	if !mustDec(t, "-2").Lt(neg) {
		t.Error("-2 should be less than -1")
	}
	if math.Min(neg, pos) != neg || math.Max(neg, pos) != pos {
		t.Error("min/max mismatch")
	}
}

func TestDecPow(t *testing.T) {
	if got := math.DecPow(mustDec(t, "0.5"), 3); got != mustDec(t, "0.125") {
		t.Errorf("got %s, want 0.125", got)
	}
	if got := math.DecPow(mustDec(t, "0.5"), 0); got != math.One {
		t.Errorf("got %s, want 1", got)
	}
}

func TestDifference(t *testing.T) {
	d := math.Diff(math.DecimalFromInt(10), math.DecimalFromInt(25))
	dec, ok := d.Negative()
	if !ok || dec != math.DecimalFromInt(15) {
		t.Errorf("negative: got %s %v, want 15 true", dec, ok)
	}
	if _, ok := d.Positive(); ok {
		t.Error("decrease should not report positive")
	}
	if d.String() != "-15" {
		t.Errorf("string: got %s, want -15", d)
	}
}

func TestDecimal_UnmarshalJSON(t *testing.T) {
	var v struct {
		A math.Decimal `json:"a"`
		B math.Decimal `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"12.5","b":7}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != mustDec(t, "12.5") || v.B != math.DecimalFromInt(7) {
		t.Errorf("got %s %s, want 12.5 7", v.A, v.B)
	}
}

func TestDecimal_InfinityJSONRoundTrip(t *testing.T) {
	for _, in := range []math.Decimal{math.Infinity, math.Infinity.Neg()} {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal %s: %v", in, err)
		}
		var out math.Decimal
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if out != in {
			t.Errorf("round trip of %s: got %s", in, out)
		}
	}
	if !math.Infinity.Neg().Lt(math.DecimalFromInt(-1_000_000)) {
		t.Error("-∞ should compare below any finite value")
	}
}
