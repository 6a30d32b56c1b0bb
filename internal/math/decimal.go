// internal/math/decimal.go
package math

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by a Decimal.
// It matches the 18-decimal token amounts used on chain.
const Precision = 18

var (
	scale      = uint256.NewInt(1_000_000_000_000_000_000)
	maxUint256 = new(uint256.Int).SetAllOne()
)

// Decimal is an immutable signed fixed-point number with 18 fractional
// digits. The zero value is 0. Two Decimals holding the same number are
// equal under ==, so Decimal can be embedded in comparable structs.
//
// Multiplication and division truncate toward zero, the same way the
// contracts do. Division by zero yields Infinity.
type Decimal struct {
	abs uint256.Int // magnitude scaled by 10^18
	neg bool        // never set when abs is zero
}

var (
	Zero     = Decimal{}
	One      = Decimal{abs: *scale}
	Hundred  = DecimalFromInt(100)
	Infinity = Decimal{abs: *maxUint256}
)

func fromParts(abs *uint256.Int, neg bool) Decimal {
	d := Decimal{abs: *abs, neg: neg}
	if d.abs.IsZero() {
		d.neg = false
	}
	return d
}

// NewDecimal parses a decimal string such as "1800", "-0.5" or "1e3".
// Digits beyond the 18th fractional place are truncated.
// "∞" and "Infinity" parse to Infinity, with an optional sign.
func NewDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "∞", "Infinity", "+∞", "+Infinity":
		return Infinity, nil
	case "-∞", "-Infinity":
		return Infinity.Neg(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return fromShopspring(d)
}

// MustDecimal is NewDecimal for constants and tests. It panics on bad input.
func MustDecimal(s string) Decimal {
	d, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromInt returns n as a Decimal.
func DecimalFromInt(n int64) Decimal {
	neg := n < 0
	u := uint64(n)
	if neg {
		u = uint64(-n)
	}
	var z uint256.Int
	z.Mul(uint256.NewInt(u), scale)
	return fromParts(&z, neg)
}

// DecimalFromWei interprets v as an amount scaled by 10^18.
// Values that do not fit 256 bits saturate to Infinity.
func DecimalFromWei(v *big.Int) Decimal {
	if v == nil {
		return Zero
	}
	mag := new(big.Int).Abs(v)
	z, overflow := uint256.FromBig(mag)
	if overflow {
		return fromParts(maxUint256, v.Sign() < 0)
	}
	return fromParts(z, v.Sign() < 0)
}

// DecimalFromUint256 interprets v as an unsigned amount scaled by 10^18.
func DecimalFromUint256(v *uint256.Int) Decimal {
	if v == nil {
		return Zero
	}
	return fromParts(v, false)
}

// DecimalFromShopspring converts a shopspring decimal, truncating past 18
// fractional digits.
func DecimalFromShopspring(d decimal.Decimal) (Decimal, error) {
	return fromShopspring(d)
}

func fromShopspring(d decimal.Decimal) (Decimal, error) {
	scaled := d.Shift(Precision).Truncate(0).BigInt()
	neg := scaled.Sign() < 0
	z, overflow := uint256.FromBig(scaled.Abs(scaled))
	if overflow {
		return Zero, fmt.Errorf("decimal %s overflows 256 bits", d.String())
	}
	return fromParts(z, neg), nil
}

// Wei returns the signed amount scaled by 10^18.
func (d Decimal) Wei() *big.Int {
	v := d.abs.ToBig()
	if d.neg {
		v.Neg(v)
	}
	return v
}

// Uint256 returns the magnitude scaled by 10^18.
func (d Decimal) Uint256() *uint256.Int {
	return d.abs.Clone()
}

// Shopspring returns d as a shopspring decimal.
func (d Decimal) Shopspring() decimal.Decimal {
	return decimal.NewFromBigInt(d.Wei(), -Precision)
}

// Float64 is lossy and meant for metrics only.
func (d Decimal) Float64() float64 {
	if d.IsInfinite() {
		return 1e308
	}
	return d.Shopspring().InexactFloat64()
}

// ============================================================================
// Arithmetic
// ============================================================================

func (d Decimal) Add(o Decimal) Decimal {
	if d.IsInfinite() {
		return d
	}
	if o.IsInfinite() {
		return o
	}
	var z uint256.Int
	if d.neg == o.neg {
		if _, overflow := z.AddOverflow(&d.abs, &o.abs); overflow {
			return saturated(d.neg)
		}
		return fromParts(&z, d.neg)
	}
	if d.abs.Cmp(&o.abs) >= 0 {
		z.Sub(&d.abs, &o.abs)
		return fromParts(&z, d.neg)
	}
	z.Sub(&o.abs, &d.abs)
	return fromParts(&z, o.neg)
}

func (d Decimal) Sub(o Decimal) Decimal {
	return d.Add(o.Neg())
}

func (d Decimal) Mul(o Decimal) Decimal {
	if d.IsZero() || o.IsZero() {
		return Zero
	}
	neg := d.neg != o.neg
	if d.IsInfinite() || o.IsInfinite() {
		return saturated(neg)
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&d.abs, &o.abs, scale); overflow {
		return saturated(neg)
	}
	return fromParts(&z, neg)
}

func (d Decimal) Div(o Decimal) Decimal {
	if o.IsZero() {
		return Infinity
	}
	if d.IsZero() || o.IsInfinite() {
		return Zero
	}
	neg := d.neg != o.neg
	if d.IsInfinite() {
		return saturated(neg)
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&d.abs, scale, &o.abs); overflow {
		return saturated(neg)
	}
	return fromParts(&z, neg)
}

// DivCeil divides rounding the last digit away from zero.
func (d Decimal) DivCeil(o Decimal) Decimal {
	q := d.Div(o)
	if q.IsInfinite() || q.IsZero() && d.IsZero() {
		return q
	}
	if q.Mul(o) != d {
		ulp := Decimal{abs: *uint256.NewInt(1), neg: q.neg}
		return q.Add(ulp)
	}
	return q
}

// MulDiv computes d*m/q with a single truncation.
func (d Decimal) MulDiv(m, q Decimal) Decimal {
	if q.IsZero() {
		return Infinity
	}
	if d.IsZero() || m.IsZero() {
		return Zero
	}
	neg := (d.neg != m.neg) != q.neg
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&d.abs, &m.abs, &q.abs); overflow {
		return saturated(neg)
	}
	return fromParts(&z, neg)
}

// Pow raises d to an integer power by repeated squaring.
func (d Decimal) Pow(n uint64) Decimal {
	result := One
	base := d
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base)
		}
		n >>= 1
		if n > 0 {
			base = base.Mul(base)
		}
	}
	return result
}

func (d Decimal) Neg() Decimal {
	return fromParts(&d.abs, !d.neg)
}

func (d Decimal) Abs() Decimal {
	return Decimal{abs: d.abs}
}

func saturated(neg bool) Decimal {
	return fromParts(maxUint256, neg)
}

// ============================================================================
// Comparison
// ============================================================================

func (d Decimal) Cmp(o Decimal) int {
	switch {
	case d.neg && !o.neg:
		return -1
	case !d.neg && o.neg:
		return 1
	}
	c := d.abs.Cmp(&o.abs)
	if d.neg {
		return -c
	}
	return c
}

func (d Decimal) Eq(o Decimal) bool  { return d == o }
func (d Decimal) Lt(o Decimal) bool  { return d.Cmp(o) < 0 }
func (d Decimal) Lte(o Decimal) bool { return d.Cmp(o) <= 0 }
func (d Decimal) Gt(o Decimal) bool  { return d.Cmp(o) > 0 }
func (d Decimal) Gte(o Decimal) bool { return d.Cmp(o) >= 0 }

func (d Decimal) IsZero() bool     { return d.abs.IsZero() }
func (d Decimal) IsNegative() bool { return d.neg }
func (d Decimal) IsPositive() bool { return !d.neg && !d.abs.IsZero() }

// IsInfinite reports whether the magnitude is saturated.
func (d Decimal) IsInfinite() bool { return d.abs.Eq(maxUint256) }

func Min(a, b Decimal) Decimal {
	if a.Lt(b) {
		return a
	}
	return b
}

func Max(a, b Decimal) Decimal {
	if a.Gt(b) {
		return a
	}
	return b
}

// ============================================================================
// Formatting
// ============================================================================

// String prints the shortest exact representation, e.g. "1800" or "0.005".
func (d Decimal) String() string {
	if d.IsInfinite() {
		if d.neg {
			return "-∞"
		}
		return "∞"
	}
	return d.Shopspring().String()
}

// StringFixed prints exactly places fractional digits, truncating.
func (d Decimal) StringFixed(places int32) string {
	if d.IsInfinite() {
		return d.String()
	}
	return d.Shopspring().Truncate(places).StringFixed(places)
}

// Prettify prints with places fractional digits and thousands separators.
func (d Decimal) Prettify(places int32) string {
	s := d.StringFixed(places)
	if d.IsInfinite() {
		return s
	}
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		return sign + b.String() + "." + frac
	}
	return sign + b.String()
}

// Percent prints d as a percentage, e.g. 0.005 -> "0.50%".
func (d Decimal) Percent(places int32) string {
	if d.IsInfinite() {
		return "∞"
	}
	return d.Mul(Hundred).Prettify(places) + "%"
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a JSON string or number.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	v, err := NewDecimal(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
