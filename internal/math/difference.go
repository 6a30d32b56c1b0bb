package math

// Difference is the signed change between two Decimals.
type Difference struct {
	delta Decimal
}

// Diff returns a - b.
func Diff(a, b Decimal) Difference {
	return Difference{delta: a.Sub(b)}
}

func (d Difference) Decimal() Decimal { return d.delta }
func (d Difference) Abs() Decimal     { return d.delta.Abs() }
func (d Difference) Nonzero() bool    { return !d.delta.IsZero() }

// Positive returns the magnitude if the change is an increase.
func (d Difference) Positive() (Decimal, bool) {
	if d.delta.IsPositive() {
		return d.delta, true
	}
	return Zero, false
}

// Negative returns the magnitude if the change is a decrease.
func (d Difference) Negative() (Decimal, bool) {
	if d.delta.IsNegative() {
		return d.delta.Abs(), true
	}
	return Zero, false
}

func (d Difference) String() string {
	if d.delta.IsPositive() {
		return "+" + d.delta.String()
	}
	return d.delta.String()
}

func (d Difference) MarshalJSON() ([]byte, error) {
	return d.delta.MarshalJSON()
}

func (d *Difference) UnmarshalJSON(b []byte) error {
	return d.delta.UnmarshalJSON(b)
}
