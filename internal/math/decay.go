package math

// minutesInThousandYears caps the exponent of DecPow the same way the
// fee contracts do.
const minutesInThousandYears = 525_600_000

// DecPow raises base to minutes, capping the exponent at a thousand years
// of minutes. It is used for base-rate decay.
func DecPow(base Decimal, minutes uint64) Decimal {
	if minutes > minutesInThousandYears {
		minutes = minutesInThousandYears
	}
	if minutes == 0 {
		return One
	}
	return base.Pow(minutes)
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi Decimal) Decimal {
	return Min(Max(d, lo), hi)
}
