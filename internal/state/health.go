package state

import fpmath "TroveWatch/internal/math"

// Health classifies the observed account's trove against the protocol
// collateral ratio thresholds.
type Health uint8

const (
	HealthNone Health = iota // no open trove
	HealthHealthy
	HealthAtRisk
	HealthLiquidatable
)

func (h Health) String() string {
	switch h {
	case HealthNone:
		return "none"
	case HealthHealthy:
		return "healthy"
	case HealthAtRisk:
		return "atRisk"
	case HealthLiquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(b []byte) error {
	for c := HealthNone; c <= HealthLiquidatable; c++ {
		if c.String() == string(b) {
			*h = c
			return nil
		}
	}
	*h = HealthNone
	return nil
}

// ClassifyHealth places a trove's collateral ratio into a Health bucket.
// Below MCR is always liquidatable. In recovery mode a trove below the
// total collateral ratio is liquidatable too. Below CCR is at risk.
func ClassifyHealth(t UserTrove, price, totalCR fpmath.Decimal, recovery bool, p Params) Health {
	if t.Status != TroveStatusOpen || t.IsEmpty() {
		return HealthNone
	}
	cr := t.CollateralRatio(price)
	switch {
	case cr.Lt(p.MinimumCollateralRatio):
		return HealthLiquidatable
	case recovery && cr.Lt(totalCR):
		return HealthLiquidatable
	case cr.Lt(p.CriticalCollateralRatio):
		return HealthAtRisk
	default:
		return HealthHealthy
	}
}
