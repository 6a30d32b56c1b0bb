package transact

import (
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"
)

func (t *Transactable) positive(op, field string, v fpmath.Decimal) error {
	if !v.IsPositive() {
		return t.invalid(op, field, "must be positive, got %s", v)
	}
	if v.IsInfinite() {
		return t.invalid(op, field, "must be finite")
	}
	return nil
}

// maxBorrowingRate resolves the fee cap sent with trove operations. The
// contract requires it within [minimum borrowing rate, 1].
func (t *Transactable) maxBorrowingRate(op string, requested fpmath.Decimal, st state.StoreState, loaded bool) (fpmath.Decimal, error) {
	p := t.params()
	rate := requested
	if rate.IsZero() {
		if loaded {
			rate = st.BorrowingRate.Add(DefaultBorrowingRateSlippage)
		} else {
			rate = p.MaximumBorrowingRate
		}
		rate = fpmath.Min(rate, p.MaximumBorrowingRate)
	}
	if rate.Lt(p.MinimumBorrowingRate) || rate.Gt(fpmath.One) {
		return fpmath.Zero, t.invalid(op, "max_borrowing_rate", "%s is outside [%s, 1]", rate, p.MinimumBorrowingRate)
	}
	if loaded && rate.Lt(st.BorrowingRate) {
		return fpmath.Zero, t.invalid(op, "max_borrowing_rate", "%s is below the current rate %s", rate, st.BorrowingRate)
	}
	return rate, nil
}

// checkCollateralRatio rejects troves the contract would refuse: below
// MCR normally, below CCR in recovery mode.
func (t *Transactable) checkCollateralRatio(op string, trove state.Trove, st state.StoreState, p state.Params) error {
	cr := trove.CollateralRatio(st.Price)
	if st.RecoveryMode {
		if cr.Lt(p.CriticalCollateralRatio) {
			return t.invalid(op, "collateral_ratio", "%s is below %s required in recovery mode", cr.Percent(1), p.CriticalCollateralRatio.Percent(1))
		}
		return nil
	}
	if cr.Lt(p.MinimumCollateralRatio) {
		return t.invalid(op, "collateral_ratio", "%s is below the minimum of %s", cr.Percent(1), p.MinimumCollateralRatio.Percent(1))
	}
	// The change must not push the whole system into recovery mode.
	total := st.Total.Add(trove).Subtract(st.UserTrove.Trove)
	if tcr := total.CollateralRatio(st.Price); tcr.Lt(p.CriticalCollateralRatio) {
		return t.invalid(op, "collateral_ratio", "would put the system into recovery mode (total ratio %s)", tcr.Percent(1))
	}
	return nil
}
