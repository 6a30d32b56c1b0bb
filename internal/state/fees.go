package state

import (
	fpmath "TroveWatch/internal/math"
)

// DefaultMinuteDecayFactor halves the base rate roughly every 12 hours.
var DefaultMinuteDecayFactor = fpmath.MustDecimal("0.999037758833783")

// DefaultBeta divides the redeemed fraction of supply in the redemption
// rate formula.
var DefaultBeta = fpmath.DecimalFromInt(2)

// Fees computes borrowing and redemption rates from the decaying base
// rate. Timestamps are unix seconds.
type Fees struct {
	BaseRateWithoutDecay fpmath.Decimal `json:"base_rate_without_decay"`
	MinuteDecayFactor    fpmath.Decimal `json:"minute_decay_factor"`
	Beta                 fpmath.Decimal `json:"beta"`
	LastFeeOperation     uint64         `json:"last_fee_operation"`
	TimeOfLatestBlock    uint64         `json:"time_of_latest_block"`
	RecoveryMode         bool           `json:"recovery_mode"`

	MinimumBorrowingRate  fpmath.Decimal `json:"minimum_borrowing_rate"`
	MaximumBorrowingRate  fpmath.Decimal `json:"maximum_borrowing_rate"`
	MinimumRedemptionRate fpmath.Decimal `json:"minimum_redemption_rate"`
}

// NewFees builds Fees with rate bounds taken from p.
func NewFees(baseRate fpmath.Decimal, lastFeeOperation, latestBlock uint64, recoveryMode bool, p Params) Fees {
	return Fees{
		BaseRateWithoutDecay:  baseRate,
		MinuteDecayFactor:     DefaultMinuteDecayFactor,
		Beta:                  DefaultBeta,
		LastFeeOperation:      lastFeeOperation,
		TimeOfLatestBlock:     latestBlock,
		RecoveryMode:          recoveryMode,
		MinimumBorrowingRate:  p.MinimumBorrowingRate,
		MaximumBorrowingRate:  p.MaximumBorrowingRate,
		MinimumRedemptionRate: p.MinimumRedemptionRate,
	}
}

// BaseRate returns the base rate decayed to when. A when of zero means
// the latest block time.
func (f Fees) BaseRate(when uint64) fpmath.Decimal {
	if when == 0 {
		when = f.TimeOfLatestBlock
	}
	var minutes uint64
	if when > f.LastFeeOperation {
		minutes = (when - f.LastFeeOperation) / 60
	}
	return fpmath.DecPow(f.MinuteDecayFactor, minutes).Mul(f.BaseRateWithoutDecay)
}

// BorrowingRate is zero in recovery mode, otherwise min rate plus the
// decayed base rate, capped at the max rate.
func (f Fees) BorrowingRate(when uint64) fpmath.Decimal {
	if f.RecoveryMode {
		return fpmath.Zero
	}
	return fpmath.Min(f.MinimumBorrowingRate.Add(f.BaseRate(when)), f.MaximumBorrowingRate)
}

// RedemptionRate for redeeming redeemedFraction of the total supply.
func (f Fees) RedemptionRate(redeemedFraction fpmath.Decimal, when uint64) fpmath.Decimal {
	rate := redeemedFraction.Div(f.Beta)
	if rate.Lt(fpmath.One) {
		rate = rate.Add(f.BaseRate(when)).Add(f.MinimumRedemptionRate)
		if rate.Gt(fpmath.One) {
			rate = fpmath.One
		}
	}
	return rate
}
