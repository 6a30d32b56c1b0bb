package state

import (
	fpmath "TroveWatch/internal/math"
)

// StabilityDeposit is an account's position in the stability pool.
type StabilityDeposit struct {
	InitialDeposit fpmath.Decimal `json:"initial_deposit"`
	CurrentDeposit fpmath.Decimal `json:"current_deposit"`
	CollateralGain fpmath.Decimal `json:"collateral_gain"`
}

func (d StabilityDeposit) IsEmpty() bool {
	return d.InitialDeposit.IsZero() && d.CurrentDeposit.IsZero() && d.CollateralGain.IsZero()
}

// StabilityDepositChange describes moving from d to that.
type StabilityDepositChange struct {
	Deposit  fpmath.Decimal `json:"deposit,omitempty"`
	Withdraw fpmath.Decimal `json:"withdraw,omitempty"`
	All      bool           `json:"withdraw_all_deposit,omitempty"`
}

// WhatChanged returns the deposit or withdrawal that moves the current
// deposit to amount. It returns false when nothing changes.
func (d StabilityDeposit) WhatChanged(amount fpmath.Decimal) (StabilityDepositChange, bool) {
	switch delta := fpmath.Diff(amount, d.CurrentDeposit); {
	case !delta.Nonzero():
		return StabilityDepositChange{}, false
	case delta.Decimal().IsPositive():
		return StabilityDepositChange{Deposit: delta.Abs()}, true
	default:
		return StabilityDepositChange{Withdraw: delta.Abs(), All: amount.IsZero()}, true
	}
}

// BammDeposit is an account's share of the B.AMM pool that fronts the
// stability pool.
type BammDeposit struct {
	Shares          fpmath.Decimal `json:"shares"`
	TotalShares     fpmath.Decimal `json:"total_shares"`
	StablecoinValue fpmath.Decimal `json:"stablecoin_value"`
	CollateralValue fpmath.Decimal `json:"collateral_value"`
}

// PoolShare is the account's fraction of the pool.
func (d BammDeposit) PoolShare() fpmath.Decimal {
	if d.TotalShares.IsZero() {
		return fpmath.Zero
	}
	return d.Shares.Div(d.TotalShares)
}

func (d BammDeposit) IsEmpty() bool {
	return d.Shares.IsZero()
}

// Balances are the observed account's token holdings.
type Balances struct {
	Native              fpmath.Decimal `json:"native"`
	Collateral          fpmath.Decimal `json:"collateral"`
	CollateralAllowance fpmath.Decimal `json:"collateral_allowance"`
	Stablecoin          fpmath.Decimal `json:"stablecoin"`
}
