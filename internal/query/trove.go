package query

import (
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// TroveResponse is the observed account's trove with values derived at
// query time from the snapshot's price.
type TroveResponse struct {
	Key         state.Key         `json:"key"`
	Owner       common.Address    `json:"owner"`
	Status      state.TroveStatus `json:"status"`
	Collateral  fpmath.Decimal    `json:"collateral"`
	Debt        fpmath.Decimal    `json:"debt"`
	NetDebt     fpmath.Decimal    `json:"net_debt"`
	Health      state.Health      `json:"health"`
	BlockNumber uint64            `json:"block_number"`

	// Derived values, not read from chain.
	CollateralRatio  fpmath.Decimal `json:"collateral_ratio"`
	LiquidationPrice fpmath.Decimal `json:"liquidation_price"`
	// PendingRedistribution is the share of liquidated troves not yet
	// applied on chain.
	PendingRedistribution state.Trove `json:"pending_redistribution"`
}

// NewTroveResponse derives a TroveResponse from st.
func NewTroveResponse(st state.StoreState, p state.Params) TroveResponse {
	t := st.UserTrove
	r := TroveResponse{
		Key:                   st.Key,
		Owner:                 t.Owner,
		Status:                t.Status,
		Collateral:            t.Collateral,
		Debt:                  t.Debt,
		NetDebt:               t.NetDebt(p),
		Health:                st.Health,
		BlockNumber:           st.BlockNumber,
		CollateralRatio:       t.CollateralRatio(st.Price),
		PendingRedistribution: t.Trove.Subtract(st.TroveBeforeRedistribution.Trove),
	}
	// The price at which the trove's ratio reaches the minimum. In recovery
	// mode liquidation already starts below the critical ratio.
	threshold := p.MinimumCollateralRatio
	if st.RecoveryMode {
		threshold = p.CriticalCollateralRatio
	}
	if !t.Collateral.IsZero() {
		r.LiquidationPrice = t.Debt.MulDiv(threshold, t.Collateral)
	}
	return r
}
