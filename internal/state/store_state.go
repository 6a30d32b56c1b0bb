// internal/state/store_state.go
package state

import (
	"crypto/sha256"
	"encoding/json"

	fpmath "TroveWatch/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// StoreState is an immutable snapshot of protocol state for one Key, as
// seen by one account at one block. Every field is a value type so two
// snapshots can be compared with == and diffed field by field.
//
// The first group of fields is read from chain. The second group is
// computed by Derive and must not be set by sources.
type StoreState struct {
	Key            Key            `json:"key"`
	Account        common.Address `json:"account"`
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp uint64         `json:"block_timestamp"`

	Price                     fpmath.Decimal                 `json:"price"`
	NativeBalance             fpmath.Decimal                 `json:"native_balance"`
	CollateralBalance         fpmath.Decimal                 `json:"collateral_balance"`
	CollateralAllowance       fpmath.Decimal                 `json:"collateral_allowance"`
	StablecoinBalance         fpmath.Decimal                 `json:"stablecoin_balance"`
	StablecoinTotalSupply     fpmath.Decimal                 `json:"stablecoin_total_supply"`
	NumberOfTroves            uint64                         `json:"number_of_troves"`
	Total                     Trove                          `json:"total"`
	TotalRedistributed        Trove                          `json:"total_redistributed"`
	TroveBeforeRedistribution TroveWithPendingRedistribution `json:"trove_before_redistribution"`
	StabilityDeposit          StabilityDeposit               `json:"stability_deposit"`
	StablecoinInStabilityPool fpmath.Decimal                 `json:"stablecoin_in_stability_pool"`
	BammDeposit               BammDeposit                    `json:"bamm_deposit"`
	CollateralSurplusBalance  fpmath.Decimal                 `json:"collateral_surplus_balance"`
	PCVBalance                fpmath.Decimal                 `json:"pcv_balance"`
	BaseRate                  fpmath.Decimal                 `json:"base_rate"`
	LastFeeOperation          uint64                         `json:"last_fee_operation"`

	UserTrove            UserTrove      `json:"trove"`
	Fees                 Fees           `json:"fees"`
	BorrowingRate        fpmath.Decimal `json:"borrowing_rate"`
	RedemptionRate       fpmath.Decimal `json:"redemption_rate"`
	TotalCollateralRatio fpmath.Decimal `json:"total_collateral_ratio"`
	RecoveryMode         bool           `json:"recovery_mode"`
	Health               Health         `json:"health"`
}

// Derive fills the computed fields of s from its chain-read fields.
func Derive(s StoreState, p Params) StoreState {
	s.UserTrove = s.TroveBeforeRedistribution.ApplyRedistribution(s.TotalRedistributed)
	s.TotalCollateralRatio = s.Total.CollateralRatio(s.Price)
	s.RecoveryMode = s.TotalCollateralRatio.Lt(p.CriticalCollateralRatio)
	s.Fees = NewFees(s.BaseRate, s.LastFeeOperation, s.BlockTimestamp, s.RecoveryMode, p)
	s.BorrowingRate = s.Fees.BorrowingRate(0)
	s.RedemptionRate = s.Fees.RedemptionRate(fpmath.Zero, 0)
	s.Health = ClassifyHealth(s.UserTrove, s.Price, s.TotalCollateralRatio, s.RecoveryMode, p)
	return s
}

// Digest is a sha256 of the JSON encoding. Field order is fixed by the
// struct, so equal states produce equal digests.
func (s StoreState) Digest() [32]byte {
	b, err := json.Marshal(s)
	if err != nil {
		// Every field marshals; this is unreachable.
		panic(err)
	}
	return sha256.Sum256(b)
}
