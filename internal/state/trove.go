// internal/state/trove.go
package state

import (
	"errors"
	"fmt"

	fpmath "TroveWatch/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// TroveStatus mirrors the status enum stored by the trove manager.
type TroveStatus uint8

const (
	TroveStatusNonExistent TroveStatus = iota
	TroveStatusOpen
	TroveStatusClosedByOwner
	TroveStatusClosedByLiquidation
	TroveStatusClosedByRedemption
)

func (s TroveStatus) String() string {
	switch s {
	case TroveStatusNonExistent:
		return "nonExistent"
	case TroveStatusOpen:
		return "open"
	case TroveStatusClosedByOwner:
		return "closedByOwner"
	case TroveStatusClosedByLiquidation:
		return "closedByLiquidation"
	case TroveStatusClosedByRedemption:
		return "closedByRedemption"
	default:
		return "unknown"
	}
}

func (s TroveStatus) IsOpen() bool { return s == TroveStatusOpen }

func (s TroveStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TroveStatus) UnmarshalText(b []byte) error {
	for c := TroveStatusNonExistent; c <= TroveStatusClosedByRedemption; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown trove status %q", b)
}

var (
	ErrTroveExists   = errors.New("can't create onto an existing trove")
	ErrTroveNotFound = errors.New("can't close a non-existent trove")
	ErrInsufficient  = errors.New("adjustment exceeds trove balance")
)

// Trove is a collateral/debt pair. The zero value is the empty trove.
type Trove struct {
	Collateral fpmath.Decimal `json:"collateral"`
	Debt       fpmath.Decimal `json:"debt"`
}

func NewTrove(collateral, debt fpmath.Decimal) Trove {
	return Trove{Collateral: collateral, Debt: debt}
}

func (t Trove) IsEmpty() bool {
	return t.Collateral.IsZero() && t.Debt.IsZero()
}

// NetDebt is the debt without the liquidation reserve.
func (t Trove) NetDebt(p Params) fpmath.Decimal {
	if t.Debt.Lt(p.LiquidationReserve) {
		return fpmath.Zero
	}
	return t.Debt.Sub(p.LiquidationReserve)
}

// CollateralRatio returns collateral value over debt. An empty debt yields
// Infinity.
func (t Trove) CollateralRatio(price fpmath.Decimal) fpmath.Decimal {
	return t.Collateral.MulDiv(price, t.Debt)
}

func (t Trove) CollateralRatioIsBelowMinimum(price fpmath.Decimal, p Params) bool {
	return t.CollateralRatio(price).Lt(p.MinimumCollateralRatio)
}

func (t Trove) CollateralRatioIsBelowCritical(price fpmath.Decimal, p Params) bool {
	return t.CollateralRatio(price).Lt(p.CriticalCollateralRatio)
}

func (t Trove) Add(o Trove) Trove {
	return Trove{Collateral: t.Collateral.Add(o.Collateral), Debt: t.Debt.Add(o.Debt)}
}

// Subtract floors each component at zero.
func (t Trove) Subtract(o Trove) Trove {
	return Trove{
		Collateral: fpmath.Max(t.Collateral.Sub(o.Collateral), fpmath.Zero),
		Debt:       fpmath.Max(t.Debt.Sub(o.Debt), fpmath.Zero),
	}
}

func (t Trove) Multiply(m fpmath.Decimal) Trove {
	return Trove{Collateral: t.Collateral.Mul(m), Debt: t.Debt.Mul(m)}
}

func (t Trove) String() string {
	return fmt.Sprintf("{collateral: %s, debt: %s}", t.Collateral, t.Debt)
}

// ============================================================================
// Trove changes
// ============================================================================

// TroveCreationParams describes opening a trove.
type TroveCreationParams struct {
	DepositCollateral fpmath.Decimal `json:"deposit_collateral"`
	Borrow            fpmath.Decimal `json:"borrow"`
}

// TroveAdjustmentParams describes changing an open trove. At most one of
// DepositCollateral/WithdrawCollateral and one of Borrow/Repay may be set.
type TroveAdjustmentParams struct {
	DepositCollateral  fpmath.Decimal `json:"deposit_collateral"`
	WithdrawCollateral fpmath.Decimal `json:"withdraw_collateral"`
	Borrow             fpmath.Decimal `json:"borrow"`
	Repay              fpmath.Decimal `json:"repay"`
}

func (p TroveAdjustmentParams) IsEmpty() bool {
	return p == TroveAdjustmentParams{}
}

// TroveClosureParams describes closing a trove.
type TroveClosureParams struct {
	WithdrawCollateral fpmath.Decimal `json:"withdraw_collateral"`
	Repay              fpmath.Decimal `json:"repay"`
}

type TroveChangeKind uint8

const (
	TroveChangeNone TroveChangeKind = iota
	TroveChangeCreation
	TroveChangeAdjustment
	TroveChangeClosure
)

// TroveChange is a tagged union of the three change shapes. Only the
// params matching Kind are meaningful.
type TroveChange struct {
	Kind       TroveChangeKind
	Creation   TroveCreationParams
	Adjustment TroveAdjustmentParams
	Closure    TroveClosureParams
}

// ApplyFee adds the borrowing fee to a borrowed amount.
func ApplyFee(borrowingRate, amount fpmath.Decimal) fpmath.Decimal {
	return amount.Mul(fpmath.One.Add(borrowingRate))
}

// UnapplyFee is the inverse of ApplyFee, rounding up.
func UnapplyFee(borrowingRate, amount fpmath.Decimal) fpmath.Decimal {
	return amount.DivCeil(fpmath.One.Add(borrowingRate))
}

// Apply returns the trove resulting from change at borrowingRate.
func (t Trove) Apply(change TroveChange, borrowingRate fpmath.Decimal, p Params) (Trove, error) {
	switch change.Kind {
	case TroveChangeNone:
		return t, nil

	case TroveChangeCreation:
		if !t.IsEmpty() {
			return t, ErrTroveExists
		}
		c := change.Creation
		debt := fpmath.Zero
		if c.Borrow.IsPositive() {
			debt = p.LiquidationReserve.Add(ApplyFee(borrowingRate, c.Borrow))
		}
		return Trove{Collateral: c.DepositCollateral, Debt: debt}, nil

	case TroveChangeClosure:
		if t.IsEmpty() {
			return t, ErrTroveNotFound
		}
		return Trove{}, nil

	case TroveChangeAdjustment:
		a := change.Adjustment
		coll := t.Collateral.Add(a.DepositCollateral).Sub(a.WithdrawCollateral)
		debt := t.Debt.Add(ApplyFee(borrowingRate, a.Borrow)).Sub(a.Repay)
		if coll.IsNegative() || debt.IsNegative() {
			return t, ErrInsufficient
		}
		return Trove{Collateral: coll, Debt: debt}, nil
	}
	return t, fmt.Errorf("unknown trove change kind %d", change.Kind)
}

// WhatChanged returns the change that turns t into that at borrowingRate.
func (t Trove) WhatChanged(that Trove, borrowingRate fpmath.Decimal, p Params) TroveChange {
	if t == that {
		return TroveChange{Kind: TroveChangeNone}
	}
	if t.IsEmpty() {
		return TroveChange{
			Kind: TroveChangeCreation,
			Creation: TroveCreationParams{
				DepositCollateral: that.Collateral,
				Borrow:            UnapplyFee(borrowingRate, that.NetDebt(p)),
			},
		}
	}
	if that.IsEmpty() {
		return TroveChange{
			Kind: TroveChangeClosure,
			Closure: TroveClosureParams{
				WithdrawCollateral: t.Collateral,
				Repay:              t.NetDebt(p),
			},
		}
	}

	var adj TroveAdjustmentParams
	coll := fpmath.Diff(that.Collateral, t.Collateral)
	if v, ok := coll.Positive(); ok {
		adj.DepositCollateral = v
	} else if v, ok := coll.Negative(); ok {
		adj.WithdrawCollateral = v
	}
	debt := fpmath.Diff(that.Debt, t.Debt)
	if v, ok := debt.Positive(); ok {
		adj.Borrow = UnapplyFee(borrowingRate, v)
	} else if v, ok := debt.Negative(); ok {
		adj.Repay = v
	}
	return TroveChange{Kind: TroveChangeAdjustment, Adjustment: adj}
}

// ============================================================================
// Owned troves
// ============================================================================

// UserTrove is a trove with its owner and status.
type UserTrove struct {
	Owner  common.Address `json:"owner"`
	Status TroveStatus    `json:"status"`
	Trove
}

// TroveWithPendingRedistribution is a trove as stored on chain, before the
// owner's share of redistributed liquidations has been applied.
type TroveWithPendingRedistribution struct {
	UserTrove
	Stake                        fpmath.Decimal `json:"stake"`
	SnapshotOfTotalRedistributed Trove          `json:"snapshot_of_total_redistributed"`
}

// ApplyRedistribution adds the owner's pending share of totalRedistributed.
func (t TroveWithPendingRedistribution) ApplyRedistribution(totalRedistributed Trove) UserTrove {
	pending := totalRedistributed.Subtract(t.SnapshotOfTotalRedistributed).Multiply(t.Stake)
	return UserTrove{
		Owner:  t.Owner,
		Status: t.Status,
		Trove:  t.Trove.Add(pending),
	}
}
