package chain

import (
	"context"
	"fmt"
	"math/big"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Hinter asks the chain where a trove belongs in the sorted list. Without
// SortedTroves and HintHelpers addresses it returns zero hints, which the
// contracts accept at a higher gas cost.
type Hinter struct {
	client Client
	from   common.Address
}

func NewHinter(client Client, from common.Address) *Hinter {
	return &Hinter{client: client, from: from}
}

// NominalCollateralRatio is collateral over debt scaled by 100, the
// ordering key of the sorted list.
func NominalCollateralRatio(t state.Trove) fpmath.Decimal {
	return t.Collateral.MulDiv(fpmath.Hundred, t.Debt)
}

// TroveHints locates the insert position of t.
func (h *Hinter) TroveHints(ctx context.Context, d Deployment, t state.Trove) (Hints, error) {
	if d.Addresses.SortedTroves == (common.Address{}) || t.Debt.IsZero() {
		return Hints{}, nil
	}
	return h.insertPosition(ctx, d, NominalCollateralRatio(t))
}

func (h *Hinter) insertPosition(ctx context.Context, d Deployment, nicr fpmath.Decimal) (Hints, error) {
	zero := common.Address{}
	out, err := callContract(ctx, h.client, h.from, nil, d.Addresses.SortedTroves, SortedTrovesABI,
		"findInsertPosition", nicr.Wei(), zero, zero)
	if err != nil {
		return Hints{}, err
	}
	if len(out) != 2 {
		return Hints{}, fmt.Errorf("findInsertPosition: got %d outputs", len(out))
	}
	upper, ok1 := out[0].(common.Address)
	lower, ok2 := out[1].(common.Address)
	if !ok1 || !ok2 {
		return Hints{}, fmt.Errorf("findInsertPosition: unexpected output types %T, %T", out[0], out[1])
	}
	return Hints{Upper: upper, Lower: lower}, nil
}

// RedemptionHints finds the first trove to redeem from and, when the last
// one is only partially redeemed, its new position. TruncatedAmount is the
// part of amount that can actually be redeemed.
func (h *Hinter) RedemptionHints(ctx context.Context, d Deployment, amount, price fpmath.Decimal, maxIterations uint64) (RedemptionHints, error) {
	rh := RedemptionHints{TruncatedAmount: amount, MaxIterations: maxIterations}
	if d.Addresses.HintHelpers == (common.Address{}) {
		return rh, nil
	}
	out, err := callContract(ctx, h.client, h.from, nil, d.Addresses.HintHelpers, HintHelpersABI,
		"getRedemptionHints", amount.Wei(), price.Wei(), new(big.Int).SetUint64(maxIterations))
	if err != nil {
		return rh, err
	}
	if len(out) != 3 {
		return rh, fmt.Errorf("getRedemptionHints: got %d outputs", len(out))
	}
	first, ok := out[0].(common.Address)
	if !ok {
		return rh, fmt.Errorf("getRedemptionHints: unexpected %T", out[0])
	}
	if rh.PartialNICR, err = decimalAt(out, 1, "partialRedemptionHintNICR"); err != nil {
		return rh, err
	}
	if rh.TruncatedAmount, err = decimalAt(out, 2, "truncatedTHUSDamount"); err != nil {
		return rh, err
	}
	rh.First = first
	if rh.PartialNICR.IsZero() || d.Addresses.SortedTroves == (common.Address{}) {
		return rh, nil
	}
	rh.Hints, err = h.insertPosition(ctx, d, rh.PartialNICR)
	return rh, err
}
