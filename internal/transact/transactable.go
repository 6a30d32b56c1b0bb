// Package transact is the typed catalogue of protocol operations. Every
// operation validates its arguments against the current store snapshot,
// submits exactly one transaction, and returns a SentTransaction whose
// receipt decodes into that operation's details.
package transact

import (
	"context"
	"errors"
	"fmt"

	"TroveWatch/internal/chain"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/state"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// Slippage added to the current rate when the caller passes a zero
// maximum rate.
var (
	DefaultBorrowingRateSlippage  = fpmath.MustDecimal("0.005")
	DefaultRedemptionRateSlippage = fpmath.MustDecimal("0.001")
)

// ErrNothingToRedeem means the hint helper found no trove the amount can
// be redeemed against at the current price. It comes back wrapped in a
// tx.SubmissionError because it depends on chain state, not on the input.
var ErrNothingToRedeem = errors.New("no troves can be redeemed against")

// Submitter signs and broadcasts a call. chain.Sender implements it.
type Submitter interface {
	Send(ctx context.Context, op string, call chain.Call) (*types.Transaction, error)
	From() common.Address
}

// HintSource locates sorted-list positions. chain.Hinter implements it.
type HintSource interface {
	TroveHints(ctx context.Context, d chain.Deployment, t state.Trove) (chain.Hints, error)
	RedemptionHints(ctx context.Context, d chain.Deployment, amount, price fpmath.Decimal, maxIterations uint64) (chain.RedemptionHints, error)
}

// StateView is the store as seen by the façade. core.Store implements it.
type StateView interface {
	State() (state.StoreState, bool)
	Params() state.Params
}

type Config struct {
	Deployment chain.Deployment
	Store      StateView
	Sender     Submitter
	// Hints may be nil, in which case zero hints are sent.
	Hints   HintSource
	Tracker *tx.Tracker
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Transactable submits operations for one account on one deployment.
type Transactable struct {
	d       chain.Deployment
	store   StateView
	sender  Submitter
	hints   HintSource
	tracker *tx.Tracker
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func New(cfg Config) *Transactable {
	return &Transactable{
		d:       cfg.Deployment,
		store:   cfg.Store,
		sender:  cfg.Sender,
		hints:   cfg.Hints,
		tracker: cfg.Tracker,
		logger:  cfg.Logger.With().Str("component", "transact").Str("store", cfg.Deployment.Key.String()).Logger(),
		metrics: cfg.Metrics,
	}
}

func (t *Transactable) Account() common.Address { return t.sender.From() }

func (t *Transactable) invalid(op, field, format string, args ...any) error {
	if t.metrics != nil {
		t.metrics.TxValidationFails.WithLabelValues(op, field).Inc()
	}
	err := tx.Invalid(op, field, format, args...)
	t.logger.Debug().Err(err).Msg("operation rejected")
	return err
}

// snapshot returns the current store state, if the store has loaded.
func (t *Transactable) snapshot() (state.StoreState, bool) {
	if t.store == nil {
		return state.StoreState{}, false
	}
	return t.store.State()
}

func (t *Transactable) params() state.Params {
	if t.store == nil {
		return state.DefaultParams(t.d.Key.Collateral)
	}
	return t.store.Params()
}

// submit sends call and starts tracking it. A packing failure is reported
// as a submission error: nothing reached the chain.
func submit[D any](ctx context.Context, t *Transactable, op string, call chain.Call, packErr error, decode tx.Decoder[D]) (*tx.SentTransaction[D], error) {
	if packErr != nil {
		return nil, t.submitFailed(op, packErr)
	}
	raw, err := t.sender.Send(ctx, op, call)
	if err != nil {
		return nil, t.submitFailed(op, err)
	}
	if t.metrics != nil {
		t.metrics.TxSubmitted.WithLabelValues(op).Inc()
	}
	return tx.Track(t.tracker, op, raw, t.sender.From(), decode), nil
}

func (t *Transactable) submitFailed(op string, err error) error {
	if t.metrics != nil {
		t.metrics.TxSubmitFailed.WithLabelValues(op).Inc()
	}
	t.logger.Warn().Err(err).Str("op", op).Msg("submission failed")
	var subErr *tx.SubmissionError
	if errors.As(err, &subErr) {
		return err
	}
	return &tx.SubmissionError{Op: op, Err: err}
}

func (t *Transactable) troveHints(ctx context.Context, op string, trove state.Trove) (chain.Hints, error) {
	if t.hints == nil {
		return chain.Hints{}, nil
	}
	h, err := t.hints.TroveHints(ctx, t.d, trove)
	if err != nil {
		return chain.Hints{}, t.submitFailed(op, fmt.Errorf("hints: %w", err))
	}
	return h, nil
}

// ============================================================================
// Troves
// ============================================================================

// OpenTrove deposits collateral and borrows. A zero maxBorrowingRate
// means the current rate plus DefaultBorrowingRateSlippage.
func (t *Transactable) OpenTrove(ctx context.Context, params state.TroveCreationParams, maxBorrowingRate fpmath.Decimal) (*tx.SentTransaction[TroveCreationDetails], error) {
	const op = "openTrove"
	p := t.params()
	if err := t.positive(op, "deposit_collateral", params.DepositCollateral); err != nil {
		return nil, err
	}
	if params.Borrow.Lt(p.MinimumNetDebt) {
		return nil, t.invalid(op, "borrow", "%s is below the minimum net debt of %s", params.Borrow, p.MinimumNetDebt)
	}

	st, loaded := t.snapshot()
	rate, err := t.maxBorrowingRate(op, maxBorrowingRate, st, loaded)
	if err != nil {
		return nil, err
	}

	expected := state.Trove{}
	if loaded {
		if st.UserTrove.Status.IsOpen() {
			return nil, t.invalid(op, "trove", "account already has an open trove")
		}
		change := state.TroveChange{Kind: state.TroveChangeCreation, Creation: params}
		if expected, err = (state.Trove{}).Apply(change, st.BorrowingRate, p); err != nil {
			return nil, t.invalid(op, "trove", "%v", err)
		}
		if err := t.checkCollateralRatio(op, expected, st, p); err != nil {
			return nil, err
		}
	}

	hints, err := t.troveHints(ctx, op, expected)
	if err != nil {
		return nil, err
	}
	call, packErr := t.d.OpenTrove(rate, params.Borrow, params.DepositCollateral, hints)
	bo, owner, reserve := t.d.Addresses.BorrowerOperations, t.sender.From(), p.LiquidationReserve

	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (TroveCreationDetails, error) {
		ev, err := chain.TroveUpdatedFor(r, bo, owner)
		if err != nil {
			return TroveCreationDetails{}, err
		}
		fee, err := chain.BorrowingFeePaidEvent(r, bo)
		if err != nil {
			return TroveCreationDetails{}, err
		}
		return TroveCreationDetails{
			Params:           params,
			NewTrove:         ev.Trove,
			Fee:              fee.Fee,
			CollateralChange: fpmath.Diff(ev.Trove.Collateral, fpmath.Zero),
			DebtChange:       fpmath.Diff(ev.Trove.Debt.Sub(fee.Fee).Sub(reserve), fpmath.Zero),
		}, nil
	})
}

// AdjustTrove changes collateral and debt of the account's open trove in
// one transaction.
func (t *Transactable) AdjustTrove(ctx context.Context, params state.TroveAdjustmentParams, maxBorrowingRate fpmath.Decimal) (*tx.SentTransaction[TroveAdjustmentDetails], error) {
	return t.adjust(ctx, "adjustTrove", params, maxBorrowingRate)
}

func (t *Transactable) DepositCollateral(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[TroveAdjustmentDetails], error) {
	if err := t.positive("depositCollateral", "amount", amount); err != nil {
		return nil, err
	}
	return t.adjust(ctx, "depositCollateral", state.TroveAdjustmentParams{DepositCollateral: amount}, fpmath.Zero)
}

func (t *Transactable) WithdrawCollateral(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[TroveAdjustmentDetails], error) {
	if err := t.positive("withdrawCollateral", "amount", amount); err != nil {
		return nil, err
	}
	return t.adjust(ctx, "withdrawCollateral", state.TroveAdjustmentParams{WithdrawCollateral: amount}, fpmath.Zero)
}

func (t *Transactable) Borrow(ctx context.Context, amount, maxBorrowingRate fpmath.Decimal) (*tx.SentTransaction[TroveAdjustmentDetails], error) {
	if err := t.positive("borrow", "amount", amount); err != nil {
		return nil, err
	}
	return t.adjust(ctx, "borrow", state.TroveAdjustmentParams{Borrow: amount}, maxBorrowingRate)
}

func (t *Transactable) Repay(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[TroveAdjustmentDetails], error) {
	if err := t.positive("repay", "amount", amount); err != nil {
		return nil, err
	}
	return t.adjust(ctx, "repay", state.TroveAdjustmentParams{Repay: amount}, fpmath.Zero)
}

func (t *Transactable) adjust(ctx context.Context, op string, params state.TroveAdjustmentParams, maxBorrowingRate fpmath.Decimal) (*tx.SentTransaction[TroveAdjustmentDetails], error) {
	p := t.params()
	fields := []struct {
		name string
		v    fpmath.Decimal
	}{
		{"deposit_collateral", params.DepositCollateral},
		{"withdraw_collateral", params.WithdrawCollateral},
		{"borrow", params.Borrow},
		{"repay", params.Repay},
	}
	for _, f := range fields {
		if f.v.IsNegative() {
			return nil, t.invalid(op, f.name, "must not be negative, got %s", f.v)
		}
	}
	switch {
	case params.IsEmpty():
		return nil, t.invalid(op, "params", "nothing to adjust")
	case !params.DepositCollateral.IsZero() && !params.WithdrawCollateral.IsZero():
		return nil, t.invalid(op, "withdraw_collateral", "cannot deposit and withdraw collateral together")
	case !params.Borrow.IsZero() && !params.Repay.IsZero():
		return nil, t.invalid(op, "repay", "cannot borrow and repay together")
	}

	st, loaded := t.snapshot()
	rate, err := t.maxBorrowingRate(op, maxBorrowingRate, st, loaded)
	if err != nil {
		return nil, err
	}

	before := state.Trove{}
	expected := state.Trove{}
	if loaded {
		if !st.UserTrove.Status.IsOpen() {
			return nil, t.invalid(op, "trove", "account has no open trove")
		}
		before = st.UserTrove.Trove
		change := state.TroveChange{Kind: state.TroveChangeAdjustment, Adjustment: params}
		if expected, err = before.Apply(change, st.BorrowingRate, p); err != nil {
			return nil, t.invalid(op, "trove", "%v", err)
		}
		if expected.Debt.Lt(p.MinimumDebt()) {
			return nil, t.invalid(op, "repay", "resulting debt %s is below the minimum of %s", expected.Debt, p.MinimumDebt())
		}
		if err := t.checkCollateralRatio(op, expected, st, p); err != nil {
			return nil, err
		}
	}

	hints, err := t.troveHints(ctx, op, expected)
	if err != nil {
		return nil, err
	}
	call, packErr := t.d.AdjustTrove(rate, params, hints)
	bo, owner := t.d.Addresses.BorrowerOperations, t.sender.From()

	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (TroveAdjustmentDetails, error) {
		ev, err := chain.TroveUpdatedFor(r, bo, owner)
		if err != nil {
			return TroveAdjustmentDetails{}, err
		}
		fee, err := chain.BorrowingFeePaidEvent(r, bo)
		if err != nil {
			return TroveAdjustmentDetails{}, err
		}
		old := before
		if !loaded {
			// Without a snapshot the change is reported from the params.
			old = ev.Trove
			old.Collateral = old.Collateral.Sub(params.DepositCollateral).Add(params.WithdrawCollateral)
			old.Debt = old.Debt.Sub(params.Borrow).Sub(fee.Fee).Add(params.Repay)
		}
		return TroveAdjustmentDetails{
			Params:           params,
			NewTrove:         ev.Trove,
			Fee:              fee.Fee,
			CollateralChange: fpmath.Diff(ev.Trove.Collateral, old.Collateral),
			DebtChange:       fpmath.Diff(ev.Trove.Debt.Sub(fee.Fee), old.Debt),
		}, nil
	})
}

// CloseTrove repays the net debt and withdraws all collateral.
func (t *Transactable) CloseTrove(ctx context.Context) (*tx.SentTransaction[TroveClosureDetails], error) {
	const op = "closeTrove"
	p := t.params()
	var closure state.TroveClosureParams
	if st, loaded := t.snapshot(); loaded {
		if !st.UserTrove.Status.IsOpen() {
			return nil, t.invalid(op, "trove", "account has no open trove")
		}
		if st.NumberOfTroves <= 1 {
			return nil, t.invalid(op, "trove", "the last trove cannot be closed")
		}
		if st.RecoveryMode {
			return nil, t.invalid(op, "trove", "troves cannot be closed in recovery mode")
		}
		closure = st.UserTrove.WhatChanged(state.Trove{}, st.BorrowingRate, p).Closure
		if st.StablecoinBalance.Lt(closure.Repay) {
			return nil, t.invalid(op, "repay", "balance %s does not cover net debt %s", st.StablecoinBalance, closure.Repay)
		}
	}
	call, packErr := t.d.CloseTrove()
	bo, owner := t.d.Addresses.BorrowerOperations, t.sender.From()
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (TroveClosureDetails, error) {
		ev, err := chain.TroveUpdatedFor(r, bo, owner)
		if err != nil {
			return TroveClosureDetails{}, err
		}
		if !ev.Trove.IsEmpty() {
			return TroveClosureDetails{}, fmt.Errorf("trove not empty after close: %s", ev.Trove)
		}
		return TroveClosureDetails{Params: closure}, nil
	})
}

// ============================================================================
// Stability pool and B.AMM
// ============================================================================

func (t *Transactable) DepositInStabilityPool(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[StabilityDepositChangeDetails], error) {
	const op = "depositInStabilityPool"
	if err := t.positive(op, "amount", amount); err != nil {
		return nil, err
	}
	if st, loaded := t.snapshot(); loaded && st.StablecoinBalance.Lt(amount) {
		return nil, t.invalid(op, "amount", "balance %s is less than %s", st.StablecoinBalance, amount)
	}
	call, packErr := t.d.ProvideToSP(amount)
	return submit(ctx, t, op, call, packErr, t.depositChangeDecoder(state.StabilityDepositChange{Deposit: amount}))
}

func (t *Transactable) WithdrawFromStabilityPool(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[StabilityDepositChangeDetails], error) {
	const op = "withdrawFromStabilityPool"
	if err := t.positive(op, "amount", amount); err != nil {
		return nil, err
	}
	change := state.StabilityDepositChange{Withdraw: amount}
	if st, loaded := t.snapshot(); loaded {
		if st.StabilityDeposit.CurrentDeposit.IsZero() {
			return nil, t.invalid(op, "amount", "no stability deposit")
		}
		change.All = amount.Gte(st.StabilityDeposit.CurrentDeposit)
	}
	call, packErr := t.d.WithdrawFromSP(amount)
	return submit(ctx, t, op, call, packErr, t.depositChangeDecoder(change))
}

func (t *Transactable) depositChangeDecoder(change state.StabilityDepositChange) tx.Decoder[StabilityDepositChangeDetails] {
	sp := t.d.Addresses.StabilityPool
	return func(r *types.Receipt) (StabilityDepositChangeDetails, error) {
		g, err := gains(r, sp)
		if err != nil {
			return StabilityDepositChangeDetails{}, err
		}
		return StabilityDepositChangeDetails{
			Change:         change,
			NewDeposit:     g.NewDeposit,
			CollateralGain: g.CollateralGain,
			StablecoinLoss: g.StablecoinLoss,
		}, nil
	}
}

func gains(r *types.Receipt, sp common.Address) (StabilityPoolGainsWithdrawalDetails, error) {
	dep, err := chain.UserDepositChangedEvent(r, sp)
	if err != nil {
		return StabilityPoolGainsWithdrawalDetails{}, err
	}
	gain, err := chain.CollateralGainWithdrawnEvent(r, sp)
	if err != nil {
		return StabilityPoolGainsWithdrawalDetails{}, err
	}
	return StabilityPoolGainsWithdrawalDetails{
		NewDeposit:     dep.NewDeposit,
		CollateralGain: gain.Collateral,
		StablecoinLoss: gain.StablecoinLoss,
	}, nil
}

// WithdrawGainsFromStabilityPool claims collateral gains without changing
// the deposit.
func (t *Transactable) WithdrawGainsFromStabilityPool(ctx context.Context) (*tx.SentTransaction[StabilityPoolGainsWithdrawalDetails], error) {
	const op = "withdrawGainsFromStabilityPool"
	if st, loaded := t.snapshot(); loaded && st.StabilityDeposit.IsEmpty() {
		return nil, t.invalid(op, "deposit", "no stability deposit")
	}
	call, packErr := t.d.WithdrawFromSP(fpmath.Zero)
	sp := t.d.Addresses.StabilityPool
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (StabilityPoolGainsWithdrawalDetails, error) {
		return gains(r, sp)
	})
}

// TransferCollateralGainToTrove moves stability pool gains into the
// account's trove as collateral.
func (t *Transactable) TransferCollateralGainToTrove(ctx context.Context) (*tx.SentTransaction[CollateralGainTransferDetails], error) {
	const op = "transferCollateralGainToTrove"
	expected := state.Trove{}
	if st, loaded := t.snapshot(); loaded {
		if !st.UserTrove.Status.IsOpen() {
			return nil, t.invalid(op, "trove", "account has no open trove")
		}
		if st.StabilityDeposit.CollateralGain.IsZero() {
			return nil, t.invalid(op, "deposit", "no collateral gain to transfer")
		}
		expected = st.UserTrove.Trove.Add(state.Trove{Collateral: st.StabilityDeposit.CollateralGain})
	}
	hints, err := t.troveHints(ctx, op, expected)
	if err != nil {
		return nil, err
	}
	call, packErr := t.d.WithdrawCollateralGainToTrove(hints)
	sp, bo, owner := t.d.Addresses.StabilityPool, t.d.Addresses.BorrowerOperations, t.sender.From()
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (CollateralGainTransferDetails, error) {
		g, err := gains(r, sp)
		if err != nil {
			return CollateralGainTransferDetails{}, err
		}
		ev, err := chain.TroveUpdatedFor(r, bo, owner)
		if err != nil {
			return CollateralGainTransferDetails{}, err
		}
		return CollateralGainTransferDetails{StabilityPoolGainsWithdrawalDetails: g, NewTrove: ev.Trove}, nil
	})
}

func (t *Transactable) DepositInBammPool(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[BammDepositChangeDetails], error) {
	const op = "depositInBammPool"
	if err := t.positive(op, "amount", amount); err != nil {
		return nil, err
	}
	if t.d.Addresses.Bamm == (common.Address{}) {
		return nil, t.invalid(op, "bamm", "deployment %s has no B.AMM", t.d.Key)
	}
	if st, loaded := t.snapshot(); loaded && st.StablecoinBalance.Lt(amount) {
		return nil, t.invalid(op, "amount", "balance %s is less than %s", st.StablecoinBalance, amount)
	}
	call, packErr := t.d.BammDeposit(amount)
	bamm := t.d.Addresses.Bamm
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (BammDepositChangeDetails, error) {
		ev, err := chain.BammUserDepositEvent(r, bamm)
		if err != nil {
			return BammDepositChangeDetails{}, err
		}
		return BammDepositChangeDetails{Deposit: true, Stablecoin: ev.Stablecoin, Shares: ev.Shares}, nil
	})
}

func (t *Transactable) WithdrawFromBammPool(ctx context.Context, shares fpmath.Decimal) (*tx.SentTransaction[BammDepositChangeDetails], error) {
	const op = "withdrawFromBammPool"
	if err := t.positive(op, "shares", shares); err != nil {
		return nil, err
	}
	if t.d.Addresses.Bamm == (common.Address{}) {
		return nil, t.invalid(op, "bamm", "deployment %s has no B.AMM", t.d.Key)
	}
	if st, loaded := t.snapshot(); loaded && st.BammDeposit.Shares.Lt(shares) {
		return nil, t.invalid(op, "shares", "holding %s shares, cannot withdraw %s", st.BammDeposit.Shares, shares)
	}
	call, packErr := t.d.BammWithdraw(shares)
	bamm := t.d.Addresses.Bamm
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (BammDepositChangeDetails, error) {
		ev, err := chain.BammUserWithdrawEvent(r, bamm)
		if err != nil {
			return BammDepositChangeDetails{}, err
		}
		return BammDepositChangeDetails{Stablecoin: ev.Stablecoin, Collateral: ev.Collateral, Shares: ev.Shares}, nil
	})
}

// ============================================================================
// Redemption and liquidation
// ============================================================================

// Redeem exchanges stablecoin for collateral at face value. A zero
// maxRedemptionRate means the expected rate plus
// DefaultRedemptionRateSlippage.
func (t *Transactable) Redeem(ctx context.Context, amount, maxRedemptionRate fpmath.Decimal) (*tx.SentTransaction[RedemptionDetails], error) {
	const op = "redeem"
	p := t.params()
	if err := t.positive(op, "amount", amount); err != nil {
		return nil, err
	}
	st, loaded := t.snapshot()
	if loaded && st.StablecoinBalance.Lt(amount) {
		return nil, t.invalid(op, "amount", "balance %s is less than %s", st.StablecoinBalance, amount)
	}

	rate := maxRedemptionRate
	if rate.IsZero() {
		if !loaded {
			return nil, t.invalid(op, "max_redemption_rate", "required until the store has loaded")
		}
		fraction := amount.Div(st.StablecoinTotalSupply)
		rate = fpmath.Min(st.Fees.RedemptionRate(fraction, 0).Add(DefaultRedemptionRateSlippage), fpmath.One)
	}
	if rate.Lt(p.MinimumRedemptionRate) || rate.Gt(fpmath.One) {
		return nil, t.invalid(op, "max_redemption_rate", "%s is outside [%s, 1]", rate, p.MinimumRedemptionRate)
	}

	hints := chain.RedemptionHints{TruncatedAmount: amount}
	if t.hints != nil && loaded {
		h, err := t.hints.RedemptionHints(ctx, t.d, amount, st.Price, 0)
		if err != nil {
			return nil, t.submitFailed(op, fmt.Errorf("hints: %w", err))
		}
		hints = h
	}
	if hints.TruncatedAmount.IsZero() {
		return nil, t.submitFailed(op, ErrNothingToRedeem)
	}
	call, packErr := t.d.RedeemCollateral(hints.TruncatedAmount, rate, hints)
	tm := t.d.Addresses.TroveManager
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (RedemptionDetails, error) {
		ev, err := chain.RedemptionEvent(r, tm)
		if err != nil {
			return RedemptionDetails{}, err
		}
		return RedemptionDetails{
			Attempted:       ev.Attempted,
			Actual:          ev.Actual,
			CollateralTaken: ev.CollateralSent,
			Fee:             ev.CollateralFee,
		}, nil
	})
}

// Liquidate liquidates the given troves.
func (t *Transactable) Liquidate(ctx context.Context, borrowers ...common.Address) (*tx.SentTransaction[LiquidationDetails], error) {
	const op = "liquidate"
	if len(borrowers) == 0 {
		return nil, t.invalid(op, "borrowers", "at least one address is required")
	}
	for i, b := range borrowers {
		if b == (common.Address{}) {
			return nil, t.invalid(op, "borrowers", "address %d is zero", i)
		}
	}
	var (
		call    chain.Call
		packErr error
	)
	if len(borrowers) == 1 {
		call, packErr = t.d.Liquidate(borrowers[0])
	} else {
		call, packErr = t.d.BatchLiquidate(borrowers)
	}
	return submit(ctx, t, op, call, packErr, t.liquidationDecoder())
}

// LiquidateUpTo liquidates at most n of the riskiest troves.
func (t *Transactable) LiquidateUpTo(ctx context.Context, n uint64) (*tx.SentTransaction[LiquidationDetails], error) {
	const op = "liquidateUpTo"
	if n == 0 {
		return nil, t.invalid(op, "n", "must be at least 1")
	}
	call, packErr := t.d.LiquidateUpTo(n)
	return submit(ctx, t, op, call, packErr, t.liquidationDecoder())
}

func (t *Transactable) liquidationDecoder() tx.Decoder[LiquidationDetails] {
	tm := t.d.Addresses.TroveManager
	return func(r *types.Receipt) (LiquidationDetails, error) {
		ev, err := chain.LiquidationEvent(r, tm)
		if err != nil {
			return LiquidationDetails{}, err
		}
		troves, err := chain.TroveLiquidatedEvents(r, tm)
		if err != nil {
			return LiquidationDetails{}, err
		}
		d := LiquidationDetails{
			TotalLiquidated:           state.NewTrove(ev.LiquidatedCollateral, ev.LiquidatedDebt),
			CollateralGasCompensation: ev.CollateralGasCompensation,
			StablecoinGasCompensation: ev.StablecoinGasCompensation,
		}
		for _, tr := range troves {
			d.Liquidated = append(d.Liquidated, tr.Borrower)
		}
		return d, nil
	}
}

// ============================================================================
// Surplus, approvals and transfers
// ============================================================================

func (t *Transactable) ClaimCollateralSurplus(ctx context.Context) (*tx.SentTransaction[CollateralSurplusClaimDetails], error) {
	const op = "claimCollateralSurplus"
	if st, loaded := t.snapshot(); loaded && st.CollateralSurplusBalance.IsZero() {
		return nil, t.invalid(op, "surplus", "no collateral surplus to claim")
	}
	call, packErr := t.d.ClaimCollateral()
	pool := t.d.Addresses.CollSurplusPool
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (CollateralSurplusClaimDetails, error) {
		ev, err := chain.CollateralSentEvent(r, pool)
		if err != nil {
			return CollateralSurplusClaimDetails{}, err
		}
		return CollateralSurplusClaimDetails{Amount: ev.Amount}, nil
	})
}

// ApproveCollateral lets BorrowerOperations pull ERC20 collateral. Pass
// fpmath.Infinity for an unlimited allowance.
func (t *Transactable) ApproveCollateral(ctx context.Context, amount fpmath.Decimal) (*tx.SentTransaction[ApprovalDetails], error) {
	const op = "approveCollateral"
	if amount.IsNegative() {
		return nil, t.invalid(op, "amount", "must not be negative, got %s", amount)
	}
	if t.d.NativeCollateral() {
		return nil, t.invalid(op, "collateral", "%s is the native coin and needs no approval", t.d.Key.Collateral)
	}
	call, packErr := t.d.ApproveCollateral(t.d.Addresses.BorrowerOperations, amount)
	return submit(ctx, t, op, call, packErr, approvalDecoder(t.d.Addresses.Collateral))
}

// ApproveStablecoin lets spender pull the account's stablecoin.
func (t *Transactable) ApproveStablecoin(ctx context.Context, spender common.Address, amount fpmath.Decimal) (*tx.SentTransaction[ApprovalDetails], error) {
	const op = "approveStablecoin"
	if spender == (common.Address{}) {
		return nil, t.invalid(op, "spender", "must not be the zero address")
	}
	if amount.IsNegative() {
		return nil, t.invalid(op, "amount", "must not be negative, got %s", amount)
	}
	call, packErr := t.d.ApproveStablecoin(spender, amount)
	return submit(ctx, t, op, call, packErr, approvalDecoder(t.d.Addresses.Stablecoin))
}

func approvalDecoder(token common.Address) tx.Decoder[ApprovalDetails] {
	return func(r *types.Receipt) (ApprovalDetails, error) {
		ev, err := chain.ApprovalEvent(r, token)
		if err != nil {
			return ApprovalDetails{}, err
		}
		return ApprovalDetails{Owner: ev.Owner, Spender: ev.Spender, Amount: ev.Value}, nil
	}
}

func (t *Transactable) SendStablecoin(ctx context.Context, to common.Address, amount fpmath.Decimal) (*tx.SentTransaction[TransferDetails], error) {
	const op = "sendStablecoin"
	if to == (common.Address{}) {
		return nil, t.invalid(op, "to", "must not be the zero address")
	}
	if err := t.positive(op, "amount", amount); err != nil {
		return nil, err
	}
	if st, loaded := t.snapshot(); loaded && st.StablecoinBalance.Lt(amount) {
		return nil, t.invalid(op, "amount", "balance %s is less than %s", st.StablecoinBalance, amount)
	}
	call, packErr := t.d.TransferStablecoin(to, amount)
	token := t.d.Addresses.Stablecoin
	return submit(ctx, t, op, call, packErr, func(r *types.Receipt) (TransferDetails, error) {
		ev, err := chain.TransferEvent(r, token)
		if err != nil {
			return TransferDetails{}, err
		}
		return TransferDetails{From: ev.From, To: ev.To, Amount: ev.Value}, nil
	})
}
