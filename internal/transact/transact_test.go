package transact_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TroveWatch/internal/chain"
	"TroveWatch/internal/core"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/state"
	"TroveWatch/internal/testutil"
	"TroveWatch/internal/transact"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const walletKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func dec(s string) fpmath.Decimal { return fpmath.MustDecimal(s) }

type fixture struct {
	chain   *testutil.FakeChain
	store   *core.Store
	source  *testutil.FakeSource
	sender  *chain.Sender
	metrics *observability.Metrics
	facade  *transact.Transactable
	d       chain.Deployment
	settled chan tx.Settlement
}

func newFixture(t *testing.T, st *state.StoreState) *fixture {
	t.Helper()
	f := &fixture{
		chain:   testutil.NewFakeChain(100),
		d:       testutil.TestDeployment(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		settled: make(chan tx.Settlement, 8),
	}

	w, err := chain.NewKeyWallet(walletKey)
	require.NoError(t, err)
	require.NoError(t, w.Connect(context.Background()))
	f.sender, err = chain.NewSender(context.Background(), f.chain, w, w.Address(), zerolog.Nop())
	require.NoError(t, err)

	initial := testutil.BaseState("2000", 100)
	if st != nil {
		initial = *st
	}
	f.source = testutil.NewFakeSource(initial)
	f.store = core.NewStore(core.StoreConfig{
		Key:     testutil.TestKey,
		Params:  state.DefaultParams("ETH"),
		Source:  f.source,
		Logger:  zerolog.Nop(),
		Metrics: f.metrics,
	})
	t.Cleanup(f.store.Close)
	if st != nil {
		require.NoError(t, f.store.Refresh(context.Background(), 0))
	}

	tracker := &tx.Tracker{
		Fetcher:      f.chain,
		PollInterval: 2 * time.Millisecond,
		OnSettled: transact.ObserveSettlements(f.metrics, func(s tx.Settlement) {
			f.settled <- s
		}),
		Logger: zerolog.Nop(),
	}
	f.facade = transact.New(transact.Config{
		Deployment: f.d,
		Store:      f.store,
		Sender:     f.sender,
		Tracker:    tracker,
		Logger:     zerolog.Nop(),
		Metrics:    f.metrics,
	})
	return f
}

func loaded(st state.StoreState) *state.StoreState { return &st }

func wait[D any](t *testing.T, s *tx.SentTransaction[D]) (tx.Receipt[D], error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.WaitForReceipt(ctx)
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var v *tx.ValidationError
	require.ErrorAs(t, err, &v)
	require.Equal(t, field, v.Field, "error: %v", err)
}

// ============================================================================
// Trove operations
// ============================================================================

func TestOpenTrove_SucceedsWithChanges(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	bo := f.d.Addresses.BorrowerOperations
	owner := f.sender.From()
	f.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(
			testutil.EventLog(bo, chain.BorrowerOperationsABI, "THUSDBorrowingFeePaid", owner, testutil.Wei("10")),
			testutil.EventLog(bo, chain.BorrowerOperationsABI, "TroveUpdated",
				owner, testutil.Wei("2210"), testutil.Wei("10"), testutil.Wei("10"), uint8(chain.OpOpenTrove)),
		)
	}

	sent, err := f.facade.OpenTrove(context.Background(),
		state.TroveCreationParams{DepositCollateral: dec("10"), Borrow: dec("2000")}, fpmath.Zero)
	require.NoError(t, err)
	require.Len(t, f.chain.Sent(), 1)
	require.Equal(t, testutil.Wei("10"), f.chain.Sent()[0].Value(), "native collateral goes in msg.value")

	r, err := wait(t, sent)
	require.NoError(t, err)
	require.Equal(t, tx.StatusSucceeded, r.Status)
	require.True(t, r.Details.CollateralChange.Decimal().Eq(dec("10")), "collateral change %s", r.Details.CollateralChange)
	require.True(t, r.Details.DebtChange.Decimal().Eq(dec("2000")), "debt change %s", r.Details.DebtChange)
	require.True(t, r.Details.Fee.Eq(dec("10")))
	require.True(t, r.Details.NewTrove.Debt.Eq(dec("2210")))

	s := <-f.settled
	require.Equal(t, "openTrove", s.Op)
	require.Equal(t, tx.StatusSucceeded, s.Status)
	require.Equal(t, float64(1), promtest.ToFloat64(f.metrics.TxSubmitted.WithLabelValues("openTrove")))
}

func TestOpenTrove_DebtBelowMinimumSendsNothing(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	_, err := f.facade.OpenTrove(context.Background(),
		state.TroveCreationParams{DepositCollateral: dec("10"), Borrow: dec("100")}, fpmath.Zero)
	requireValidation(t, err, "borrow")
	require.Empty(t, f.chain.Sent())
	require.Equal(t, float64(1), promtest.ToFloat64(f.metrics.TxValidationFails.WithLabelValues("openTrove", "borrow")))
}

func TestOpenTrove_CollateralRatioTooLow(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	_, err := f.facade.OpenTrove(context.Background(),
		state.TroveCreationParams{DepositCollateral: dec("1"), Borrow: dec("2000")}, fpmath.Zero)
	requireValidation(t, err, "collateral_ratio")
	require.Empty(t, f.chain.Sent())
}

func TestOpenTrove_RecoveryModeNeedsCCR(t *testing.T) {
	// Total ratio 1000*1400/1e6 = 1.4 < 1.5.
	f := newFixture(t, loaded(testutil.BaseState("1400", 100)))
	// 2 * 1400 / 2200 = 1.27: above MCR, below CCR.
	_, err := f.facade.OpenTrove(context.Background(),
		state.TroveCreationParams{DepositCollateral: dec("2"), Borrow: dec("2000")}, fpmath.Zero)
	requireValidation(t, err, "collateral_ratio")
}

func TestOpenTrove_ExistingTrove(t *testing.T) {
	f := newFixture(t, loaded(testutil.WithTrove(testutil.BaseState("2000", 100), "10", "5000")))
	_, err := f.facade.OpenTrove(context.Background(),
		state.TroveCreationParams{DepositCollateral: dec("10"), Borrow: dec("2000")}, fpmath.Zero)
	requireValidation(t, err, "trove")
}

func TestOpenTrove_MaxRateOutOfRange(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	params := state.TroveCreationParams{DepositCollateral: dec("10"), Borrow: dec("2000")}
	_, err := f.facade.OpenTrove(context.Background(), params, dec("1.5"))
	requireValidation(t, err, "max_borrowing_rate")
	_, err = f.facade.OpenTrove(context.Background(), params, dec("0.001"))
	requireValidation(t, err, "max_borrowing_rate")
}

func TestOpenTrove_UnloadedStoreSkipsStateChecks(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.facade.OpenTrove(context.Background(),
		state.TroveCreationParams{DepositCollateral: dec("0.1"), Borrow: dec("2000")}, fpmath.Zero)
	require.NoError(t, err)
	require.Len(t, f.chain.Sent(), 1)
}

func TestAdjustTrove_Validation(t *testing.T) {
	f := newFixture(t, loaded(testutil.WithTrove(testutil.BaseState("2000", 100), "10", "5000")))
	ctx := context.Background()

	_, err := f.facade.AdjustTrove(ctx, state.TroveAdjustmentParams{}, fpmath.Zero)
	requireValidation(t, err, "params")

	_, err = f.facade.AdjustTrove(ctx, state.TroveAdjustmentParams{DepositCollateral: dec("1"), WithdrawCollateral: dec("1")}, fpmath.Zero)
	requireValidation(t, err, "withdraw_collateral")

	_, err = f.facade.AdjustTrove(ctx, state.TroveAdjustmentParams{Borrow: dec("1"), Repay: dec("1")}, fpmath.Zero)
	requireValidation(t, err, "repay")

	_, err = f.facade.Repay(ctx, dec("3500"))
	requireValidation(t, err, "repay")

	_, err = f.facade.WithdrawCollateral(ctx, dec("9"))
	requireValidation(t, err, "collateral_ratio")

	_, err = f.facade.DepositCollateral(ctx, dec("-1"))
	requireValidation(t, err, "amount")

	require.Empty(t, f.chain.Sent())
}

func TestAdjustTrove_BorrowReportsNetChange(t *testing.T) {
	f := newFixture(t, loaded(testutil.WithTrove(testutil.BaseState("2000", 100), "10", "5000")))
	bo := f.d.Addresses.BorrowerOperations
	owner := f.sender.From()
	f.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(
			testutil.EventLog(bo, chain.BorrowerOperationsABI, "THUSDBorrowingFeePaid", owner, testutil.Wei("5")),
			testutil.EventLog(bo, chain.BorrowerOperationsABI, "TroveUpdated",
				owner, testutil.Wei("6005"), testutil.Wei("10"), testutil.Wei("10"), uint8(chain.OpAdjustTrove)),
		)
	}
	sent, err := f.facade.Borrow(context.Background(), dec("1000"), fpmath.Zero)
	require.NoError(t, err)
	r, err := wait(t, sent)
	require.NoError(t, err)
	require.True(t, r.Details.DebtChange.Decimal().Eq(dec("1000")), "debt change %s", r.Details.DebtChange)
	require.False(t, r.Details.CollateralChange.Nonzero())
}

func TestCloseTrove_NeedsBalance(t *testing.T) {
	st := testutil.WithTrove(testutil.BaseState("2000", 100), "10", "5000")
	st.StablecoinBalance = dec("100")
	f := newFixture(t, loaded(st))
	_, err := f.facade.CloseTrove(context.Background())
	requireValidation(t, err, "repay")

	f = newFixture(t, loaded(testutil.BaseState("2000", 100)))
	_, err = f.facade.CloseTrove(context.Background())
	requireValidation(t, err, "trove")
}

// ============================================================================
// Lifecycle outcomes
// ============================================================================

func TestSubmissionFailureIsReturnedImmediately(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	f.chain.SetSendError(errors.New("replacement transaction underpriced"))

	_, err := f.facade.DepositInStabilityPool(context.Background(), dec("100"))
	var subErr *tx.SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, "depositInStabilityPool", subErr.Op)
	require.Equal(t, float64(1), promtest.ToFloat64(f.metrics.TxSubmitFailed.WithLabelValues("depositInStabilityPool")))
}

func TestRevertedTransactionIsFailedNotError(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	f.chain.OnSend = func(*types.Transaction) *types.Receipt { return testutil.FailedReceipt() }

	sent, err := f.facade.DepositInStabilityPool(context.Background(), dec("100"))
	require.NoError(t, err)
	r, err := wait(t, sent)
	require.NoError(t, err)
	require.Equal(t, tx.StatusFailed, r.Status)
	require.NotNil(t, r.Raw)
}

func TestUndecodableReceiptIsDecodeError(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	f.chain.OnSend = func(*types.Transaction) *types.Receipt { return testutil.SuccessReceipt() }

	sent, err := f.facade.DepositInStabilityPool(context.Background(), dec("100"))
	require.NoError(t, err)
	r, err := wait(t, sent)
	var decErr *tx.DecodeError
	require.ErrorAs(t, err, &decErr)
	require.ErrorIs(t, err, chain.ErrEventMissing)
	require.Equal(t, tx.StatusSucceeded, r.Status)

	s := <-f.settled
	require.Error(t, s.DecodeErr)
	require.Equal(t, float64(1), promtest.ToFloat64(f.metrics.TxDecodeErrors.WithLabelValues("depositInStabilityPool")))
}

func TestGetReceiptPendingUntilMined(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	to := common.HexToAddress("0x2222")

	sent, err := f.facade.SendStablecoin(context.Background(), to, dec("5"))
	require.NoError(t, err)

	r, err := sent.GetReceipt(context.Background())
	require.NoError(t, err)
	require.Equal(t, tx.StatusPending, r.Status)

	f.chain.Mine(sent.Hash(), testutil.SuccessReceipt(
		testutil.EventLog(f.d.Addresses.Stablecoin, chain.ERC20ABI, "Transfer", f.sender.From(), to, testutil.Wei("5")),
	))
	r, err = wait(t, sent)
	require.NoError(t, err)
	require.Equal(t, transact.TransferDetails{From: f.sender.From(), To: to, Amount: dec("5")}, r.Details)
}

// ============================================================================
// Pools, redemption, liquidation, approvals
// ============================================================================

func TestStabilityPool_DepositDetails(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	sp := f.d.Addresses.StabilityPool
	owner := f.sender.From()
	f.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(
			testutil.EventLog(sp, chain.StabilityPoolABI, "CollateralGainWithdrawn", owner, testutil.Wei("0.5"), testutil.Wei("3")),
			testutil.EventLog(sp, chain.StabilityPoolABI, "UserDepositChanged", owner, testutil.Wei("1097")),
		)
	}
	sent, err := f.facade.DepositInStabilityPool(context.Background(), dec("100"))
	require.NoError(t, err)
	r, err := wait(t, sent)
	require.NoError(t, err)
	require.True(t, r.Details.Change.Deposit.Eq(dec("100")))
	require.True(t, r.Details.NewDeposit.Eq(dec("1097")))
	require.True(t, r.Details.CollateralGain.Eq(dec("0.5")))
	require.True(t, r.Details.StablecoinLoss.Eq(dec("3")))
}

func TestStabilityPool_Validation(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	ctx := context.Background()

	_, err := f.facade.DepositInStabilityPool(ctx, dec("-1"))
	requireValidation(t, err, "amount")
	_, err = f.facade.DepositInStabilityPool(ctx, dec("20000"))
	requireValidation(t, err, "amount")
	_, err = f.facade.WithdrawFromStabilityPool(ctx, dec("1"))
	requireValidation(t, err, "amount")
	_, err = f.facade.WithdrawGainsFromStabilityPool(ctx)
	requireValidation(t, err, "deposit")
	_, err = f.facade.TransferCollateralGainToTrove(ctx)
	requireValidation(t, err, "trove")
	_, err = f.facade.WithdrawFromBammPool(ctx, dec("1"))
	requireValidation(t, err, "shares")
	_, err = f.facade.ClaimCollateralSurplus(ctx)
	requireValidation(t, err, "surplus")
	require.Empty(t, f.chain.Sent())
}

func TestRedeem_RateRules(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.facade.Redeem(context.Background(), dec("100"), fpmath.Zero)
	requireValidation(t, err, "max_redemption_rate")

	_, err = f.facade.Redeem(context.Background(), dec("100"), dec("2"))
	requireValidation(t, err, "max_redemption_rate")

	_, err = f.facade.Redeem(context.Background(), dec("100"), dec("0.05"))
	require.NoError(t, err)
}

func TestRedeem_Details(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	tm := f.d.Addresses.TroveManager
	f.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(testutil.EventLog(tm, chain.TroveManagerABI, "Redemption",
			testutil.Wei("100"), testutil.Wei("100"), testutil.Wei("0.0495"), testutil.Wei("0.0005")))
	}
	sent, err := f.facade.Redeem(context.Background(), dec("100"), fpmath.Zero)
	require.NoError(t, err)
	r, err := wait(t, sent)
	require.NoError(t, err)
	require.True(t, r.Details.CollateralTaken.Eq(dec("0.0495")))
	require.True(t, r.Details.Fee.Eq(dec("0.0005")))
}

// emptyHints finds no redeemable trove and zero insert hints.
type emptyHints struct{}

func (emptyHints) TroveHints(context.Context, chain.Deployment, state.Trove) (chain.Hints, error) {
	return chain.Hints{}, nil
}

func (emptyHints) RedemptionHints(context.Context, chain.Deployment, fpmath.Decimal, fpmath.Decimal, uint64) (chain.RedemptionHints, error) {
	return chain.RedemptionHints{}, nil
}

func TestRedeem_NothingToRedeemIsSubmissionError(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	facade := transact.New(transact.Config{
		Deployment: f.d,
		Store:      f.store,
		Sender:     f.sender,
		Hints:      emptyHints{},
		Tracker:    &tx.Tracker{Fetcher: f.chain, Logger: zerolog.Nop()},
		Logger:     zerolog.Nop(),
		Metrics:    f.metrics,
	})

	_, err := facade.Redeem(context.Background(), dec("100"), fpmath.Zero)
	var subErr *tx.SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, "redeem", subErr.Op)
	require.ErrorIs(t, err, transact.ErrNothingToRedeem)
	var v *tx.ValidationError
	require.False(t, errors.As(err, &v), "chain-dependent outcome must not be a validation error")
	require.Empty(t, f.chain.Sent())
	require.Equal(t, float64(1), promtest.ToFloat64(f.metrics.TxSubmitFailed.WithLabelValues("redeem")))
}

func TestLiquidate(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	ctx := context.Background()

	_, err := f.facade.Liquidate(ctx)
	requireValidation(t, err, "borrowers")
	_, err = f.facade.Liquidate(ctx, common.Address{})
	requireValidation(t, err, "borrowers")
	_, err = f.facade.LiquidateUpTo(ctx, 0)
	requireValidation(t, err, "n")

	a, b := common.HexToAddress("0xa1"), common.HexToAddress("0xb2")
	tm := f.d.Addresses.TroveManager
	f.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(
			testutil.EventLog(tm, chain.TroveManagerABI, "TroveLiquidated", a, testutil.Wei("2000"), testutil.Wei("1"), uint8(0)),
			testutil.EventLog(tm, chain.TroveManagerABI, "TroveLiquidated", b, testutil.Wei("3000"), testutil.Wei("1.5"), uint8(0)),
			testutil.EventLog(tm, chain.TroveManagerABI, "Liquidation",
				testutil.Wei("5000"), testutil.Wei("2.5"), testutil.Wei("0.0125"), testutil.Wei("400")),
		)
	}
	sent, err := f.facade.Liquidate(ctx, a, b)
	require.NoError(t, err)
	selector := chain.TroveManagerABI.Methods["batchLiquidateTroves"].ID
	require.Equal(t, selector, f.chain.Sent()[0].Data()[:4])

	r, err := wait(t, sent)
	require.NoError(t, err)
	require.Equal(t, []common.Address{a, b}, r.Details.Liquidated)
	require.True(t, r.Details.TotalLiquidated.Debt.Eq(dec("5000")))
}

func TestApprovals(t *testing.T) {
	f := newFixture(t, loaded(testutil.BaseState("2000", 100)))
	ctx := context.Background()

	_, err := f.facade.ApproveCollateral(ctx, fpmath.Infinity)
	requireValidation(t, err, "collateral")

	_, err = f.facade.ApproveStablecoin(ctx, common.Address{}, dec("1"))
	requireValidation(t, err, "spender")

	_, err = f.facade.SendStablecoin(ctx, common.Address{}, dec("1"))
	requireValidation(t, err, "to")

	spender := f.d.Addresses.Bamm
	f.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(testutil.EventLog(f.d.Addresses.Stablecoin, chain.ERC20ABI, "Approval",
			f.sender.From(), spender, testutil.Wei("50")))
	}
	sent, err := f.facade.ApproveStablecoin(ctx, spender, dec("50"))
	require.NoError(t, err)
	r, err := wait(t, sent)
	require.NoError(t, err)
	require.Equal(t, spender, r.Details.Spender)
	require.True(t, r.Details.Amount.Eq(dec("50")))
}
