package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxParallelCalls bounds concurrent eth_calls per Fetch.
const maxParallelCalls = 8

// Reader reads a full StoreState for one account. Every call of a Fetch
// is pinned to the same block so the snapshot is consistent.
type Reader struct {
	client      Client
	account     common.Address
	deployments map[state.Key]Deployment
	logger      zerolog.Logger
}

func NewReader(client Client, account common.Address, logger zerolog.Logger, deployments ...Deployment) *Reader {
	byKey := make(map[state.Key]Deployment, len(deployments))
	for _, d := range deployments {
		byKey[d.Key] = d
	}
	return &Reader{
		client:      client,
		account:     account,
		deployments: byKey,
		logger:      logger.With().Str("component", "chain_reader").Logger(),
	}
}

func (r *Reader) Account() common.Address { return r.account }

// Deployment returns the contracts for key.
func (r *Reader) Deployment(key state.Key) (Deployment, bool) {
	d, ok := r.deployments[key]
	return d, ok
}

// Fetch implements core.StateSource. A blockNumber of zero reads at the
// latest head, which is resolved first so all calls agree on it.
func (r *Reader) Fetch(ctx context.Context, key state.Key, blockNumber uint64) (state.StoreState, error) {
	d, ok := r.deployments[key]
	if !ok {
		return state.StoreState{}, fmt.Errorf("chain: no deployment for %s", key)
	}

	head, err := r.client.HeaderByNumber(ctx, blockArg(blockNumber))
	if err != nil {
		return state.StoreState{}, fmt.Errorf("chain: header %d: %w", blockNumber, err)
	}
	block := head.Number

	st := state.StoreState{
		Key:            key,
		Account:        r.account,
		BlockNumber:    block.Uint64(),
		BlockTimestamp: head.Time,
	}
	acct := r.account
	a := d.Addresses
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCalls)

	one := func(dst *fpmath.Decimal, to common.Address, def abi.ABI, method string, args ...interface{}) {
		g.Go(func() error {
			out, err := r.call(gctx, block, to, def, method, args...)
			if err != nil {
				return err
			}
			*dst, err = decimalAt(out, 0, method)
			return err
		})
	}

	one(&st.Price, a.PriceFeed, PriceFeedABI, "fetchPrice")
	one(&st.Total.Collateral, a.TroveManager, TroveManagerABI, "getEntireSystemColl")
	one(&st.Total.Debt, a.TroveManager, TroveManagerABI, "getEntireSystemDebt")
	one(&st.TotalRedistributed.Collateral, a.TroveManager, TroveManagerABI, "L_Collateral")
	one(&st.TotalRedistributed.Debt, a.TroveManager, TroveManagerABI, "L_THUSDDebt")
	one(&st.BaseRate, a.TroveManager, TroveManagerABI, "baseRate")
	one(&st.StabilityDeposit.InitialDeposit, a.StabilityPool, StabilityPoolABI, "deposits", acct)
	one(&st.StabilityDeposit.CurrentDeposit, a.StabilityPool, StabilityPoolABI, "getCompoundedTHUSDDeposit", acct)
	one(&st.StabilityDeposit.CollateralGain, a.StabilityPool, StabilityPoolABI, "getDepositorCollateralGain", acct)
	one(&st.StablecoinInStabilityPool, a.StabilityPool, StabilityPoolABI, "getTotalTHUSDDeposits")
	one(&st.StablecoinBalance, a.Stablecoin, ERC20ABI, "balanceOf", acct)
	one(&st.StablecoinTotalSupply, a.Stablecoin, ERC20ABI, "totalSupply")
	one(&st.CollateralSurplusBalance, a.CollSurplusPool, CollSurplusPoolABI, "getCollateral", acct)

	if a.PCV != (common.Address{}) {
		one(&st.PCVBalance, a.Stablecoin, ERC20ABI, "balanceOf", a.PCV)
	}

	g.Go(func() error {
		bal, err := r.client.BalanceAt(gctx, acct, block)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		st.NativeBalance = fpmath.DecimalFromWei(bal)
		return nil
	})

	if d.NativeCollateral() {
		// The collateral is the native coin: balance is the native balance
		// and no allowance is needed.
		st.CollateralAllowance = fpmath.Infinity
	} else {
		one(&st.CollateralBalance, a.Collateral, ERC20ABI, "balanceOf", acct)
		one(&st.CollateralAllowance, a.Collateral, ERC20ABI, "allowance", acct, a.BorrowerOperations)
	}

	g.Go(func() error {
		out, err := r.call(gctx, block, a.TroveManager, TroveManagerABI, "getTroveOwnersCount")
		if err != nil {
			return err
		}
		n, err := bigAt(out, 0, "getTroveOwnersCount")
		if err != nil {
			return err
		}
		st.NumberOfTroves = n.Uint64()
		return nil
	})

	g.Go(func() error {
		out, err := r.call(gctx, block, a.TroveManager, TroveManagerABI, "lastFeeOperationTime")
		if err != nil {
			return err
		}
		n, err := bigAt(out, 0, "lastFeeOperationTime")
		if err != nil {
			return err
		}
		st.LastFeeOperation = n.Uint64()
		return nil
	})

	g.Go(func() error {
		out, err := r.call(gctx, block, a.TroveManager, TroveManagerABI, "Troves", acct)
		if err != nil {
			return err
		}
		t := &st.TroveBeforeRedistribution
		t.Owner = acct
		if t.Debt, err = decimalAt(out, 0, "Troves.debt"); err != nil {
			return err
		}
		if t.Collateral, err = decimalAt(out, 1, "Troves.coll"); err != nil {
			return err
		}
		if t.Stake, err = decimalAt(out, 2, "Troves.stake"); err != nil {
			return err
		}
		if len(out) < 4 {
			return fmt.Errorf("Troves: got %d outputs", len(out))
		}
		status, ok := out[3].(uint8)
		if !ok {
			return fmt.Errorf("Troves.status: unexpected %T", out[3])
		}
		t.Status = state.TroveStatus(status)
		return nil
	})

	g.Go(func() error {
		out, err := r.call(gctx, block, a.TroveManager, TroveManagerABI, "rewardSnapshots", acct)
		if err != nil {
			return err
		}
		snap := &st.TroveBeforeRedistribution.SnapshotOfTotalRedistributed
		if snap.Collateral, err = decimalAt(out, 0, "rewardSnapshots.collateral"); err != nil {
			return err
		}
		snap.Debt, err = decimalAt(out, 1, "rewardSnapshots.THUSDDebt")
		return err
	})

	if a.Bamm != (common.Address{}) {
		one(&st.BammDeposit.Shares, a.Bamm, BammABI, "balanceOf", acct)
		one(&st.BammDeposit.TotalShares, a.Bamm, BammABI, "totalSupply")
		g.Go(func() error {
			out, err := r.call(gctx, block, a.Bamm, BammABI, "getTHUSDValue")
			if err != nil {
				return err
			}
			if st.BammDeposit.StablecoinValue, err = decimalAt(out, 1, "getTHUSDValue.thusdBalance"); err != nil {
				return err
			}
			st.BammDeposit.CollateralValue, err = decimalAt(out, 2, "getTHUSDValue.collateralBalance")
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return state.StoreState{}, fmt.Errorf("chain: read %s at block %s: %w", key, block, err)
	}
	if d.NativeCollateral() {
		st.CollateralBalance = st.NativeBalance
	}
	if !st.TroveBeforeRedistribution.Status.IsOpen() {
		// Closed troves keep stale numbers on chain.
		st.TroveBeforeRedistribution = state.TroveWithPendingRedistribution{
			UserTrove: state.UserTrove{Owner: acct, Status: st.TroveBeforeRedistribution.Status},
		}
	}
	st.BammDeposit = scaleBamm(st.BammDeposit)

	r.logger.Debug().
		Str("store", key.String()).
		Uint64("block", st.BlockNumber).
		Dur("took", time.Since(start)).
		Msg("state read")
	return st, nil
}

// scaleBamm turns pool totals into the account's share of them.
func scaleBamm(b state.BammDeposit) state.BammDeposit {
	share := b.PoolShare()
	b.StablecoinValue = b.StablecoinValue.Mul(share)
	b.CollateralValue = b.CollateralValue.Mul(share)
	return b
}

func (r *Reader) call(ctx context.Context, block *big.Int, to common.Address, def abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	return callContract(ctx, r.client, r.account, block, to, def, method, args...)
}

func callContract(ctx context.Context, c Client, from common.Address, block *big.Int, to common.Address, def abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := def.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := def.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func bigAt(out []interface{}, i int, what string) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("%s: missing output %d", what, i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected %T", what, out[i])
	}
	return v, nil
}

func decimalAt(out []interface{}, i int, what string) (fpmath.Decimal, error) {
	v, err := bigAt(out, i, what)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.DecimalFromWei(v), nil
}
