package testutil

import (
	"context"
	"sync"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// TestKey is the store key most tests use.
var TestKey = state.Key{Version: "v1", Collateral: "ETH"}

// TestAccount is the observed account in fixtures.
var TestAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

// BaseState returns a healthy, non-recovery snapshot at block with the
// given price and no trove for TestAccount.
func BaseState(price string, block uint64) state.StoreState {
	return state.StoreState{
		Key:                       TestKey,
		Account:                   TestAccount,
		BlockNumber:               block,
		BlockTimestamp:            1_700_000_000 + block*12,
		Price:                     fpmath.MustDecimal(price),
		NativeBalance:             fpmath.DecimalFromInt(5),
		CollateralBalance:         fpmath.DecimalFromInt(100),
		CollateralAllowance:       fpmath.DecimalFromInt(100),
		StablecoinBalance:         fpmath.DecimalFromInt(10_000),
		StablecoinTotalSupply:     fpmath.DecimalFromInt(1_000_000),
		NumberOfTroves:            10,
		Total:                     state.NewTrove(fpmath.DecimalFromInt(1_000), fpmath.DecimalFromInt(1_000_000)),
		StablecoinInStabilityPool: fpmath.DecimalFromInt(500_000),
		LastFeeOperation:          1_700_000_000,
		TroveBeforeRedistribution: state.TroveWithPendingRedistribution{
			UserTrove: state.UserTrove{Owner: TestAccount},
		},
	}
}

// WithTrove opens a trove for TestAccount in st.
func WithTrove(st state.StoreState, collateral, debt string) state.StoreState {
	st.TroveBeforeRedistribution.Status = state.TroveStatusOpen
	st.TroveBeforeRedistribution.Trove = state.NewTrove(fpmath.MustDecimal(collateral), fpmath.MustDecimal(debt))
	st.TroveBeforeRedistribution.Stake = fpmath.MustDecimal(collateral)
	return st
}

// FakeSource is a StateSource serving whatever snapshot was last Set.
// When a non-zero block is requested the snapshot is stamped with it.
type FakeSource struct {
	mu    sync.Mutex
	st    state.StoreState
	err   error
	calls []uint64
}

func NewFakeSource(st state.StoreState) *FakeSource {
	return &FakeSource{st: st}
}

func (f *FakeSource) Set(st state.StoreState) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

// Update applies fn to the served snapshot.
func (f *FakeSource) Update(fn func(*state.StoreState)) {
	f.mu.Lock()
	fn(&f.st)
	f.mu.Unlock()
}

// SetError makes every Fetch fail with err until cleared with nil.
func (f *FakeSource) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Calls returns the block numbers requested so far.
func (f *FakeSource) Calls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.calls...)
}

func (f *FakeSource) Fetch(ctx context.Context, key state.Key, blockNumber uint64) (state.StoreState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, blockNumber)
	if err := ctx.Err(); err != nil {
		return state.StoreState{}, err
	}
	if f.err != nil {
		return state.StoreState{}, f.err
	}
	st := f.st
	st.Key = key
	if blockNumber != 0 {
		st.BlockNumber = blockNumber
	}
	return st, nil
}
