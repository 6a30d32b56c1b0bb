package testutil

import (
	"math/big"

	"TroveWatch/internal/chain"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func addr(b byte) common.Address {
	var a common.Address
	for i := range a {
		a[i] = b
	}
	return a
}

// TestDeployment is a native-collateral deployment for TestKey with every
// contract at a distinct fixed address.
func TestDeployment() chain.Deployment {
	return chain.Deployment{
		Key: TestKey,
		Addresses: chain.Addresses{
			BorrowerOperations: addr(0xb0),
			TroveManager:       addr(0x70),
			StabilityPool:      addr(0x5b),
			Bamm:               addr(0xba),
			PriceFeed:          addr(0xfe),
			CollSurplusPool:    addr(0xc5),
			HintHelpers:        addr(0x44),
			SortedTroves:       addr(0x50),
			PCV:                addr(0xcc),
			Stablecoin:         addr(0xdd),
		},
	}
}

func w(d fpmath.Decimal) *big.Int { return d.Wei() }

// ServeState registers call handlers on c so that a chain.Reader for d
// reads back st (before Derive).
func ServeState(c *FakeChain, d chain.Deployment, st state.StoreState) {
	a := d.Addresses
	acct := st.Account
	t := st.TroveBeforeRedistribution

	c.SetBalance(acct, w(st.NativeBalance))
	c.Handle(a.PriceFeed, chain.PriceFeedABI, "fetchPrice", w(st.Price))

	c.Handle(a.TroveManager, chain.TroveManagerABI, "getTroveOwnersCount", new(big.Int).SetUint64(st.NumberOfTroves))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "getEntireSystemColl", w(st.Total.Collateral))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "getEntireSystemDebt", w(st.Total.Debt))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "L_Collateral", w(st.TotalRedistributed.Collateral))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "L_THUSDDebt", w(st.TotalRedistributed.Debt))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "baseRate", w(st.BaseRate))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "lastFeeOperationTime", new(big.Int).SetUint64(st.LastFeeOperation))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "Troves",
		w(t.Debt), w(t.Collateral), w(t.Stake), uint8(t.Status), big.NewInt(0))
	c.Handle(a.TroveManager, chain.TroveManagerABI, "rewardSnapshots",
		w(t.SnapshotOfTotalRedistributed.Collateral), w(t.SnapshotOfTotalRedistributed.Debt))

	c.Handle(a.StabilityPool, chain.StabilityPoolABI, "deposits", w(st.StabilityDeposit.InitialDeposit))
	c.Handle(a.StabilityPool, chain.StabilityPoolABI, "getCompoundedTHUSDDeposit", w(st.StabilityDeposit.CurrentDeposit))
	c.Handle(a.StabilityPool, chain.StabilityPoolABI, "getDepositorCollateralGain", w(st.StabilityDeposit.CollateralGain))
	c.Handle(a.StabilityPool, chain.StabilityPoolABI, "getTotalTHUSDDeposits", w(st.StablecoinInStabilityPool))

	c.HandleFunc(a.Stablecoin, chain.ERC20ABI, "balanceOf", func(args []interface{}) ([]interface{}, error) {
		if args[0].(common.Address) == a.PCV {
			return []interface{}{w(st.PCVBalance)}, nil
		}
		return []interface{}{w(st.StablecoinBalance)}, nil
	})
	c.Handle(a.Stablecoin, chain.ERC20ABI, "totalSupply", w(st.StablecoinTotalSupply))
	c.Handle(a.CollSurplusPool, chain.CollSurplusPoolABI, "getCollateral", w(st.CollateralSurplusBalance))

	if !d.NativeCollateral() {
		c.Handle(a.Collateral, chain.ERC20ABI, "balanceOf", w(st.CollateralBalance))
		c.Handle(a.Collateral, chain.ERC20ABI, "allowance", w(st.CollateralAllowance))
	}

	c.Handle(a.Bamm, chain.BammABI, "balanceOf", w(st.BammDeposit.Shares))
	c.Handle(a.Bamm, chain.BammABI, "totalSupply", w(st.BammDeposit.TotalShares))
	c.Handle(a.Bamm, chain.BammABI, "getTHUSDValue",
		w(st.BammDeposit.StablecoinValue.Add(st.BammDeposit.CollateralValue)),
		w(st.BammDeposit.StablecoinValue), w(st.BammDeposit.CollateralValue))
}
