package chain

import (
	"fmt"
	"math/big"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Addresses are the contracts of one deployment.
type Addresses struct {
	BorrowerOperations common.Address `yaml:"borrower_operations" json:"borrower_operations"`
	TroveManager       common.Address `yaml:"trove_manager" json:"trove_manager"`
	StabilityPool      common.Address `yaml:"stability_pool" json:"stability_pool"`
	Bamm               common.Address `yaml:"bamm" json:"bamm"`
	PriceFeed          common.Address `yaml:"price_feed" json:"price_feed"`
	CollSurplusPool    common.Address `yaml:"coll_surplus_pool" json:"coll_surplus_pool"`
	HintHelpers        common.Address `yaml:"hint_helpers" json:"hint_helpers"`
	SortedTroves       common.Address `yaml:"sorted_troves" json:"sorted_troves"`
	PCV                common.Address `yaml:"pcv" json:"pcv"`
	Stablecoin         common.Address `yaml:"stablecoin" json:"stablecoin"`
	// Collateral is the ERC20 token; the zero address means the native
	// coin.
	Collateral common.Address `yaml:"collateral" json:"collateral"`
}

// Deployment binds a store key to its contracts.
type Deployment struct {
	Key       state.Key
	Addresses Addresses
}

// NativeCollateral reports whether collateral is sent as msg.value.
func (d Deployment) NativeCollateral() bool {
	return d.Addresses.Collateral == (common.Address{})
}

// Validate checks that every mandatory contract is set.
func (d Deployment) Validate() error {
	required := map[string]common.Address{
		"borrower_operations": d.Addresses.BorrowerOperations,
		"trove_manager":       d.Addresses.TroveManager,
		"stability_pool":      d.Addresses.StabilityPool,
		"price_feed":          d.Addresses.PriceFeed,
		"coll_surplus_pool":   d.Addresses.CollSurplusPool,
		"stablecoin":          d.Addresses.Stablecoin,
	}
	for name, addr := range required {
		if addr == (common.Address{}) {
			return fmt.Errorf("deployment %s: %s address is required", d.Key, name)
		}
	}
	return nil
}

// Call is a packed contract invocation ready for the Sender.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Hints locate a trove's position in the sorted list. Zero hints are
// valid and make the contract search from the head.
type Hints struct {
	Upper common.Address
	Lower common.Address
}

func wei(d fpmath.Decimal) *big.Int { return d.Wei() }

func pack(to common.Address, def abi.ABI, method string, args ...interface{}) (Call, error) {
	data, err := def.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return Call{To: to, Data: data}, nil
}

// collateralValue attaches deposit as msg.value for native collateral and
// returns the asset amount argument the contract expects.
func (d Deployment) collateralValue(c *Call, deposit fpmath.Decimal) *big.Int {
	if d.NativeCollateral() {
		c.Value = wei(deposit)
	}
	return wei(deposit)
}

func (d Deployment) OpenTrove(maxFee, borrow, deposit fpmath.Decimal, h Hints) (Call, error) {
	c := Call{To: d.Addresses.BorrowerOperations}
	asset := d.collateralValue(&c, deposit)
	data, err := BorrowerOperationsABI.Pack("openTrove", wei(maxFee), wei(borrow), asset, h.Upper, h.Lower)
	if err != nil {
		return Call{}, fmt.Errorf("pack openTrove: %w", err)
	}
	c.Data = data
	return c, nil
}

func (d Deployment) AdjustTrove(maxFee fpmath.Decimal, p state.TroveAdjustmentParams, h Hints) (Call, error) {
	c := Call{To: d.Addresses.BorrowerOperations}
	asset := d.collateralValue(&c, p.DepositCollateral)
	change, increase := p.Repay, false
	if p.Borrow.IsPositive() {
		change, increase = p.Borrow, true
	}
	data, err := BorrowerOperationsABI.Pack("adjustTrove",
		wei(maxFee), wei(p.WithdrawCollateral), wei(change), increase, asset, h.Upper, h.Lower)
	if err != nil {
		return Call{}, fmt.Errorf("pack adjustTrove: %w", err)
	}
	c.Data = data
	return c, nil
}

func (d Deployment) CloseTrove() (Call, error) {
	return pack(d.Addresses.BorrowerOperations, BorrowerOperationsABI, "closeTrove")
}

func (d Deployment) ClaimCollateral() (Call, error) {
	return pack(d.Addresses.BorrowerOperations, BorrowerOperationsABI, "claimCollateral")
}

func (d Deployment) ProvideToSP(amount fpmath.Decimal) (Call, error) {
	return pack(d.Addresses.StabilityPool, StabilityPoolABI, "provideToSP", wei(amount))
}

func (d Deployment) WithdrawFromSP(amount fpmath.Decimal) (Call, error) {
	return pack(d.Addresses.StabilityPool, StabilityPoolABI, "withdrawFromSP", wei(amount))
}

func (d Deployment) WithdrawCollateralGainToTrove(h Hints) (Call, error) {
	return pack(d.Addresses.StabilityPool, StabilityPoolABI, "withdrawCollateralGainToTrove", h.Upper, h.Lower)
}

func (d Deployment) BammDeposit(amount fpmath.Decimal) (Call, error) {
	return pack(d.Addresses.Bamm, BammABI, "deposit", wei(amount))
}

func (d Deployment) BammWithdraw(shares fpmath.Decimal) (Call, error) {
	return pack(d.Addresses.Bamm, BammABI, "withdraw", wei(shares))
}

func (d Deployment) Liquidate(borrower common.Address) (Call, error) {
	return pack(d.Addresses.TroveManager, TroveManagerABI, "liquidate", borrower)
}

func (d Deployment) BatchLiquidate(borrowers []common.Address) (Call, error) {
	return pack(d.Addresses.TroveManager, TroveManagerABI, "batchLiquidateTroves", borrowers)
}

func (d Deployment) LiquidateUpTo(n uint64) (Call, error) {
	return pack(d.Addresses.TroveManager, TroveManagerABI, "liquidateTroves", new(big.Int).SetUint64(n))
}

// RedemptionHints are the arguments redeemCollateral needs to locate
// troves.
type RedemptionHints struct {
	First           common.Address
	Hints           Hints
	PartialNICR     fpmath.Decimal
	TruncatedAmount fpmath.Decimal
	MaxIterations   uint64
}

func (d Deployment) RedeemCollateral(amount, maxFee fpmath.Decimal, h RedemptionHints) (Call, error) {
	return pack(d.Addresses.TroveManager, TroveManagerABI, "redeemCollateral",
		wei(amount), h.First, h.Hints.Upper, h.Hints.Lower, wei(h.PartialNICR),
		new(big.Int).SetUint64(h.MaxIterations), wei(maxFee))
}

func (d Deployment) ApproveCollateral(spender common.Address, amount fpmath.Decimal) (Call, error) {
	if d.NativeCollateral() {
		return Call{}, fmt.Errorf("deployment %s: native collateral needs no approval", d.Key)
	}
	return pack(d.Addresses.Collateral, ERC20ABI, "approve", spender, wei(amount))
}

func (d Deployment) ApproveStablecoin(spender common.Address, amount fpmath.Decimal) (Call, error) {
	return pack(d.Addresses.Stablecoin, ERC20ABI, "approve", spender, wei(amount))
}

func (d Deployment) TransferStablecoin(to common.Address, amount fpmath.Decimal) (Call, error) {
	return pack(d.Addresses.Stablecoin, ERC20ABI, "transfer", to, wei(amount))
}
