package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABIs: only the functions and events this package calls or
// decodes.

const borrowerOperationsABI = `[
{"type":"function","name":"openTrove","stateMutability":"payable","inputs":[
 {"name":"_maxFeePercentage","type":"uint256"},{"name":"_THUSDAmount","type":"uint256"},{"name":"_assetAmount","type":"uint256"},
 {"name":"_upperHint","type":"address"},{"name":"_lowerHint","type":"address"}],"outputs":[]},
{"type":"function","name":"adjustTrove","stateMutability":"payable","inputs":[
 {"name":"_maxFeePercentage","type":"uint256"},{"name":"_collWithdrawal","type":"uint256"},{"name":"_THUSDChange","type":"uint256"},
 {"name":"_isDebtIncrease","type":"bool"},{"name":"_assetAmount","type":"uint256"},
 {"name":"_upperHint","type":"address"},{"name":"_lowerHint","type":"address"}],"outputs":[]},
{"type":"function","name":"closeTrove","stateMutability":"nonpayable","inputs":[],"outputs":[]},
{"type":"function","name":"claimCollateral","stateMutability":"nonpayable","inputs":[],"outputs":[]},
{"type":"event","name":"TroveUpdated","anonymous":false,"inputs":[
 {"name":"_borrower","type":"address","indexed":true},{"name":"_debt","type":"uint256","indexed":false},
 {"name":"_coll","type":"uint256","indexed":false},{"name":"_stake","type":"uint256","indexed":false},
 {"name":"_operation","type":"uint8","indexed":false}]},
{"type":"event","name":"THUSDBorrowingFeePaid","anonymous":false,"inputs":[
 {"name":"_borrower","type":"address","indexed":true},{"name":"_THUSDFee","type":"uint256","indexed":false}]}
]`

const troveManagerABI = `[
{"type":"function","name":"getTroveOwnersCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getEntireSystemColl","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getEntireSystemDebt","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"L_Collateral","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"L_THUSDDebt","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"baseRate","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"lastFeeOperationTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"Troves","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[
 {"name":"debt","type":"uint256"},{"name":"coll","type":"uint256"},{"name":"stake","type":"uint256"},
 {"name":"status","type":"uint8"},{"name":"arrayIndex","type":"uint128"}]},
{"type":"function","name":"rewardSnapshots","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[
 {"name":"collateral","type":"uint256"},{"name":"THUSDDebt","type":"uint256"}]},
{"type":"function","name":"liquidate","stateMutability":"nonpayable","inputs":[{"name":"_borrower","type":"address"}],"outputs":[]},
{"type":"function","name":"liquidateTroves","stateMutability":"nonpayable","inputs":[{"name":"_n","type":"uint256"}],"outputs":[]},
{"type":"function","name":"batchLiquidateTroves","stateMutability":"nonpayable","inputs":[{"name":"_troveArray","type":"address[]"}],"outputs":[]},
{"type":"function","name":"redeemCollateral","stateMutability":"nonpayable","inputs":[
 {"name":"_THUSDamount","type":"uint256"},{"name":"_firstRedemptionHint","type":"address"},
 {"name":"_upperPartialRedemptionHint","type":"address"},{"name":"_lowerPartialRedemptionHint","type":"address"},
 {"name":"_partialRedemptionHintNICR","type":"uint256"},{"name":"_maxIterations","type":"uint256"},
 {"name":"_maxFeePercentage","type":"uint256"}],"outputs":[]},
{"type":"event","name":"Liquidation","anonymous":false,"inputs":[
 {"name":"_liquidatedDebt","type":"uint256","indexed":false},{"name":"_liquidatedColl","type":"uint256","indexed":false},
 {"name":"_collGasCompensation","type":"uint256","indexed":false},{"name":"_THUSDGasCompensation","type":"uint256","indexed":false}]},
{"type":"event","name":"TroveLiquidated","anonymous":false,"inputs":[
 {"name":"_borrower","type":"address","indexed":true},{"name":"_debt","type":"uint256","indexed":false},
 {"name":"_coll","type":"uint256","indexed":false},{"name":"_operation","type":"uint8","indexed":false}]},
{"type":"event","name":"Redemption","anonymous":false,"inputs":[
 {"name":"_attemptedTHUSDAmount","type":"uint256","indexed":false},{"name":"_actualTHUSDAmount","type":"uint256","indexed":false},
 {"name":"_collateralSent","type":"uint256","indexed":false},{"name":"_collateralFee","type":"uint256","indexed":false}]}
]`

const stabilityPoolABI = `[
{"type":"function","name":"getTotalTHUSDDeposits","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"deposits","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getCompoundedTHUSDDeposit","stateMutability":"view","inputs":[{"name":"_depositor","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getDepositorCollateralGain","stateMutability":"view","inputs":[{"name":"_depositor","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"provideToSP","stateMutability":"nonpayable","inputs":[{"name":"_amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"withdrawFromSP","stateMutability":"nonpayable","inputs":[{"name":"_amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"withdrawCollateralGainToTrove","stateMutability":"nonpayable","inputs":[
 {"name":"_upperHint","type":"address"},{"name":"_lowerHint","type":"address"}],"outputs":[]},
{"type":"event","name":"UserDepositChanged","anonymous":false,"inputs":[
 {"name":"_depositor","type":"address","indexed":true},{"name":"_newDeposit","type":"uint256","indexed":false}]},
{"type":"event","name":"CollateralGainWithdrawn","anonymous":false,"inputs":[
 {"name":"_depositor","type":"address","indexed":true},{"name":"_collateral","type":"uint256","indexed":false},
 {"name":"_THUSDLoss","type":"uint256","indexed":false}]}
]`

const bammABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getTHUSDValue","stateMutability":"view","inputs":[],"outputs":[
 {"name":"totalTHUSDValue","type":"uint256"},{"name":"thusdBalance","type":"uint256"},{"name":"collateralBalance","type":"uint256"}]},
{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"thusdAmount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"numShares","type":"uint256"}],"outputs":[]},
{"type":"event","name":"UserDeposit","anonymous":false,"inputs":[
 {"name":"user","type":"address","indexed":true},{"name":"thusdAmount","type":"uint256","indexed":false},
 {"name":"numShares","type":"uint256","indexed":false}]},
{"type":"event","name":"UserWithdraw","anonymous":false,"inputs":[
 {"name":"user","type":"address","indexed":true},{"name":"thusdAmount","type":"uint256","indexed":false},
 {"name":"collateralAmount","type":"uint256","indexed":false},{"name":"numShares","type":"uint256","indexed":false}]}
]`

const priceFeedABI = `[
{"type":"function","name":"fetchPrice","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"event","name":"Transfer","anonymous":false,"inputs":[
 {"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]},
{"type":"event","name":"Approval","anonymous":false,"inputs":[
 {"name":"owner","type":"address","indexed":true},{"name":"spender","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const collSurplusPoolABI = `[
{"type":"function","name":"getCollateral","stateMutability":"view","inputs":[{"name":"_account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"event","name":"CollateralSent","anonymous":false,"inputs":[
 {"name":"_to","type":"address","indexed":false},{"name":"_amount","type":"uint256","indexed":false}]}
]`

const hintHelpersABI = `[
{"type":"function","name":"getRedemptionHints","stateMutability":"view","inputs":[
 {"name":"_THUSDamount","type":"uint256"},{"name":"_price","type":"uint256"},{"name":"_maxIterations","type":"uint256"}],"outputs":[
 {"name":"firstRedemptionHint","type":"address"},{"name":"partialRedemptionHintNICR","type":"uint256"},{"name":"truncatedTHUSDamount","type":"uint256"}]}
]`

const sortedTrovesABI = `[
{"type":"function","name":"findInsertPosition","stateMutability":"view","inputs":[
 {"name":"_NICR","type":"uint256"},{"name":"_prevId","type":"address"},{"name":"_nextId","type":"address"}],"outputs":[
 {"name":"","type":"address"},{"name":"","type":"address"}]}
]`

var (
	BorrowerOperationsABI = mustParseABI(borrowerOperationsABI)
	TroveManagerABI       = mustParseABI(troveManagerABI)
	StabilityPoolABI      = mustParseABI(stabilityPoolABI)
	BammABI               = mustParseABI(bammABI)
	PriceFeedABI          = mustParseABI(priceFeedABI)
	ERC20ABI              = mustParseABI(erc20ABI)
	CollSurplusPoolABI    = mustParseABI(collSurplusPoolABI)
	HintHelpersABI        = mustParseABI(hintHelpersABI)
	SortedTrovesABI       = mustParseABI(sortedTrovesABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: bad ABI definition: " + err.Error())
	}
	return parsed
}
