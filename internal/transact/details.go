package transact

import (
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// TroveCreationDetails describes a mined openTrove. DebtChange excludes
// the fee and the liquidation reserve, so it equals the amount borrowed.
type TroveCreationDetails struct {
	Params           state.TroveCreationParams `json:"params"`
	NewTrove         state.Trove               `json:"new_trove"`
	Fee              fpmath.Decimal            `json:"fee"`
	CollateralChange fpmath.Difference         `json:"collateral_change"`
	DebtChange       fpmath.Difference         `json:"debt_change"`
}

type TroveAdjustmentDetails struct {
	Params           state.TroveAdjustmentParams `json:"params"`
	NewTrove         state.Trove                 `json:"new_trove"`
	Fee              fpmath.Decimal              `json:"fee"`
	CollateralChange fpmath.Difference           `json:"collateral_change"`
	DebtChange       fpmath.Difference           `json:"debt_change"`
}

type TroveClosureDetails struct {
	Params state.TroveClosureParams `json:"params"`
}

type StabilityDepositChangeDetails struct {
	Change         state.StabilityDepositChange `json:"change"`
	NewDeposit     fpmath.Decimal               `json:"new_deposit"`
	CollateralGain fpmath.Decimal               `json:"collateral_gain"`
	StablecoinLoss fpmath.Decimal               `json:"stablecoin_loss"`
}

type StabilityPoolGainsWithdrawalDetails struct {
	NewDeposit     fpmath.Decimal `json:"new_deposit"`
	CollateralGain fpmath.Decimal `json:"collateral_gain"`
	StablecoinLoss fpmath.Decimal `json:"stablecoin_loss"`
}

type CollateralGainTransferDetails struct {
	StabilityPoolGainsWithdrawalDetails
	NewTrove state.Trove `json:"new_trove"`
}

type BammDepositChangeDetails struct {
	Deposit    bool           `json:"deposit"`
	Stablecoin fpmath.Decimal `json:"stablecoin"`
	Collateral fpmath.Decimal `json:"collateral"`
	Shares     fpmath.Decimal `json:"shares"`
}

type RedemptionDetails struct {
	Attempted       fpmath.Decimal `json:"attempted_amount"`
	Actual          fpmath.Decimal `json:"actual_amount"`
	CollateralTaken fpmath.Decimal `json:"collateral_taken"`
	Fee             fpmath.Decimal `json:"fee"`
}

type LiquidationDetails struct {
	Liquidated                []common.Address `json:"liquidated"`
	TotalLiquidated           state.Trove      `json:"total_liquidated"`
	CollateralGasCompensation fpmath.Decimal   `json:"collateral_gas_compensation"`
	StablecoinGasCompensation fpmath.Decimal   `json:"stablecoin_gas_compensation"`
}

type CollateralSurplusClaimDetails struct {
	Amount fpmath.Decimal `json:"amount"`
}

type ApprovalDetails struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  fpmath.Decimal `json:"amount"`
}

type TransferDetails struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount fpmath.Decimal `json:"amount"`
}
