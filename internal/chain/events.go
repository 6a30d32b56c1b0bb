package chain

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrEventMissing is returned when a successful receipt lacks an event
// that the operation always emits.
var ErrEventMissing = errors.New("expected event not found in receipt")

// BorrowerOperation is the operation tag carried by TroveUpdated.
type BorrowerOperation uint8

const (
	OpOpenTrove BorrowerOperation = iota
	OpCloseTrove
	OpAdjustTrove
)

type TroveUpdated struct {
	Borrower  common.Address
	Trove     state.Trove
	Stake     fpmath.Decimal
	Operation BorrowerOperation
}

type BorrowingFeePaid struct {
	Borrower common.Address
	Fee      fpmath.Decimal
}

type Liquidation struct {
	LiquidatedDebt            fpmath.Decimal
	LiquidatedCollateral      fpmath.Decimal
	CollateralGasCompensation fpmath.Decimal
	StablecoinGasCompensation fpmath.Decimal
}

type TroveLiquidated struct {
	Borrower common.Address
	Trove    state.Trove
}

type Redemption struct {
	Attempted      fpmath.Decimal
	Actual         fpmath.Decimal
	CollateralSent fpmath.Decimal
	CollateralFee  fpmath.Decimal
}

type UserDepositChanged struct {
	Depositor  common.Address
	NewDeposit fpmath.Decimal
}

type CollateralGainWithdrawn struct {
	Depositor      common.Address
	Collateral     fpmath.Decimal
	StablecoinLoss fpmath.Decimal
}

type Transfer struct {
	From  common.Address
	To    common.Address
	Value fpmath.Decimal
}

type Approval struct {
	Owner   common.Address
	Spender common.Address
	Value   fpmath.Decimal
}

type BammUserDeposit struct {
	User       common.Address
	Stablecoin fpmath.Decimal
	Shares     fpmath.Decimal
}

type BammUserWithdraw struct {
	User       common.Address
	Stablecoin fpmath.Decimal
	Collateral fpmath.Decimal
	Shares     fpmath.Decimal
}

type CollateralSent struct {
	To     common.Address
	Amount fpmath.Decimal
}

// eventFields unpacks both the data and the indexed topics of l. It
// returns ok=false when l is not an instance of the named event.
func eventFields(def abi.ABI, name string, l *types.Log) (map[string]interface{}, bool, error) {
	ev, found := def.Events[name]
	if !found {
		return nil, false, fmt.Errorf("event %s not in ABI", name)
	}
	if len(l.Topics) == 0 || l.Topics[0] != ev.ID {
		return nil, false, nil
	}
	out := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := def.UnpackIntoMap(out, name, l.Data); err != nil {
			return nil, true, fmt.Errorf("unpack %s data: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(out, indexed, l.Topics[1:]); err != nil {
		return nil, true, fmt.Errorf("unpack %s topics: %w", name, err)
	}
	return out, true, nil
}

// decodeAll returns every instance of the named event in r, optionally
// restricted to logs emitted by from.
func decodeAll[T any](r *types.Receipt, from common.Address, def abi.ABI, name string, conv func(fields) (T, error)) ([]T, error) {
	var found []T
	for _, l := range r.Logs {
		if from != (common.Address{}) && l.Address != from {
			continue
		}
		m, ok, err := eventFields(def, name, l)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		v, err := conv(fields(m))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		found = append(found, v)
	}
	return found, nil
}

// decodeOne returns the first instance of the named event, or
// ErrEventMissing.
func decodeOne[T any](r *types.Receipt, from common.Address, def abi.ABI, name string, conv func(fields) (T, error)) (T, error) {
	all, err := decodeAll(r, from, def, name, conv)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(all) == 0 {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrEventMissing, name)
	}
	return all[0], nil
}

type fields map[string]interface{}

func (f fields) decimal(key string) (fpmath.Decimal, error) {
	v, ok := f[key].(*big.Int)
	if !ok {
		return fpmath.Zero, fmt.Errorf("field %s: unexpected %T", key, f[key])
	}
	return fpmath.DecimalFromWei(v), nil
}

func (f fields) address(key string) (common.Address, error) {
	v, ok := f[key].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("field %s: unexpected %T", key, f[key])
	}
	return v, nil
}

func (f fields) uint8(key string) (uint8, error) {
	v, ok := f[key].(uint8)
	if !ok {
		return 0, fmt.Errorf("field %s: unexpected %T", key, f[key])
	}
	return v, nil
}

// decimals reads several decimal fields into dsts, in order.
func (f fields) decimals(keys []string, dsts ...*fpmath.Decimal) error {
	for i, k := range keys {
		v, err := f.decimal(k)
		if err != nil {
			return err
		}
		*dsts[i] = v
	}
	return nil
}

func TroveUpdatedEvents(r *types.Receipt, from common.Address) ([]TroveUpdated, error) {
	return decodeAll(r, from, BorrowerOperationsABI, "TroveUpdated", func(f fields) (TroveUpdated, error) {
		var e TroveUpdated
		var err error
		if e.Borrower, err = f.address("_borrower"); err != nil {
			return e, err
		}
		if err = f.decimals([]string{"_debt", "_coll", "_stake"}, &e.Trove.Debt, &e.Trove.Collateral, &e.Stake); err != nil {
			return e, err
		}
		op, err := f.uint8("_operation")
		e.Operation = BorrowerOperation(op)
		return e, err
	})
}

// TroveUpdatedFor returns the last TroveUpdated for borrower.
func TroveUpdatedFor(r *types.Receipt, from, borrower common.Address) (TroveUpdated, error) {
	all, err := TroveUpdatedEvents(r, from)
	if err != nil {
		return TroveUpdated{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Borrower == borrower {
			return all[i], nil
		}
	}
	return TroveUpdated{}, fmt.Errorf("%w: TroveUpdated for %s", ErrEventMissing, borrower.Hex())
}

// BorrowingFeePaidEvent returns the fee event, or a zero fee when none was
// charged (repayments and collateral-only adjustments emit none).
func BorrowingFeePaidEvent(r *types.Receipt, from common.Address) (BorrowingFeePaid, error) {
	all, err := decodeAll(r, from, BorrowerOperationsABI, "THUSDBorrowingFeePaid", func(f fields) (BorrowingFeePaid, error) {
		var e BorrowingFeePaid
		var err error
		if e.Borrower, err = f.address("_borrower"); err != nil {
			return e, err
		}
		e.Fee, err = f.decimal("_THUSDFee")
		return e, err
	})
	if err != nil || len(all) == 0 {
		return BorrowingFeePaid{Fee: fpmath.Zero}, err
	}
	return all[0], nil
}

func LiquidationEvent(r *types.Receipt, from common.Address) (Liquidation, error) {
	return decodeOne(r, from, TroveManagerABI, "Liquidation", func(f fields) (Liquidation, error) {
		var e Liquidation
		err := f.decimals(
			[]string{"_liquidatedDebt", "_liquidatedColl", "_collGasCompensation", "_THUSDGasCompensation"},
			&e.LiquidatedDebt, &e.LiquidatedCollateral, &e.CollateralGasCompensation, &e.StablecoinGasCompensation)
		return e, err
	})
}

func TroveLiquidatedEvents(r *types.Receipt, from common.Address) ([]TroveLiquidated, error) {
	return decodeAll(r, from, TroveManagerABI, "TroveLiquidated", func(f fields) (TroveLiquidated, error) {
		var e TroveLiquidated
		var err error
		if e.Borrower, err = f.address("_borrower"); err != nil {
			return e, err
		}
		err = f.decimals([]string{"_debt", "_coll"}, &e.Trove.Debt, &e.Trove.Collateral)
		return e, err
	})
}

func RedemptionEvent(r *types.Receipt, from common.Address) (Redemption, error) {
	return decodeOne(r, from, TroveManagerABI, "Redemption", func(f fields) (Redemption, error) {
		var e Redemption
		err := f.decimals(
			[]string{"_attemptedTHUSDAmount", "_actualTHUSDAmount", "_collateralSent", "_collateralFee"},
			&e.Attempted, &e.Actual, &e.CollateralSent, &e.CollateralFee)
		return e, err
	})
}

func UserDepositChangedEvent(r *types.Receipt, from common.Address) (UserDepositChanged, error) {
	return decodeOne(r, from, StabilityPoolABI, "UserDepositChanged", func(f fields) (UserDepositChanged, error) {
		var e UserDepositChanged
		var err error
		if e.Depositor, err = f.address("_depositor"); err != nil {
			return e, err
		}
		e.NewDeposit, err = f.decimal("_newDeposit")
		return e, err
	})
}

// CollateralGainWithdrawnEvent returns a zero gain when the pool paid none.
func CollateralGainWithdrawnEvent(r *types.Receipt, from common.Address) (CollateralGainWithdrawn, error) {
	all, err := decodeAll(r, from, StabilityPoolABI, "CollateralGainWithdrawn", func(f fields) (CollateralGainWithdrawn, error) {
		var e CollateralGainWithdrawn
		var err error
		if e.Depositor, err = f.address("_depositor"); err != nil {
			return e, err
		}
		err = f.decimals([]string{"_collateral", "_THUSDLoss"}, &e.Collateral, &e.StablecoinLoss)
		return e, err
	})
	if err != nil || len(all) == 0 {
		return CollateralGainWithdrawn{}, err
	}
	return all[0], nil
}

func TransferEvent(r *types.Receipt, from common.Address) (Transfer, error) {
	return decodeOne(r, from, ERC20ABI, "Transfer", func(f fields) (Transfer, error) {
		var e Transfer
		var err error
		if e.From, err = f.address("from"); err != nil {
			return e, err
		}
		if e.To, err = f.address("to"); err != nil {
			return e, err
		}
		e.Value, err = f.decimal("value")
		return e, err
	})
}

func ApprovalEvent(r *types.Receipt, from common.Address) (Approval, error) {
	return decodeOne(r, from, ERC20ABI, "Approval", func(f fields) (Approval, error) {
		var e Approval
		var err error
		if e.Owner, err = f.address("owner"); err != nil {
			return e, err
		}
		if e.Spender, err = f.address("spender"); err != nil {
			return e, err
		}
		e.Value, err = f.decimal("value")
		return e, err
	})
}

func BammUserDepositEvent(r *types.Receipt, from common.Address) (BammUserDeposit, error) {
	return decodeOne(r, from, BammABI, "UserDeposit", func(f fields) (BammUserDeposit, error) {
		var e BammUserDeposit
		var err error
		if e.User, err = f.address("user"); err != nil {
			return e, err
		}
		err = f.decimals([]string{"thusdAmount", "numShares"}, &e.Stablecoin, &e.Shares)
		return e, err
	})
}

func BammUserWithdrawEvent(r *types.Receipt, from common.Address) (BammUserWithdraw, error) {
	return decodeOne(r, from, BammABI, "UserWithdraw", func(f fields) (BammUserWithdraw, error) {
		var e BammUserWithdraw
		var err error
		if e.User, err = f.address("user"); err != nil {
			return e, err
		}
		err = f.decimals([]string{"thusdAmount", "collateralAmount", "numShares"}, &e.Stablecoin, &e.Collateral, &e.Shares)
		return e, err
	})
}

func CollateralSentEvent(r *types.Receipt, from common.Address) (CollateralSent, error) {
	return decodeOne(r, from, CollSurplusPoolABI, "CollateralSent", func(f fields) (CollateralSent, error) {
		var e CollateralSent
		var err error
		if e.To, err = f.address("_to"); err != nil {
			return e, err
		}
		e.Amount, err = f.decimal("_amount")
		return e, err
	})
}
