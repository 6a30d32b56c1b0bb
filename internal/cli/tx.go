package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"
	"TroveWatch/internal/transact"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
)

// TxResult is what a transaction command prints.
type TxResult struct {
	Op          string      `json:"op"`
	Hash        common.Hash `json:"hash"`
	Status      tx.Status   `json:"status"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
	Details     any         `json:"details,omitempty"`
	DecodeError string      `json:"decode_error,omitempty"`
}

func (r TxResult) text(w io.Writer) {
	switch r.Status {
	case tx.StatusPending:
		fmt.Fprintf(w, "%s %s sent\n", r.Op, r.Hash.Hex())
		return
	default:
		fmt.Fprintf(w, "%s %s %s in block %d (gas %d)\n", r.Op, r.Hash.Hex(), r.Status, r.BlockNumber, r.GasUsed)
	}
	if r.DecodeError != "" {
		fmt.Fprintf(w, "  receipt not decoded: %s\n", r.DecodeError)
	}
	if r.Details != nil {
		b, err := json.MarshalIndent(r.Details, "  ", "  ")
		if err == nil {
			fmt.Fprintf(w, "  details: %s\n", b)
		}
	}
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

type sendFunc[D any] func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[D], error)

// runTx submits through the session's façade, then waits for and prints
// the receipt. A reverted transaction exits with ExitFailure.
func runTx[D any](cmd *cobra.Command, opts *RootOptions, connect Connector, send sendFunc[D]) error {
	ctx := cmd.Context()
	out := formatter(cmd, opts)

	sess, err := connect(ctx, opts)
	if err != nil {
		_ = out.Failure("connect", err)
		return WrapExitError(ExitCommandError, "connect", err)
	}
	defer sess.Close()
	if sess.Facade == nil {
		_ = out.Failure("connect", ErrNoSigner)
		return WrapExitError(ExitCommandError, "submit", ErrNoSigner)
	}
	if err := sess.Store.Refresh(ctx, 0); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: state not loaded, submitting without state checks: %v\n", err)
	}

	sent, err := send(ctx, sess.Facade)
	if err != nil {
		code := "submission"
		var v *tx.ValidationError
		if errors.As(err, &v) {
			code = "validation"
		}
		_ = out.Failure(code, err)
		return WrapExitError(ExitCommandError, code, err)
	}

	result := TxResult{Op: sent.Op(), Hash: sent.Hash(), Status: tx.StatusPending}
	if !opts.Wait {
		return out.Success(result, result.text)
	}

	wctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	r, err := sent.WaitForReceipt(wctx)
	var decodeErr *tx.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		result.DecodeError = decodeErr.Err.Error()
	case err != nil:
		_ = out.Failure("receipt", err)
		return WrapExitError(ExitCommandError, "waiting for "+sent.Hash().Hex(), err)
	}

	result.Status = r.Status
	if r.Raw != nil {
		result.GasUsed = r.Raw.GasUsed
		if r.Raw.BlockNumber != nil {
			result.BlockNumber = r.Raw.BlockNumber.Uint64()
		}
	}
	r.Match(
		func() {},
		func(*types.Receipt) {},
		func(_ *types.Receipt, d D) {
			if result.DecodeError == "" {
				result.Details = d
			}
		},
	)
	if err := out.Success(result, result.text); err != nil {
		return err
	}
	if r.Status == tx.StatusFailed {
		return NewExitError(ExitFailure, sent.Op()+" reverted")
	}
	return nil
}

func parseAmount(name, s string) (fpmath.Decimal, error) {
	if strings.EqualFold(s, "max") {
		return fpmath.Infinity, nil
	}
	d, err := fpmath.NewDecimal(s)
	if err != nil {
		return fpmath.Zero, NewExitError(ExitCommandError, fmt.Sprintf("%s: invalid amount %q", name, s))
	}
	return d, nil
}

// parseOptional parses an amount flag where empty means zero.
func parseOptional(name, s string) (fpmath.Decimal, error) {
	if s == "" {
		return fpmath.Zero, nil
	}
	return parseAmount(name, s)
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, NewExitError(ExitCommandError, fmt.Sprintf("%s: invalid address %q", name, s))
	}
	return common.HexToAddress(s), nil
}

// newTxCommands builds every transaction command.
func newTxCommands(opts *RootOptions, connect Connector) []*cobra.Command {
	return []*cobra.Command{
		newOpenTroveCommand(opts, connect),
		newAdjustTroveCommand(opts, connect),
		newCloseTroveCommand(opts, connect),
		newDepositCommand(opts, connect),
		newWithdrawCommand(opts, connect),
		newClaimGainsCommand(opts, connect),
		newBammCommand(opts, connect),
		newRedeemCommand(opts, connect),
		newLiquidateCommand(opts, connect),
		newClaimSurplusCommand(opts, connect),
		newApproveCommand(opts, connect),
		newSendCommand(opts, connect),
	}
}

func newOpenTroveCommand(opts *RootOptions, connect Connector) *cobra.Command {
	var deposit, borrow, maxRate string
	cmd := &cobra.Command{
		Use:   "open-trove",
		Short: "Open a trove",
		Example: `  trovectl open-trove --deposit 10 --borrow 5000
  trovectl open-trove --deposit 10 --borrow 5000 --max-rate 0.01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p state.TroveCreationParams
			var err error
			if p.DepositCollateral, err = parseAmount("deposit", deposit); err != nil {
				return err
			}
			if p.Borrow, err = parseAmount("borrow", borrow); err != nil {
				return err
			}
			rate, err := parseOptional("max-rate", maxRate)
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.TroveCreationDetails], error) {
				return t.OpenTrove(ctx, p, rate)
			})
		},
	}
	cmd.Flags().StringVar(&deposit, "deposit", "", "collateral to deposit")
	cmd.Flags().StringVar(&borrow, "borrow", "", "stablecoin to borrow, before fee")
	cmd.Flags().StringVar(&maxRate, "max-rate", "", "maximum borrowing rate (default current rate plus slippage)")
	_ = cmd.MarkFlagRequired("deposit")
	_ = cmd.MarkFlagRequired("borrow")
	return cmd
}

func newAdjustTroveCommand(opts *RootOptions, connect Connector) *cobra.Command {
	var deposit, withdraw, borrow, repay, maxRate string
	cmd := &cobra.Command{
		Use:     "adjust-trove",
		Short:   "Change the collateral or debt of the open trove",
		Example: `  trovectl adjust-trove --deposit 1 --borrow 500`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p state.TroveAdjustmentParams
			var err error
			if p.DepositCollateral, err = parseOptional("deposit", deposit); err != nil {
				return err
			}
			if p.WithdrawCollateral, err = parseOptional("withdraw", withdraw); err != nil {
				return err
			}
			if p.Borrow, err = parseOptional("borrow", borrow); err != nil {
				return err
			}
			if p.Repay, err = parseOptional("repay", repay); err != nil {
				return err
			}
			rate, err := parseOptional("max-rate", maxRate)
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.TroveAdjustmentDetails], error) {
				return t.AdjustTrove(ctx, p, rate)
			})
		},
	}
	cmd.Flags().StringVar(&deposit, "deposit", "", "collateral to add")
	cmd.Flags().StringVar(&withdraw, "withdraw", "", "collateral to withdraw")
	cmd.Flags().StringVar(&borrow, "borrow", "", "stablecoin to borrow")
	cmd.Flags().StringVar(&repay, "repay", "", "stablecoin to repay")
	cmd.Flags().StringVar(&maxRate, "max-rate", "", "maximum borrowing rate")
	return cmd
}

func newCloseTroveCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "close-trove",
		Short: "Repay all debt and withdraw all collateral",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.TroveClosureDetails], error) {
				return t.CloseTrove(ctx)
			})
		},
	}
}

func newDepositCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit stablecoin in the stability pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.StabilityDepositChangeDetails], error) {
				return t.DepositInStabilityPool(ctx, amount)
			})
		},
	}
}

func newWithdrawCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <amount|max>",
		Short: "Withdraw stablecoin from the stability pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.StabilityDepositChangeDetails], error) {
				return t.WithdrawFromStabilityPool(ctx, amount)
			})
		},
	}
}

func newClaimGainsCommand(opts *RootOptions, connect Connector) *cobra.Command {
	var toTrove bool
	cmd := &cobra.Command{
		Use:   "claim-gains",
		Short: "Withdraw stability pool gains, or move the collateral gain to the trove",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if toTrove {
				return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.CollateralGainTransferDetails], error) {
					return t.TransferCollateralGainToTrove(ctx)
				})
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.StabilityPoolGainsWithdrawalDetails], error) {
				return t.WithdrawGainsFromStabilityPool(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&toTrove, "to-trove", false, "transfer the collateral gain to the open trove")
	return cmd
}

func newBammCommand(opts *RootOptions, connect Connector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bamm",
		Short: "Deposit in or withdraw from the B.AMM pool",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "deposit <amount>",
			Short: "Deposit stablecoin in the B.AMM pool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := parseAmount("amount", args[0])
				if err != nil {
					return err
				}
				return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.BammDepositChangeDetails], error) {
					return t.DepositInBammPool(ctx, amount)
				})
			},
		},
		&cobra.Command{
			Use:   "withdraw <shares>",
			Short: "Burn B.AMM shares",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				shares, err := parseAmount("shares", args[0])
				if err != nil {
					return err
				}
				return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.BammDepositChangeDetails], error) {
					return t.WithdrawFromBammPool(ctx, shares)
				})
			},
		},
	)
	return cmd
}

func newRedeemCommand(opts *RootOptions, connect Connector) *cobra.Command {
	var maxRate string
	cmd := &cobra.Command{
		Use:   "redeem <amount>",
		Short: "Redeem stablecoin for collateral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			rate, err := parseOptional("max-rate", maxRate)
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.RedemptionDetails], error) {
				return t.Redeem(ctx, amount, rate)
			})
		},
	}
	cmd.Flags().StringVar(&maxRate, "max-rate", "", "maximum redemption rate (default current rate plus slippage)")
	return cmd
}

func newLiquidateCommand(opts *RootOptions, connect Connector) *cobra.Command {
	var upTo string
	cmd := &cobra.Command{
		Use:   "liquidate [address...]",
		Short: "Liquidate the given troves, or up to N of the riskiest",
		Example: `  trovectl liquidate 0xabc... 0xdef...
  trovectl liquidate --up-to 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if upTo != "" {
				if len(args) > 0 {
					return NewExitError(ExitCommandError, "give either addresses or --up-to, not both")
				}
				n, err := strconv.ParseUint(upTo, 10, 64)
				if err != nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("up-to: invalid count %q", upTo))
				}
				return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.LiquidationDetails], error) {
					return t.LiquidateUpTo(ctx, n)
				})
			}
			borrowers := make([]common.Address, 0, len(args))
			for _, a := range args {
				addr, err := parseAddress("borrower", a)
				if err != nil {
					return err
				}
				borrowers = append(borrowers, addr)
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.LiquidationDetails], error) {
				return t.Liquidate(ctx, borrowers...)
			})
		},
	}
	cmd.Flags().StringVar(&upTo, "up-to", "", "liquidate at most this many troves, lowest collateral ratio first")
	return cmd
}

func newClaimSurplusCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "claim-surplus",
		Short: "Claim collateral left over after liquidation or redemption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.CollateralSurplusClaimDetails], error) {
				return t.ClaimCollateralSurplus(ctx)
			})
		},
	}
}

func newApproveCommand(opts *RootOptions, connect Connector) *cobra.Command {
	var spender string
	cmd := &cobra.Command{
		Use:   "approve <amount|max>",
		Short: "Approve collateral for the protocol, or stablecoin for --spender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[0])
			if err != nil {
				return err
			}
			if spender == "" {
				return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.ApprovalDetails], error) {
					return t.ApproveCollateral(ctx, amount)
				})
			}
			to, err := parseAddress("spender", spender)
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.ApprovalDetails], error) {
				return t.ApproveStablecoin(ctx, to, amount)
			})
		},
	}
	cmd.Flags().StringVar(&spender, "spender", "", "approve stablecoin for this address instead of collateral")
	return cmd
}

func newSendCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "send <to> <amount>",
		Short: "Transfer stablecoin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseAddress("to", args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}
			return runTx(cmd, opts, connect, func(ctx context.Context, t *transact.Transactable) (*tx.SentTransaction[transact.TransferDetails], error) {
				return t.SendStablecoin(ctx, to, amount)
			})
		},
	}
}
