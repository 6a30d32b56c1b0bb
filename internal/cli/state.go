package cli

import (
	"fmt"
	"io"

	"TroveWatch/internal/state"

	"github.com/spf13/cobra"
)

// NewStateCommand prints the current snapshot of the selected store.
func NewStateCommand(opts *RootOptions, connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Read and print the protocol and account state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := formatter(cmd, opts)

			sess, err := connect(ctx, opts)
			if err != nil {
				_ = out.Failure("connect", err)
				return WrapExitError(ExitCommandError, "connect", err)
			}
			defer sess.Close()

			if err := sess.Store.Refresh(ctx, 0); err != nil {
				_ = out.Failure("refresh", err)
				return WrapExitError(ExitCommandError, "refresh", err)
			}
			st, _ := sess.Store.State()
			return out.Success(st, func(w io.Writer) { printState(w, st) })
		},
	}
}

func printState(w io.Writer, st state.StoreState) {
	fmt.Fprintf(w, "%s at block %d\n", st.Key, st.BlockNumber)
	fmt.Fprintf(w, "  price:                  %s\n", st.Price.Prettify(2))
	fmt.Fprintf(w, "  total collateral ratio: %s\n", st.TotalCollateralRatio.Prettify(4))
	fmt.Fprintf(w, "  recovery mode:          %t\n", st.RecoveryMode)
	fmt.Fprintf(w, "  borrowing rate:         %s\n", st.BorrowingRate.Prettify(4))
	fmt.Fprintf(w, "  redemption rate:        %s\n", st.RedemptionRate.Prettify(4))

	t := st.UserTrove
	fmt.Fprintf(w, "trove %s (%s)\n", t.Owner.Hex(), t.Status)
	if t.Status.IsOpen() {
		fmt.Fprintf(w, "  collateral: %s\n", t.Collateral.Prettify(4))
		fmt.Fprintf(w, "  debt:       %s\n", t.Debt.Prettify(2))
		fmt.Fprintf(w, "  ratio:      %s\n", t.CollateralRatio(st.Price).Prettify(4))
		fmt.Fprintf(w, "  health:     %s\n", st.Health)
	}
	if !st.StabilityDeposit.IsEmpty() {
		fmt.Fprintf(w, "stability deposit %s, gain %s\n",
			st.StabilityDeposit.CurrentDeposit.Prettify(2), st.StabilityDeposit.CollateralGain.Prettify(4))
	}
	if !st.BammDeposit.Shares.IsZero() {
		fmt.Fprintf(w, "bamm shares %s of %s\n", st.BammDeposit.Shares.Prettify(4), st.BammDeposit.TotalShares.Prettify(4))
	}
	fmt.Fprintf(w, "balances: native %s, collateral %s, stablecoin %s\n",
		st.NativeBalance.Prettify(4), st.CollateralBalance.Prettify(4), st.StablecoinBalance.Prettify(2))
	if !st.CollateralSurplusBalance.IsZero() {
		fmt.Fprintf(w, "claimable surplus: %s\n", st.CollateralSurplusBalance.Prettify(4))
	}
}
