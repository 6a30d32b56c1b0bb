// Package cli implements trovectl: read one store, submit protocol
// operations from the configured account and wait for their receipts,
// and talk to a running trovewatch daemon.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Store      string // version/collateral; empty selects the first deployment
	Wait       bool
	Timeout    time.Duration
	Verbose    bool
	Server     string
	AdminToken string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the trovectl root command. connect opens the
// chain session used by state and transaction commands.
func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "trovectl",
		Short: "Inspect a trove store and submit protocol transactions",
		Long: `trovectl reads protocol state for the configured account and submits
trove, stability pool, redemption, liquidation and token operations.

Transactions are validated against the current store state before they are
signed. By default trovectl waits for the receipt and prints its outcome.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $TROVE_CONFIG)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.Store, "store", "s", "", "store key as version/collateral (default first deployment)")
	flags.BoolVar(&opts.Wait, "wait", true, "wait for the transaction receipt")
	flags.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "how long to wait for a receipt")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Server, "server", "localhost:9090", "trovewatch gRPC address for remote commands")
	flags.StringVar(&opts.AdminToken, "admin-token", "", "admin token for remote admin commands (default $TROVE_ADMIN_TOKEN)")

	cmd.AddCommand(NewStateCommand(opts, connect))
	for _, c := range newTxCommands(opts, connect) {
		cmd.AddCommand(c)
	}
	cmd.AddCommand(NewRemoteCommand(opts, dialRemote))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
