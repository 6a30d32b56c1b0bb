package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"TroveWatch/internal/server"
	"TroveWatch/internal/state"

	"github.com/spf13/cobra"
)

// RemoteDialer opens a client to a trovewatch daemon.
type RemoteDialer func(opts *RootOptions) (*server.Client, error)

func dialRemote(opts *RootOptions) (*server.Client, error) {
	token := opts.AdminToken
	if token == "" {
		token = os.Getenv("TROVE_ADMIN_TOKEN")
	}
	return server.Dial(opts.Server, token)
}

// NewRemoteCommand groups the commands served by a running daemon.
func NewRemoteCommand(opts *RootOptions, dial RemoteDialer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query or administer a running trovewatch daemon",
	}

	// with opens a client, runs fn and maps failures to exit code 2.
	with := func(cmd *cobra.Command, fn func(c *server.Client, out *OutputFormatter) error) error {
		out := formatter(cmd, opts)
		c, err := dial(opts)
		if err != nil {
			_ = out.Failure("connect", err)
			return WrapExitError(ExitCommandError, "connect", err)
		}
		defer c.Close()
		if err := fn(c, out); err != nil {
			_ = out.Failure("remote", err)
			return WrapExitError(ExitCommandError, cmd.Name(), err)
		}
		return nil
	}
	storeKey := func() (state.Key, error) {
		if opts.Store == "" {
			return state.Key{}, NewExitError(ExitCommandError, "--store is required for remote commands")
		}
		key, err := state.ParseKey(opts.Store)
		if err != nil {
			return state.Key{}, WrapExitError(ExitCommandError, "store", err)
		}
		return key, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stores",
		Short: "List the daemon's stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				stores, err := c.ListStores(cmd.Context())
				if err != nil {
					return err
				}
				return out.Success(stores, func(w io.Writer) {
					for _, s := range stores {
						if !s.Loaded {
							fmt.Fprintf(w, "%-12s loading\n", s.Key)
							continue
						}
						fmt.Fprintf(w, "%-12s block %-10d price %s\n", s.Key, s.BlockNumber, s.Price.Prettify(2))
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print a store's snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storeKey()
			if err != nil {
				return err
			}
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				resp, err := c.GetState(cmd.Context(), key.Version, key.Collateral)
				if err != nil {
					return err
				}
				return out.Success(resp, func(w io.Writer) {
					fmt.Fprintf(w, "source: %s\n", resp.Source)
					printState(w, resp.State)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trove",
		Short: "Print the account's trove in a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storeKey()
			if err != nil {
				return err
			}
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				resp, err := c.GetTrove(cmd.Context(), key.Version, key.Collateral)
				if err != nil {
					return err
				}
				return out.Success(resp, func(w io.Writer) { printJSON(w, resp) })
			})
		},
	})

	var priceLimit int
	prices := &cobra.Command{
		Use:   "prices",
		Short: "Print recent price points of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storeKey()
			if err != nil {
				return err
			}
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				points, err := c.ListPriceHistory(cmd.Context(), key.Version, key.Collateral, priceLimit)
				if err != nil {
					return err
				}
				return out.Success(points, func(w io.Writer) {
					for _, p := range points {
						fmt.Fprintf(w, "%-10d %s\n", p.BlockNumber, p.Price.Prettify(2))
					}
				})
			})
		},
	}
	prices.Flags().IntVar(&priceLimit, "limit", 20, "number of points")
	cmd.AddCommand(prices)

	var txLimit int
	txs := &cobra.Command{
		Use:   "txs <account>",
		Short: "List journaled transactions of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				records, err := c.ListTransactions(cmd.Context(), args[0], txLimit)
				if err != nil {
					return err
				}
				return out.Success(records, func(w io.Writer) {
					for _, r := range records {
						fmt.Fprintf(w, "%s %-28s %-9s block %d\n", r.Hash, r.Op, r.Status, r.BlockNumber)
					}
				})
			})
		},
	}
	txs.Flags().IntVar(&txLimit, "limit", 20, "number of transactions")
	cmd.AddCommand(txs)

	var collateral string
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream store changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				err := c.Watch(cmd.Context(), collateral, func(ev *server.WatchEvent) error {
					if opts.Format == "json" {
						return json.NewEncoder(out.Writer).Encode(ev)
					}
					for _, s := range ev.Stores {
						o := s.Store
						fmt.Fprintf(out.Writer, "%s/%s block %d price %s tcr %s trove %s %s\n",
							s.Version, s.Collateral, o.BlockNumber, o.Price.Prettify(2),
							o.TotalCollateralRatio.Prettify(4), o.Trove.Status, o.Health)
					}
					return nil
				})
				if cmd.Context().Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	watch.Flags().StringVar(&collateral, "collateral", "", "only stream stores of this collateral")
	cmd.AddCommand(watch)

	cmd.AddCommand(newAdminCommand(opts, with))
	return cmd
}

func newAdminCommand(opts *RootOptions, with func(*cobra.Command, func(*server.Client, *OutputFormatter) error) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations (need --admin-token when the daemon sets one)",
	}
	done := func(out *OutputFormatter, what string) error {
		return out.Success(map[string]string{"result": what}, func(w io.Writer) { fmt.Fprintln(w, what) })
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inject-head <block>",
		Short: "Publish a block head as if it came from the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid block number %q", args[0]))
			}
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				if err := c.InjectHead(cmd.Context(), n); err != nil {
					return err
				}
				return done(out, fmt.Sprintf("head %d injected", n))
			})
		},
	})

	var block uint64
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the --store store synchronously",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := state.ParseKey(opts.Store)
			if err != nil {
				return WrapExitError(ExitCommandError, "store", err)
			}
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				if err := c.RefreshStore(cmd.Context(), key.Version, key.Collateral, block); err != nil {
					return err
				}
				return done(out, key.String()+" refreshed")
			})
		},
	}
	refresh.Flags().Uint64Var(&block, "block", 0, "block to read (default latest)")
	cmd.AddCommand(refresh)

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the Postgres projections from snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				if err := c.RebuildProjections(cmd.Context()); err != nil {
					return err
				}
				return done(out, "projections rebuilt")
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Persist a snapshot of every store now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(c *server.Client, out *OutputFormatter) error {
				if err := c.TakeSnapshot(cmd.Context()); err != nil {
					return err
				}
				return done(out, "snapshot taken")
			})
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
