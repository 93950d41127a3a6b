package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/config"
	"github.com/cenwadike/dan/internal/keeper"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
)

// NewKeeperCommand creates the keeper command group. Each subcommand runs
// the keeper once against the local database; serve --keeper runs it
// continuously.
func NewKeeperCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keeper",
		Short: "Operate keeper-funded channels",
		Long: `The keeper funds channels from the operator wallet (--keypair), meters
usage against them, and closes them once they reach DAN_KEEPER_MAX_AGE.`,
	}
	cmd.AddCommand(newKeeperOpenCommand(rootOpts))
	cmd.AddCommand(newKeeperChargeCommand(rootOpts))
	cmd.AddCommand(newKeeperCloseCommand(rootOpts))
	cmd.AddCommand(newKeeperSweepCommand(rootOpts))
	cmd.AddCommand(newKeeperListCommand(rootOpts))
	return cmd
}

func keeperConfig(cfg config.Config) keeper.Config {
	return keeper.Config{
		Template: cfg.Keeper.Template,
		Timelock: cfg.Keeper.Timelock,
		MaxAge:   cfg.Keeper.MaxAge,
		Interval: cfg.Keeper.Interval,
		Charge:   cfg.Keeper.Charge,
	}
}

// withKeeper opens the local node and builds a keeper that applies its
// transactions directly.
func (o *RootOptions) withKeeper(cmd *cobra.Command, fn func(ctx context.Context, k *keeper.Keeper) error) error {
	kp, err := loadKeypair(o.Config.Keypair)
	if err != nil {
		return err
	}
	return o.withNode(cmd, func(ctx context.Context, n *node) error {
		k := keeper.New(n.store, n.programID, kp, runtime.SubmitFunc(n.runtime.Apply), keeperConfig(o.Config),
			keeper.WithLogger(n.logger),
			keeper.WithRecorder(n.metrics),
		)
		return fn(ctx, k)
	})
}

// keeperChannelView is the output form of a keeper channel.
type keeperChannelView struct {
	ChannelID    string        `json:"channel_id"`
	CounterParty ledger.Pubkey `json:"counter_party"`
	Secret       string        `json:"secret"`
	Amount       uint64        `json:"amount"`
	Spent        uint64        `json:"spent"`
	Timelock     int64         `json:"timelock"`
	OpenedAt     int64         `json:"opened_at"`
	Status       string        `json:"status"`
}

func newKeeperOpenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <counter-party> <amount>",
		Short: "Fund a channel for a counter-party",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			counterParty, err := parsePubkey("counter-party", args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid amount", err)
			}
			return rootOpts.withKeeper(cmd, func(ctx context.Context, k *keeper.Keeper) error {
				kc, err := k.Open(ctx, counterParty, amount)
				if err != nil {
					return WrapExitError(ExitFailure, "keeper open failed", err)
				}
				view := keeperChannelView{
					ChannelID: kc.ChannelID, CounterParty: kc.CounterParty, Secret: kc.Secret,
					Amount: kc.Amount, Timelock: kc.Timelock, OpenedAt: kc.OpenedAt, Status: kc.Status,
				}
				return rootOpts.formatter(cmd).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "Opened keeper channel %s for %s (%d lamports, timelock %d)\n",
						kc.ChannelID, kc.CounterParty, kc.Amount, kc.Timelock)
				})
			})
		},
	}
}

func newKeeperChargeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "charge <counter-party> <channel-id>",
		Short: "Meter one unit of usage against a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			counterParty, err := parsePubkey("counter-party", args[0])
			if err != nil {
				return err
			}
			return rootOpts.withKeeper(cmd, func(ctx context.Context, k *keeper.Keeper) error {
				spent, err := k.Charge(ctx, counterParty, args[1])
				if err != nil {
					return WrapExitError(ExitFailure, "keeper charge failed", err)
				}
				return rootOpts.formatter(cmd).Render(map[string]any{"channel_id": args[1], "spent": spent}, func(w io.Writer) {
					fmt.Fprintf(w, "Channel %s spent %d\n", args[1], spent)
				})
			})
		},
	}
}

func newKeeperCloseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <channel-id>",
		Short: "Settle a keeper channel at its metered spend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withKeeper(cmd, func(ctx context.Context, k *keeper.Keeper) error {
				receipt, err := k.Close(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "keeper close failed", err)
				}
				return rootOpts.formatter(cmd).ForTx(receipt.TxID).Render(receipt, func(w io.Writer) {
					printReceipt(w, receipt)
				})
			})
		},
	}
}

func newKeeperSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close every keeper channel older than the max age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withKeeper(cmd, func(ctx context.Context, k *keeper.Keeper) error {
				closed, err := k.Sweep(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "keeper sweep failed", err)
				}
				return rootOpts.formatter(cmd).Render(map[string]int{"closed": closed}, func(w io.Writer) {
					fmt.Fprintf(w, "Closed %d channel(s)\n", closed)
				})
			})
		},
	}
}

func newKeeperListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open keeper channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				open, err := n.store.OpenKeeperChannels(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read keeper channels", err)
				}
				out := make([]keeperChannelView, 0, len(open))
				for _, kc := range open {
					out = append(out, keeperChannelView{
						ChannelID: kc.ChannelID, CounterParty: kc.CounterParty, Secret: kc.Secret,
						Amount: kc.Amount, Spent: kc.Spent, Timelock: kc.Timelock, OpenedAt: kc.OpenedAt, Status: kc.Status,
					})
				}
				return rootOpts.formatter(cmd).Render(out, func(w io.Writer) {
					if len(out) == 0 {
						fmt.Fprintln(w, "No open keeper channels.")
						return
					}
					for _, kc := range out {
						fmt.Fprintf(w, "%s %s spent %d/%d opened %d\n", kc.ChannelID, kc.CounterParty, kc.Spent, kc.Amount, kc.OpenedAt)
					}
				})
			})
		},
	}
}
