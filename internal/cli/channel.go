package cli

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// NewChannelCommand creates the channel command group.
func NewChannelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Open, settle and inspect payment channels",
	}
	cmd.AddCommand(newChannelOpenCommand(rootOpts))
	cmd.AddCommand(newChannelCloseCommand(rootOpts))
	cmd.AddCommand(newChannelRefundCommand(rootOpts))
	cmd.AddCommand(newChannelShowCommand(rootOpts))
	cmd.AddCommand(newChannelHistoryCommand(rootOpts))
	return cmd
}

type channelOpenOptions struct {
	TxOptions
	ID           string
	CounterParty string
	Amount       uint64
	Template     string
	Timelock     uint64
	TimelockIn   time.Duration
	Secret       string
	Hashlock     string
}

func newChannelOpenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &channelOpenOptions{TxOptions: TxOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Fund a channel from the signing wallet",
		Long: `Open a hashed-timelock channel owned by the signing keypair. The amount
moves from the owner's wallet into the channel's custody.

Without --secret or --hashlock a random 32-byte secret is generated and
printed; keep it, it is the only way to close the channel.

Example:
  dan channel open --keypair name:alice --counter-party name:bob --amount 1000 --template default`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelOpen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "channel id (default: a fresh UUID)")
	cmd.Flags().StringVar(&opts.CounterParty, "counter-party", "", "counter-party key (required)")
	cmd.Flags().Uint64Var(&opts.Amount, "amount", 0, "lamports moved into custody (required)")
	cmd.Flags().StringVar(&opts.Template, "template", "", "template id (required)")
	cmd.Flags().Uint64Var(&opts.Timelock, "timelock", 0, "absolute timelock in unix seconds")
	cmd.Flags().DurationVar(&opts.TimelockIn, "timelock-in", 24*time.Hour, "timelock relative to now, used when --timelock is unset")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "hex secret the hashlock commits to")
	cmd.Flags().StringVar(&opts.Hashlock, "hashlock", "", "hex sha256 hashlock, when the secret is held elsewhere")
	_ = cmd.MarkFlagRequired("counter-party")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("template")
	cmd.MarkFlagsMutuallyExclusive("secret", "hashlock")
	opts.addFlags(cmd)

	return cmd
}

// openResult is the JSON output of channel open.
type openResult struct {
	Receipt   runtime.Receipt `json:"receipt"`
	ChannelID string          `json:"channel_id"`
	Address   ledger.Pubkey   `json:"address"`
	Secret    string          `json:"secret,omitempty"`
}

func runChannelOpen(opts *channelOpenOptions, cmd *cobra.Command) error {
	counterParty, err := parsePubkey("--counter-party", opts.CounterParty)
	if err != nil {
		return err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	var (
		hashlock channel.Hash
		secret   string
	)
	switch {
	case opts.Hashlock != "":
		if err := hashlock.UnmarshalText([]byte(opts.Hashlock)); err != nil {
			return WrapExitError(ExitCommandError, "invalid --hashlock", err)
		}
	case opts.Secret != "":
		s, err := channel.ParseSecret(opts.Secret)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --secret", err)
		}
		hashlock, secret = channel.HashSecret(s), s.String()
	default:
		s := make([]byte, 32)
		if _, err := rand.Read(s); err != nil {
			return WrapExitError(ExitCommandError, "failed to generate secret", err)
		}
		hashlock, secret = channel.HashSecret(s), channel.Secret(s).String()
	}

	timelock := opts.Timelock
	if timelock == 0 {
		timelock = uint64(time.Now().Add(opts.TimelockIn).Unix())
	}

	kp, err := loadKeypair(opts.Config.Keypair)
	if err != nil {
		return err
	}
	programID, err := opts.Config.Program()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid program id", err)
	}
	addr, err := channel.Address(programID, kp.Pubkey(), id)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --id", err)
	}

	receipt, err := opts.submit(cmd, txRequest{
		Instruction: program.OpenChannel,
		Args: channel.OpenArgs{
			ChannelID:  id,
			Amount:     opts.Amount,
			Hashlock:   hashlock,
			Timelock:   timelock,
			TemplateID: opts.Template,
		},
		Accounts: runtime.Accounts{"counter_party": counterParty},
	})
	if err != nil {
		return err
	}
	out := openResult{Receipt: receipt, ChannelID: id, Address: addr, Secret: secret}
	return opts.formatter(cmd).ForTx(receipt.TxID).Render(out, func(w io.Writer) {
		printReceipt(w, receipt)
		fmt.Fprintf(w, "channel %s at %s\n", id, addr)
		fmt.Fprintf(w, "timelock %s\n", time.Unix(int64(timelock), 0).UTC().Format(time.RFC3339))
		if secret != "" {
			fmt.Fprintf(w, "secret %s\n", secret)
		}
	})
}

type channelCloseOptions struct {
	TxOptions
	Owner           string
	ID              string
	Secret          string
	FinalBalance    uint64
	CounterParty    string
	TemplateCreator string
}

func newChannelCloseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &channelCloseOptions{TxOptions: TxOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Settle a channel with its secret",
		Long: `Close a channel before its timelock by revealing the secret. The final
balance is split between the template creator (one fifth) and the owner;
the rest of custody returns to the counter-party.

The counter-party and template creator are read from the local database
unless given.

Example:
  dan channel close --keypair name:bob --owner name:alice --id c1 --secret 7331 --final-balance 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelClose(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "channel owner key (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "channel id (required)")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "hex secret (required)")
	cmd.Flags().Uint64Var(&opts.FinalBalance, "final-balance", 0, "lamports owed to the owner")
	cmd.Flags().StringVar(&opts.CounterParty, "counter-party", "", "counter-party key (default: from the channel record)")
	cmd.Flags().StringVar(&opts.TemplateCreator, "template-creator", "", "template creator key (default: from the channel record)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("secret")
	opts.addFlags(cmd)

	return cmd
}

func runChannelClose(opts *channelCloseOptions, cmd *cobra.Command) error {
	owner, err := parsePubkey("--owner", opts.Owner)
	if err != nil {
		return err
	}
	secret, err := channel.ParseSecret(opts.Secret)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --secret", err)
	}

	accounts := runtime.Accounts{"owner": owner}
	if opts.CounterParty != "" && opts.TemplateCreator != "" {
		if accounts["counter_party"], err = parsePubkey("--counter-party", opts.CounterParty); err != nil {
			return err
		}
		if accounts["template_creator"], err = parsePubkey("--template-creator", opts.TemplateCreator); err != nil {
			return err
		}
	} else {
		err := opts.withNode(cmd, func(ctx context.Context, n *node) error {
			ch, _, err := lookupChannel(ctx, n, owner, opts.ID)
			if err != nil {
				return err
			}
			accounts["counter_party"] = ch.CounterParty
			accounts["template_creator"] = ch.TemplateCreator
			return nil
		})
		if err != nil {
			return err
		}
		if opts.CounterParty != "" {
			if accounts["counter_party"], err = parsePubkey("--counter-party", opts.CounterParty); err != nil {
				return err
			}
		}
		if opts.TemplateCreator != "" {
			if accounts["template_creator"], err = parsePubkey("--template-creator", opts.TemplateCreator); err != nil {
				return err
			}
		}
	}

	return opts.submitAndRender(cmd, txRequest{
		Instruction: program.CloseChannel,
		Args: channel.CloseArgs{
			ChannelID:    opts.ID,
			Secret:       secret,
			FinalBalance: opts.FinalBalance,
		},
		Accounts: accounts,
	})
}

type channelRefundOptions struct {
	TxOptions
	Owner string
	ID    string
}

func newChannelRefundCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &channelRefundOptions{TxOptions: TxOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Reclaim custody after the timelock",
		Long: `Return a channel's custody to its counter-party once the timelock has
passed. Only the counter-party may sign.

Example:
  dan channel refund --keypair name:bob --owner name:alice --id c1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parsePubkey("--owner", opts.Owner)
			if err != nil {
				return err
			}
			return opts.submitAndRender(cmd, txRequest{
				Instruction: program.ClaimRefund,
				Args:        channel.RefundArgs{ChannelID: opts.ID},
				Accounts:    runtime.Accounts{"owner": owner},
			})
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "channel owner key (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "channel id (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("id")
	opts.addFlags(cmd)

	return cmd
}

// channelView is the output of channel show.
type channelView struct {
	ChannelID string                 `json:"channel_id"`
	Address   ledger.Pubkey          `json:"address"`
	Channel   channel.PaymentChannel `json:"channel"`
	Custody   uint64                 `json:"custody"`
	Expired   bool                   `json:"expired"`
}

func newChannelShowCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, id string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an open channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerKey, err := parsePubkey("--owner", owner)
			if err != nil {
				return err
			}
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				ch, acct, err := lookupChannel(ctx, n, ownerKey, id)
				if err != nil {
					return err
				}
				view := channelView{
					ChannelID: id,
					Address:   acct.Address,
					Channel:   ch,
					Custody:   acct.Custody(),
					Expired:   ch.Expired(n.runtime.Now()),
				}
				return rootOpts.formatter(cmd).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "Channel %s (%s)\n", id, view.Address)
					fmt.Fprintf(w, "  owner:            %s\n", ch.Owner)
					fmt.Fprintf(w, "  counter-party:    %s\n", ch.CounterParty)
					fmt.Fprintf(w, "  template creator: %s\n", ch.TemplateCreator)
					fmt.Fprintf(w, "  balance:          %d\n", ch.Balance)
					fmt.Fprintf(w, "  custody:          %d\n", view.Custody)
					fmt.Fprintf(w, "  hashlock:         %s\n", ch.Hashlock)
					fmt.Fprintf(w, "  timelock:         %d (expired: %t)\n", ch.Timelock, view.Expired)
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "channel owner key (required)")
	cmd.Flags().StringVar(&id, "id", "", "channel id (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

// settlementView is one row of channel history.
type settlementView struct {
	Seq             int64         `json:"seq"`
	TxID            string        `json:"tx_id"`
	ChannelID       string        `json:"channel_id"`
	Owner           ledger.Pubkey `json:"owner"`
	CounterParty    ledger.Pubkey `json:"counter_party"`
	TemplateCreator ledger.Pubkey `json:"template_creator"`
	Status          string        `json:"status"`
	Balance         uint64        `json:"balance"`
	Custody         uint64        `json:"custody"`
	Fee             uint64        `json:"fee"`
	Royalty         uint64        `json:"royalty"`
	Refund          uint64        `json:"refund"`
	SettledAt       int64         `json:"settled_at"`
}

func newChannelHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		filter store.SettlementFilter
		owner  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List settled channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner != "" {
				pk, err := parsePubkey("--owner", owner)
				if err != nil {
					return err
				}
				filter.Owner = pk.String()
			}
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				rows, err := n.store.Settlements(ctx, filter)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read channel history", err)
				}
				out := make([]settlementView, 0, len(rows))
				for _, s := range rows {
					out = append(out, settlementView{
						Seq: s.Seq, TxID: s.TxID, ChannelID: s.ChannelID,
						Owner: s.Owner, CounterParty: s.CounterParty, TemplateCreator: s.TemplateCreator,
						Status: s.Status, Balance: s.Balance, Custody: s.Custody,
						Fee: s.Fee, Royalty: s.Royalty, Refund: s.Refund, SettledAt: s.SettledAt,
					})
				}
				return rootOpts.formatter(cmd).Render(out, func(w io.Writer) {
					if len(out) == 0 {
						fmt.Fprintln(w, "No settled channels.")
						return
					}
					for _, s := range out {
						fmt.Fprintf(w, "[%d] %s %s owner=%s balance=%d fee=%d royalty=%d refund=%d\n",
							s.Seq, s.ChannelID, s.Status, s.Owner, s.Balance, s.Fee, s.Royalty, s.Refund)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner key")
	cmd.Flags().StringVar(&filter.ChannelID, "id", "", "filter by channel id")
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status (closed|refunded)")
	cmd.Flags().Int64Var(&filter.After, "after", 0, "only rows with seq greater than this")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum rows (0 for all)")

	return cmd
}

// lookupChannel reads an open channel record from the local store.
func lookupChannel(ctx context.Context, n *node, owner ledger.Pubkey, id string) (channel.PaymentChannel, store.Account, error) {
	addr, err := channel.Address(n.programID, owner, id)
	if err != nil {
		return channel.PaymentChannel{}, store.Account{}, WrapExitError(ExitCommandError, "invalid channel id", err)
	}
	acct, err := n.store.Account(ctx, addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return channel.PaymentChannel{}, store.Account{}, NewExitError(ExitCommandError, fmt.Sprintf("channel %q of %s is not open", id, owner))
	}
	if err != nil {
		return channel.PaymentChannel{}, store.Account{}, WrapExitError(ExitCommandError, "failed to read channel", err)
	}
	if acct.Kind != store.KindChannel {
		return channel.PaymentChannel{}, store.Account{}, NewExitError(ExitCommandError, fmt.Sprintf("%s is a %s account", addr, acct.Kind))
	}
	var ch channel.PaymentChannel
	if err := json.Unmarshal(acct.Data, &ch); err != nil {
		return channel.PaymentChannel{}, store.Account{}, WrapExitError(ExitCommandError, "failed to decode channel", err)
	}
	return ch, acct, nil
}
