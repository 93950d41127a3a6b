package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/store"
)

// accountView is the output form of an account.
type accountView struct {
	Address    ledger.Pubkey   `json:"address"`
	Lamports   uint64          `json:"lamports"`
	Owner      ledger.Pubkey   `json:"owner"`
	Kind       store.Kind      `json:"kind"`
	Deposit    uint64          `json:"deposit"`
	Custody    uint64          `json:"custody"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedSeq int64           `json:"created_seq"`
	UpdatedSeq int64           `json:"updated_seq"`
}

// NewAccountCommand creates the account command.
func NewAccountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "account <address|name:SEED>",
		Short: "Show an account's balance and record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parsePubkey("address", args[0])
			if err != nil {
				return err
			}
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				acct, err := n.store.Account(ctx, addr)
				if errors.Is(err, store.ErrAccountNotFound) {
					return NewExitError(ExitCommandError, fmt.Sprintf("account %s not found", addr))
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read account", err)
				}
				view := accountView{
					Address:    acct.Address,
					Lamports:   acct.Lamports,
					Owner:      acct.Owner,
					Kind:       acct.Kind,
					Deposit:    acct.Deposit,
					Custody:    acct.Custody(),
					CreatedSeq: acct.CreatedSeq,
					UpdatedSeq: acct.UpdatedSeq,
				}
				if len(acct.Data) > 0 {
					view.Data = json.RawMessage(acct.Data)
				}
				return rootOpts.formatter(cmd).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s)\n", view.Address, view.Kind)
					fmt.Fprintf(w, "  lamports: %d\n", view.Lamports)
					fmt.Fprintf(w, "  deposit:  %d\n", view.Deposit)
					fmt.Fprintf(w, "  owner:    %s\n", view.Owner)
					if len(view.Data) > 0 {
						fmt.Fprintf(w, "  data:     %s\n", view.Data)
					}
				})
			})
		},
	}
}
