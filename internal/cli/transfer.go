package cli

import (
	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/runtime"
)

// NewTransferCommand creates the transfer command.
func NewTransferCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TxOptions{RootOptions: rootOpts}
	var (
		to     string
		amount uint64
	)

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move lamports out of the signing wallet",
		Long: `Move lamports from the signing wallet to any address.

Example:
  dan transfer --keypair name:alice --to name:bob --amount 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadKeypair(opts.Config.Keypair)
			if err != nil {
				return err
			}
			dest, err := parsePubkey("--to", to)
			if err != nil {
				return err
			}
			return opts.submitAndRender(cmd, txRequest{
				Instruction: program.Transfer,
				Args:        program.TransferArgs{Amount: amount},
				Accounts:    runtime.Accounts{"from": kp.Pubkey(), "to": dest},
			})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "destination key (required)")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "lamports to move (required)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	opts.addFlags(cmd)

	return cmd
}
