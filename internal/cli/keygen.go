package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/registry"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		out   string
		name  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a keypair file",
		Long: `Write a new ed25519 keypair to --out and print its public key. With
--name the key is derived from the name, matching name:NAME elsewhere;
such keys are for development only.

Example:
  dan keygen --out ./operator.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return NewExitError(ExitCommandError, fmt.Sprintf("%s exists (use --force to overwrite)", out))
			}
			var (
				kp  *ledger.Keypair
				err error
			)
			if name != "" {
				kp = ledger.KeypairFromName(name)
			} else if kp, err = ledger.GenerateKeypair(); err != nil {
				return WrapExitError(ExitCommandError, "failed to generate keypair", err)
			}
			if err := ledger.SaveKeypair(out, kp); err != nil {
				return WrapExitError(ExitCommandError, "failed to save keypair", err)
			}
			pk := kp.Pubkey()
			return rootOpts.formatter(cmd).Render(map[string]string{"pubkey": pk.String(), "path": out}, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s\npubkey: %s\n", out, pk)
			})
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "keypair file to write (required)")
	cmd.Flags().StringVar(&name, "name", "", "derive the key from a name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

// NewAddressCommand creates the address command group, which derives
// record addresses without touching a database.
func NewAddressCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Derive record addresses",
	}

	render := func(cmd *cobra.Command, fields map[string]ledger.Pubkey, order ...string) error {
		out := make(map[string]string, len(fields))
		for k, v := range fields {
			out[k] = v.String()
		}
		return rootOpts.formatter(cmd).Render(out, func(w io.Writer) {
			for _, k := range order {
				fmt.Fprintf(w, "%s: %s\n", k, fields[k])
			}
		})
	}
	resolveProgram := func() (ledger.Pubkey, error) {
		pk, err := rootOpts.Config.Program()
		if err != nil {
			return ledger.Pubkey{}, WrapExitError(ExitCommandError, "invalid program id", err)
		}
		return pk, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "channel <owner> <channel-id>",
		Short: "Derive a channel address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID, err := resolveProgram()
			if err != nil {
				return err
			}
			owner, err := parsePubkey("owner", args[0])
			if err != nil {
				return err
			}
			addr, err := channel.Address(programID, owner, args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot derive address", err)
			}
			return render(cmd, map[string]ledger.Pubkey{"channel": addr}, "channel")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "template <template-id>",
		Short: "Derive a template address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID, err := resolveProgram()
			if err != nil {
				return err
			}
			addr, err := registry.Address(programID, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot derive address", err)
			}
			return render(cmd, map[string]ledger.Pubkey{"template": addr}, "template")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "npc <creator> <npc-id> <game-id>",
		Short: "Derive an NPC's memory and state addresses",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			programID, err := resolveProgram()
			if err != nil {
				return err
			}
			creator, err := parsePubkey("creator", args[0])
			if err != nil {
				return err
			}
			memory, state, err := npc.Addresses(programID, creator, args[1], args[2])
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot derive address", err)
			}
			return render(cmd, map[string]ledger.Pubkey{"memory": memory, "state": state}, "memory", "state")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "key <name:SEED|pubkey>",
		Short: "Print the public key for name:SEED or a base58 key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parsePubkey("key", args[0])
			if err != nil {
				return err
			}
			return render(cmd, map[string]ledger.Pubkey{"pubkey": pk}, "pubkey")
		},
	})

	return cmd
}

// instructionView describes one instruction for the instructions command.
type instructionView struct {
	Name     string   `json:"name"`
	Summary  string   `json:"summary"`
	Accounts []string `json:"accounts"`
}

// NewInstructionsCommand creates the instructions command.
func NewInstructionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "instructions",
		Short: "List the instructions the runtime accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := program.Instructions()
			out := make([]instructionView, 0, len(table))
			for _, in := range table {
				accounts := in.Accounts
				if accounts == nil {
					accounts = []string{}
				}
				out = append(out, instructionView{Name: in.Name, Summary: in.Summary, Accounts: accounts})
			}
			return rootOpts.formatter(cmd).Render(out, func(w io.Writer) {
				for _, in := range out {
					fmt.Fprintf(w, "%-16s %s\n", in.Name, in.Summary)
					if len(in.Accounts) > 0 {
						fmt.Fprintf(w, "%-16s accounts: %s\n", "", strings.Join(in.Accounts, ", "))
					}
				}
			})
		},
	}
}
