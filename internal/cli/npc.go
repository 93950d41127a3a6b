package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// NewNpcCommand creates the npc command group.
func NewNpcCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "npc",
		Short: "Create, update and inspect NPC memory and state",
	}
	cmd.AddCommand(newNpcInitCommand(rootOpts))
	cmd.AddCommand(newNpcUpdateCommand(rootOpts))
	cmd.AddCommand(newNpcShowCommand(rootOpts))
	return cmd
}

func newNpcInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TxOptions{RootOptions: rootOpts}
	var args npc.InitArgs

	cmd := &cobra.Command{
		Use:   "init <npc-id> <game-id>",
		Short: "Create an NPC from a template",
		Long: `Create the memory and state records of an NPC. The signer becomes the
NPC's creator and pays both records' rent. The state starts from the
template's base behavior.

Example:
  dan npc init guard-1 game-1 --keypair name:dave --template guard`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.NpcID, args.GameID = positional[0], positional[1]
			return opts.submitAndRender(cmd, txRequest{
				Instruction: program.InitNpc,
				Args:        args,
			})
		},
	}

	cmd.Flags().StringVar(&args.TemplateID, "template", "", "template id (required)")
	_ = cmd.MarkFlagRequired("template")
	opts.addFlags(cmd)

	return cmd
}

func newNpcUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TxOptions{RootOptions: rootOpts}
	var args npc.UpdateArgs

	cmd := &cobra.Command{
		Use:   "update <npc-id> <game-id>",
		Short: "Record an action and replace dialogue and behavior",
		Long: `Append an action to the NPC's memory and replace its dialogue and
behavior. Only the creator may update an NPC.

Example:
  dan npc update guard-1 game-1 --keypair name:dave --action "greeted player" --dialogue "Halt!" --behavior alert`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.NpcID, args.GameID = positional[0], positional[1]
			kp, err := loadKeypair(opts.Config.Keypair)
			if err != nil {
				return err
			}
			return opts.submitAndRender(cmd, txRequest{
				Instruction: program.UpdateNpc,
				Args:        args,
				Accounts:    runtime.Accounts{"creator": kp.Pubkey()},
			})
		},
	}

	cmd.Flags().StringVar(&args.Action, "action", "", "action appended to memory (required)")
	cmd.Flags().StringVar(&args.Dialogue, "dialogue", "", "new dialogue")
	cmd.Flags().StringVar(&args.Behavior, "behavior", "", "new behavior")
	_ = cmd.MarkFlagRequired("action")
	opts.addFlags(cmd)

	return cmd
}

// npcView is the output of npc show.
type npcView struct {
	MemoryAddress ledger.Pubkey `json:"memory_address"`
	StateAddress  ledger.Pubkey `json:"state_address"`
	Memory        npc.Memory    `json:"memory"`
	State         npc.State     `json:"state"`
}

func newNpcShowCommand(rootOpts *RootOptions) *cobra.Command {
	var creator string

	cmd := &cobra.Command{
		Use:   "show <npc-id> <game-id>",
		Short: "Show an NPC's memory and state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			creatorKey, err := parsePubkey("--creator", creator)
			if err != nil {
				return err
			}
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				memAddr, stateAddr, err := npc.Addresses(n.programID, creatorKey, args[0], args[1])
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid npc or game id", err)
				}
				view := npcView{MemoryAddress: memAddr, StateAddress: stateAddr}
				if err := readRecord(ctx, n, memAddr, store.KindMemory, &view.Memory); err != nil {
					return err
				}
				if err := readRecord(ctx, n, stateAddr, store.KindState, &view.State); err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "NPC %s in %s (creator %s)\n", args[0], args[1], creatorKey)
					fmt.Fprintf(w, "  dialogue: %s\n", view.State.Dialogue)
					fmt.Fprintf(w, "  behavior: %s\n", view.State.Behavior)
					fmt.Fprintf(w, "  memory:   %s\n", view.Memory.Data)
				})
			})
		},
	}

	cmd.Flags().StringVar(&creator, "creator", "", "creator key (required)")
	_ = cmd.MarkFlagRequired("creator")

	return cmd
}

// readRecord decodes the record at addr, which must hold kind.
func readRecord(ctx context.Context, n *node, addr ledger.Pubkey, kind store.Kind, dst any) error {
	acct, err := n.store.Account(ctx, addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("no %s record at %s", kind, addr))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read account", err)
	}
	if acct.Kind != kind {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s is a %s account, want %s", addr, acct.Kind, kind))
	}
	if err := json.Unmarshal(acct.Data, dst); err != nil {
		return WrapExitError(ExitCommandError, "failed to decode record", err)
	}
	return nil
}
