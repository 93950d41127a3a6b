package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/registry"
)

// NewTemplateCommand creates the template command group.
func NewTemplateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Register and inspect NPC templates",
	}
	cmd.AddCommand(newTemplateCreateCommand(rootOpts))
	cmd.AddCommand(newTemplateShowCommand(rootOpts))
	return cmd
}

func newTemplateCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TxOptions{RootOptions: rootOpts}
	var args registry.CreateArgs

	cmd := &cobra.Command{
		Use:   "create <template-id>",
		Short: "Register a template; the signer becomes its creator",
		Long: `Register a template. The signing keypair pays the record's rent and
becomes the creator, earning the royalty on every channel opened against
the template.

Example:
  dan template create guard --keypair name:carol --name "Gate guard" --behavior patrol`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.TemplateID = positional[0]
			return opts.submitAndRender(cmd, txRequest{
				Instruction: program.CreateTemplate,
				Args:        args,
			})
		},
	}

	cmd.Flags().StringVar(&args.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&args.BaseBehavior, "behavior", "", "base behavior")
	_ = cmd.MarkFlagRequired("name")
	opts.addFlags(cmd)

	return cmd
}

// templateView is the output of template show.
type templateView struct {
	TemplateID string        `json:"template_id"`
	Address    ledger.Pubkey `json:"address"`
	registry.Template
}

func newTemplateShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return rootOpts.withNode(cmd, func(ctx context.Context, n *node) error {
				addr, err := registry.Address(n.programID, id)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid template id", err)
				}
				tmpl, err := n.templates.Get(ctx, id)
				if errors.Is(err, registry.ErrNotFound) {
					return NewExitError(ExitCommandError, fmt.Sprintf("template %q not found", id))
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read template", err)
				}
				view := templateView{TemplateID: id, Address: addr, Template: tmpl}
				return rootOpts.formatter(cmd).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "Template %s (%s)\n", id, addr)
					fmt.Fprintf(w, "  name:     %s\n", tmpl.Name)
					fmt.Fprintf(w, "  creator:  %s\n", tmpl.Creator)
					fmt.Fprintf(w, "  behavior: %s\n", tmpl.BaseBehavior)
				})
			})
		},
	}
}
