package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/genesis"
)

// NewGenesisCommand creates the genesis command group.
func NewGenesisCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Validate and apply genesis documents",
	}
	cmd.AddCommand(newGenesisCheckCommand(rootOpts))
	cmd.AddCommand(newGenesisApplyCommand(rootOpts))
	return cmd
}

// genesisSummary describes a compiled genesis document.
type genesisSummary struct {
	File      string `json:"file"`
	Hash      string `json:"hash"`
	Supply    uint64 `json:"supply"`
	Wallets   int    `json:"wallets"`
	Templates int    `json:"templates"`
	Time      int64  `json:"time"`
}

func loadGenesis(path string) (*genesis.Document, genesisSummary, error) {
	if err := requireFile(path); err != nil {
		return nil, genesisSummary{}, err
	}
	doc, err := genesis.LoadFile(path)
	if err != nil {
		return nil, genesisSummary{}, WrapExitError(ExitFailure, "invalid genesis", err)
	}
	hash, err := doc.Hash()
	if err != nil {
		return nil, genesisSummary{}, WrapExitError(ExitFailure, "invalid genesis", err)
	}
	return doc, genesisSummary{
		File:      path,
		Hash:      hash,
		Supply:    doc.Supply(),
		Wallets:   len(doc.Wallets),
		Templates: len(doc.Templates),
		Time:      doc.Time,
	}, nil
}

func printGenesis(w io.Writer, s genesisSummary) {
	fmt.Fprintf(w, "%s\n", s.File)
	fmt.Fprintf(w, "  hash:      %s\n", s.Hash)
	fmt.Fprintf(w, "  supply:    %d\n", s.Supply)
	fmt.Fprintf(w, "  wallets:   %d\n", s.Wallets)
	fmt.Fprintf(w, "  templates: %d\n", s.Templates)
}

func newGenesisCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file.cue>",
		Short: "Compile a genesis document and print its hash",
		Long: `Validate a genesis document against the schema without touching any
database. Errors carry file:line:col positions.

Example:
  dan genesis check genesis.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			_, summary, err := loadGenesis(args[0])
			if err != nil {
				if f.Format == "json" {
					_ = f.Error(ErrCodeGenesis, err.Error(), nil)
				}
				return err
			}
			return f.Render(summary, func(w io.Writer) {
				printGenesis(w, summary)
			})
		},
	}
}

func newGenesisApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file.cue>",
		Short: "Fund wallets and create templates in a new database",
		Long: `Apply a genesis document to the configured database, creating it if
needed. A database accepts exactly one genesis.

Example:
  dan genesis apply genesis.cue --db ./dan.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, summary, err := loadGenesis(args[0])
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			n, err := openNode(ctx, rootOpts.Config, newLogger(rootOpts.Config, cmd.ErrOrStderr()))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open node", err)
			}
			defer n.Close()

			if err := genesis.Apply(ctx, n.runtime, doc); err != nil {
				if errors.Is(err, genesis.ErrAlreadyApplied) {
					return WrapExitError(ExitCommandError, "database already has a genesis", err)
				}
				return WrapExitError(ExitFailure, "failed to apply genesis", err)
			}
			return rootOpts.formatter(cmd).Render(summary, func(w io.Writer) {
				fmt.Fprintf(w, "Applied genesis to %s\n", rootOpts.Config.DBPath)
				printGenesis(w, summary)
			})
		},
	}
}
