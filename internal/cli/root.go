package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is loaded from DAN_* variables before any command runs.
	// Flags below override it.
	Config config.Config

	DBPath    string
	ProgramID string
	Keypair   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the dan CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dan",
		Short: "dan - hashed-timelock payment channels for NPC templates",
		Long: `A settlement runtime for hashed-timelock payment channels that pay
template royalties, plus the NPC memory and state records those templates
drive.

Configuration comes from DAN_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to SQLite database (overrides DAN_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.ProgramID, "program", "", "program id (overrides DAN_PROGRAM_ID)")
	cmd.PersistentFlags().StringVar(&opts.Keypair, "keypair", "", "signing keypair file, or name:SEED for a dev key (overrides DAN_KEYPAIR)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewGenesisCommand(opts))
	cmd.AddCommand(NewChannelCommand(opts))
	cmd.AddCommand(NewTemplateCommand(opts))
	cmd.AddCommand(NewNpcCommand(opts))
	cmd.AddCommand(NewTransferCommand(opts))
	cmd.AddCommand(NewAccountCommand(opts))
	cmd.AddCommand(NewKeeperCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewAddressCommand(opts))
	cmd.AddCommand(NewInstructionsCommand(opts))

	return cmd
}

// load reads the environment and applies flag overrides.
func (o *RootOptions) load() error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.ProgramID != "" {
		cfg.ProgramID = o.ProgramID
	}
	if o.Keypair != "" {
		cfg.Keypair = o.Keypair
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg
	return nil
}

// formatter returns an OutputFormatter bound to cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
