package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cenwadike/dan/internal/api"
	"github.com/cenwadike/dan/internal/keeper"
	"github.com/cenwadike/dan/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Keeper bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime and the HTTP gateway",
		Long: `Start the single-writer runtime loop and the HTTP gateway over the
configured database. The database must already hold a genesis.

With --keeper the node also runs the channel keeper, signing with the
configured keypair and sweeping aged channels every DAN_KEEPER_INTERVAL.

Example:
  dan serve --db ./dan.db --listen 127.0.0.1:8899
  DAN_KEYPAIR=./operator.json dan serve --keeper`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "gateway address (overrides DAN_LISTEN_ADDR)")
	cmd.Flags().BoolVar(&opts.Keeper, "keeper", false, "run the channel keeper")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "dan", cfg.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	n, err := openNode(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open node", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("error closing node", "error", err)
		}
	}()

	gateway, err := api.New(api.Options{
		Submitter: n.runtime,
		Store:     n.store,
		ProgramID: n.programID,
		Templates: n.templates,
		Bus:       n.bus,
		Metrics:   n.metrics.Handler(),
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create gateway", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.runtime.Run(gctx)
	})
	g.Go(func() error {
		return gateway.ListenAndServe(gctx, cfg.ListenAddr)
	})
	if opts.Keeper {
		kp, err := loadKeypair(cfg.Keypair)
		if err != nil {
			return err
		}
		k := keeper.New(n.store, n.programID, kp, n.runtime, keeperConfig(cfg),
			keeper.WithLogger(logger),
			keeper.WithRecorder(n.metrics),
		)
		logger.Info("keeper enabled", "operator", k.Pubkey().String(), "interval", k.Config().Interval)
		g.Go(func() error {
			return k.Run(gctx)
		})
	}

	logger.Info("node starting", "db", cfg.DBPath, "listen", cfg.ListenAddr, "program_id", n.programID.String())
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s. Press Ctrl-C to stop.\n", cfg.ListenAddr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "node error", err)
	}
	logger.Info("node stopped gracefully")
	return nil
}
