package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cenwadike/dan/internal/genesis"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Keep string
}

// ReplayDivergence is one logged transaction whose replayed outcome differs.
type ReplayDivergence struct {
	Seq      int64  `json:"seq"`
	TxID     string `json:"tx_id"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Transactions  int                `json:"transactions"`
	Divergences   []ReplayDivergence `json:"divergences"`
	SourceDigest  string             `json:"source_digest"`
	ReplayDigest  string             `json:"replay_digest"`
	Deterministic bool               `json:"deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the transaction log and verify it",
		Long: `Replay the recorded genesis and every logged transaction into a scratch
database, at the times they were originally applied, and verify that each
outcome and the final state digest match the source database.

Exit codes:
  0 - Replay reproduced the source exactly
  1 - An outcome or the final digest differs
  2 - Command error (database not found, no genesis, etc.)

Examples:
  dan replay --db ./dan.db
  dan replay --db ./dan.db --keep ./replayed.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Keep, "keep", "", "write the replayed database here instead of a temporary file")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	cfg := opts.Config

	if err := requireFile(cfg.DBPath); err != nil {
		return err
	}
	src, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer src.Close()

	doc, err := genesis.Recorded(ctx, src)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read genesis", err)
	}
	if doc == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s has no genesis", cfg.DBPath))
	}
	rent, ok, err := genesis.RecordedRent(ctx, src)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read rent", err)
	}
	if !ok {
		rent = runtime.Rent{LamportsPerByte: cfg.LamportsPerByte}
	}
	programID, err := cfg.Program()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid program id", err)
	}

	path := opts.Keep
	if path == "" {
		dir, err := os.MkdirTemp("", "dan-replay-*")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create scratch directory", err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "replay.db")
	}
	scratch, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open scratch database", err)
	}
	defer scratch.Close()

	rt, err := program.New(ctx, scratch, programID,
		runtime.WithRent(rent),
		runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create runtime", err)
	}
	if err := genesis.Apply(ctx, rt, doc); err != nil {
		return WrapExitError(ExitCommandError, "failed to apply genesis", err)
	}

	result, err := replayLog(ctx, src, rt)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	if result.SourceDigest, err = src.StateDigest(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to digest source", err)
	}
	if result.ReplayDigest, err = scratch.StateDigest(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to digest replay", err)
	}
	result.Deterministic = len(result.Divergences) == 0 && result.SourceDigest == result.ReplayDigest

	var failure *ResponseError
	if !result.Deterministic {
		failure = &ResponseError{Code: "E_DETERMINISM", Message: "replay diverged from the source database"}
	}
	if err := opts.formatter(cmd).Report(result, failure, func(w io.Writer) {
		writeReplayText(w, result, opts.Verbose)
	}); err != nil {
		return err
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

// replayLog applies every logged transaction of src to rt in seq order.
func replayLog(ctx context.Context, src *store.Store, rt *runtime.Runtime) (ReplayResult, error) {
	records, err := src.Transactions(ctx, 0, 0)
	if err != nil {
		return ReplayResult{}, err
	}
	result := ReplayResult{
		Transactions: len(records),
		Divergences:  []ReplayDivergence{},
	}
	for _, rec := range records {
		tx, err := runtime.DecodeTransaction(rec.Raw)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		receipt, err := rt.ApplyAt(ctx, tx, rec.AppliedAt)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		want := outcome(rec.Seq, rec.ID, rec.Status, rec.ErrorCode)
		got := outcome(receipt.Seq, receipt.TxID, receipt.Status, receipt.Code())
		if want != got {
			result.Divergences = append(result.Divergences, ReplayDivergence{
				Seq:      rec.Seq,
				TxID:     rec.ID,
				Expected: want,
				Actual:   got,
			})
		}
	}
	return result, nil
}

func outcome(seq int64, id, status, code string) string {
	if code == "" {
		return fmt.Sprintf("seq %d %s %s", seq, id, status)
	}
	return fmt.Sprintf("seq %d %s %s %s", seq, id, status, code)
}

// writeReplayText writes the replay result for humans.
func writeReplayText(w io.Writer, result ReplayResult, verbose bool) {
	fmt.Fprintf(w, "Replay Summary: %d transaction(s)\n", result.Transactions)
	if verbose {
		fmt.Fprintf(w, "  source digest: %s\n", result.SourceDigest)
		fmt.Fprintf(w, "  replay digest: %s\n", result.ReplayDigest)
	}
	for _, d := range result.Divergences {
		fmt.Fprintf(w, "✗ [%d] %s\n", d.Seq, d.TxID)
		fmt.Fprintf(w, "  expected: %s\n", d.Expected)
		fmt.Fprintf(w, "  actual:   %s\n", d.Actual)
	}
	if result.SourceDigest != result.ReplayDigest {
		fmt.Fprintln(w, "✗ Final state digest differs")
	}

	if result.Deterministic {
		fmt.Fprintln(w, "✓ Replay reproduced the source database")
		return
	}
	fmt.Fprintln(w, "✗ Replay verification failed")
}
