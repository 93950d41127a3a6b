package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cenwadike/dan/internal/config"
	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/metrics"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// Error codes reported in CLI responses for command errors. Receipt
// failures report the receipt's own code.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNotFound    = "E005" // Path or record not found
	ErrCodeInvalidArgs = "E006" // Flag or argument invalid
	ErrCodeStore       = "E007" // Database error
	ErrCodeGenesis     = "E100" // Genesis document invalid
)

// devKeyPrefix selects a key derived from a name instead of a file.
const devKeyPrefix = "name:"

// node is an opened store with a runtime over it and the emitters events
// are fanned out to.
type node struct {
	cfg       config.Config
	programID ledger.Pubkey
	store     *store.Store
	runtime   *runtime.Runtime
	templates *registry.Registry
	metrics   *metrics.Metrics
	bus       *events.Bus
	archive   *events.Archive
	logger    *slog.Logger
}

// openNode opens the configured store and builds a runtime over it. The
// metrics, bus and archive (when DAN_ARCHIVE_DIR is set) receive every
// committed event.
func openNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (*node, error) {
	programID, err := cfg.Program()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}

	n := &node{
		cfg:       cfg,
		programID: programID,
		store:     st,
		metrics:   metrics.New(),
		bus:       events.NewBus(),
		logger:    logger,
	}
	emitters := events.Multi{n.metrics, n.bus}
	if cfg.ArchiveDir != "" {
		n.archive = events.NewArchive(cfg.ArchiveDir, logger)
		emitters = append(emitters, n.archive)
	}

	n.runtime, err = program.New(ctx, st, programID,
		runtime.WithRent(runtime.Rent{LamportsPerByte: cfg.LamportsPerByte}),
		runtime.WithEmitter(emitters),
		runtime.WithObserver(n.metrics),
		runtime.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	n.templates, err = registry.NewRegistry(st, programID)
	if err != nil {
		st.Close()
		return nil, err
	}
	return n, nil
}

// Close flushes the archive and closes the store.
func (n *node) Close() error {
	var errs []error
	n.templates.Close()
	if n.archive != nil {
		errs = append(errs, n.archive.Close())
	}
	errs = append(errs, n.store.Close())
	return errors.Join(errs...)
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// loadKeypair reads the configured signing key.
func loadKeypair(ref string) (*ledger.Keypair, error) {
	if ref == "" {
		return nil, NewExitError(ExitCommandError, "a signing keypair is required (--keypair or DAN_KEYPAIR)")
	}
	if name, ok := strings.CutPrefix(ref, devKeyPrefix); ok && name != "" {
		return ledger.KeypairFromName(name), nil
	}
	kp, err := ledger.LoadKeypair(ref)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load keypair", err)
	}
	return kp, nil
}

// parsePubkey accepts a base58 key or name:SEED.
func parsePubkey(flag, s string) (ledger.Pubkey, error) {
	if name, ok := strings.CutPrefix(s, devKeyPrefix); ok && name != "" {
		return ledger.KeypairFromName(name).Pubkey(), nil
	}
	pk, err := ledger.ParsePubkey(s)
	if err != nil {
		return ledger.Pubkey{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s", flag), err)
	}
	return pk, nil
}

// requireFile fails with a command error when path does not exist.
func requireFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("not found: %s", path), err)
	}
	return nil
}
