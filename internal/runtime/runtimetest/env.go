// Package runtimetest runs instruction handlers against a real store in
// tests.
package runtimetest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

// Start is the clock reading every Env begins at.
const Start int64 = 1_700_000_000

// LamportsPerByte keeps deposits small enough to read in assertions.
const LamportsPerByte = 10

// Env is a runtime over a temp-dir store with a manual clock.
type Env struct {
	t       testing.TB
	Store   *store.Store
	Runtime *runtime.Runtime
	Clock   *testutil.ManualClock

	mu      sync.Mutex
	emitted []events.Envelope
}

// New opens a fresh store and runtime. Handlers are registered by the caller.
func New(t testing.TB, opts ...runtime.Option) *Env {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &Env{t: t, Store: s, Clock: testutil.NewManualClock(Start)}
	base := []runtime.Option{
		runtime.WithTimeSource(env.Clock),
		runtime.WithRent(runtime.Rent{LamportsPerByte: LamportsPerByte}),
		runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		runtime.WithEmitter(events.EmitterFunc(func(e events.Envelope) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.emitted = append(env.emitted, e)
		})),
	}
	rt, err := runtime.New(context.Background(), s, testutil.ProgramID, append(base, opts...)...)
	require.NoError(t, err)
	env.Runtime = rt
	return env
}

// Deposit returns the deposit of a record with the given space.
func (e *Env) Deposit(space int) uint64 {
	return e.Runtime.Rent().For(space)
}

// Fund creates a wallet holding lamports.
func (e *Env) Fund(addr ledger.Pubkey, lamports uint64) {
	e.t.Helper()
	require.NoError(e.t, e.Store.Update(context.Background(), func(tx *store.Tx) error {
		return tx.CreateAccount(store.Account{
			Address:  addr,
			Lamports: lamports,
			Owner:    ledger.SystemProgram,
			Kind:     store.KindWallet,
		})
	}))
}

// Balance returns the lamports at addr, 0 when nothing lives there.
func (e *Env) Balance(addr ledger.Pubkey) uint64 {
	e.t.Helper()
	acct, ok := e.Account(addr)
	if !ok {
		return 0
	}
	return acct.Lamports
}

// Account returns the account at addr if there is one.
func (e *Env) Account(addr ledger.Pubkey) (store.Account, bool) {
	e.t.Helper()
	acct, err := e.Store.Account(context.Background(), addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return store.Account{}, false
	}
	require.NoError(e.t, err)
	return acct, true
}

// Supply returns the sum of all balances.
func (e *Env) Supply() uint64 {
	e.t.Helper()
	total, err := e.Store.TotalLamports(context.Background())
	require.NoError(e.t, err)
	return total
}

// Tx builds a transaction signed by payer and any extra signers.
func (e *Env) Tx(payer *ledger.Keypair, instruction string, args any, accounts runtime.Accounts, signers ...*ledger.Keypair) *runtime.Transaction {
	e.t.Helper()
	tx, err := runtime.NewTransaction(payer.Pubkey(), instruction, args, accounts)
	require.NoError(e.t, err)
	require.NoError(e.t, tx.Sign(append([]*ledger.Keypair{payer}, signers...)...))
	return tx
}

// Apply signs and applies one instruction and returns its receipt.
func (e *Env) Apply(payer *ledger.Keypair, instruction string, args any, accounts runtime.Accounts, signers ...*ledger.Keypair) runtime.Receipt {
	e.t.Helper()
	receipt, err := e.Runtime.Apply(context.Background(), e.Tx(payer, instruction, args, accounts, signers...))
	require.NoError(e.t, err)
	return receipt
}

// MustApply is Apply that fails the test unless the receipt is ok.
func (e *Env) MustApply(payer *ledger.Keypair, instruction string, args any, accounts runtime.Accounts, signers ...*ledger.Keypair) runtime.Receipt {
	e.t.Helper()
	receipt := e.Apply(payer, instruction, args, accounts, signers...)
	require.True(e.t, receipt.OK(), "%s: %s %v", instruction, receipt.Status, receipt.Error)
	return receipt
}

// Emitted returns the envelopes delivered so far.
func (e *Env) Emitted() []events.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Envelope(nil), e.emitted...)
}
