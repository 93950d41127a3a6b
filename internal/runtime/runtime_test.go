package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

var (
	alice = testutil.Keypair("alice")
	bob   = testutil.Keypair("bob")
)

const recordSpace = 16

var errNotAllowed = NewProgramError("NotAllowed", "not allowed")

type madeEvent struct {
	ID string `json:"id"`
}

func (madeEvent) EventName() string { return "Made" }

type payArgs struct {
	Amount uint64 `json:"amount"`
}

type recordArgs struct {
	ID string `json:"id"`
}

func recordAddr(ctx Context, id string) (ledger.Pubkey, error) {
	addr, _, err := ctx.Derive(ledger.Seed("rec", ctx.Payer().Bytes(), []byte(id)))
	return addr, err
}

func registerTestHandlers(rt *Runtime) {
	rt.Register("pay", func(ctx Context, raw json.RawMessage) error {
		var args payArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return NewFault(FaultMalformedTransaction, "%v", err)
		}
		from, err := ctx.Account("from")
		if err != nil {
			return err
		}
		to, err := ctx.Account("to")
		if err != nil {
			return err
		}
		return ctx.Transfer(from, to, args.Amount)
	})
	rt.Register("make", func(ctx Context, raw json.RawMessage) error {
		var args recordArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return NewFault(FaultMalformedTransaction, "%v", err)
		}
		addr, err := recordAddr(ctx, args.ID)
		if err != nil {
			return err
		}
		if err := ctx.Create(addr, store.KindTemplate, recordSpace, []byte(`{"id":"`+args.ID+`"}`)); err != nil {
			return err
		}
		return ctx.Emit(madeEvent{ID: args.ID})
	})
	rt.Register("make_then_fail", func(ctx Context, raw json.RawMessage) error {
		addr, err := recordAddr(ctx, "doomed")
		if err != nil {
			return err
		}
		if err := ctx.Create(addr, store.KindTemplate, recordSpace, []byte(`{}`)); err != nil {
			return err
		}
		if err := ctx.Emit(madeEvent{ID: "doomed"}); err != nil {
			return err
		}
		return errNotAllowed
	})
	rt.Register("take", func(ctx Context, raw json.RawMessage) error {
		var args recordArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return NewFault(FaultMalformedTransaction, "%v", err)
		}
		addr, err := recordAddr(ctx, args.ID)
		if err != nil {
			return err
		}
		if _, err := ctx.Load(addr, store.KindTemplate); err != nil {
			return err
		}
		return ctx.Destroy(addr)
	})
	rt.Register("explode", func(ctx Context, raw json.RawMessage) error {
		return errors.New("disk on fire")
	})
}

type testEnv struct {
	store   *store.Store
	rt      *Runtime
	clock   *testutil.ManualClock
	emitted []events.Envelope
	mu      sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &testEnv{store: s, clock: testutil.NewManualClock(1_700_000_000)}
	env.rt = env.newRuntime(t)

	fund(t, s, alice.Pubkey(), 10_000_000)
	fund(t, s, bob.Pubkey(), 10_000_000)
	return env
}

func (env *testEnv) newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), env.store, testutil.ProgramID,
		WithTimeSource(env.clock),
		WithRent(Rent{LamportsPerByte: 10}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithEmitter(events.EmitterFunc(func(e events.Envelope) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.emitted = append(env.emitted, e)
		})),
	)
	require.NoError(t, err)
	registerTestHandlers(rt)
	return rt
}

func fund(t *testing.T, s *store.Store, addr ledger.Pubkey, lamports uint64) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.CreateAccount(store.Account{
			Address:  addr,
			Lamports: lamports,
			Owner:    ledger.SystemProgram,
			Kind:     store.KindWallet,
		})
	}))
}

func balance(t *testing.T, s *store.Store, addr ledger.Pubkey) uint64 {
	t.Helper()
	acct, err := s.Account(context.Background(), addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return 0
	}
	require.NoError(t, err)
	return acct.Lamports
}

func signedTx(t *testing.T, payer *ledger.Keypair, instruction string, args any, accounts Accounts, signers ...*ledger.Keypair) *Transaction {
	t.Helper()
	tx, err := NewTransaction(payer.Pubkey(), instruction, args, accounts)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(append([]*ledger.Keypair{payer}, signers...)...))
	return tx
}

func TestApply_Transfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	carol := testutil.Pubkey("carol")

	tx := signedTx(t, alice, "pay", payArgs{Amount: 300}, Accounts{"from": alice.Pubkey(), "to": carol})
	receipt, err := env.rt.Apply(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, receipt.Status)
	assert.Equal(t, int64(1), receipt.Seq)
	assert.Equal(t, int64(1_700_000_000), receipt.AppliedAt)
	assert.Equal(t, uint64(10_000_000-300), balance(t, env.store, alice.Pubkey()))
	assert.Equal(t, uint64(300), balance(t, env.store, carol), "credit creates the wallet")

	rec, err := env.store.Transaction(ctx, receipt.TxID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOK, rec.Status)
	assert.Equal(t, "pay", rec.Instruction)

	decoded, err := DecodeTransaction(rec.Raw)
	require.NoError(t, err)
	id, err := decoded.ID()
	require.NoError(t, err)
	assert.Equal(t, receipt.TxID, id, "logged bytes reproduce the id")
}

func TestApply_RejectsWithoutLogging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unsigned, err := NewTransaction(alice.Pubkey(), "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()})
	require.NoError(t, err)

	tampered := signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()})
	tampered.Message.Args = json.RawMessage(`{"amount":1000}`)

	unknown := signedTx(t, alice, "mint", map[string]any{}, nil)

	noNonce := signedTx(t, alice, "pay", payArgs{Amount: 1}, nil)
	noNonce.Message.Nonce = ""

	tests := []struct {
		name string
		tx   *Transaction
		code FaultCode
	}{
		{"missing payer signature", unsigned, FaultMissingSignature},
		{"tampered message", tampered, FaultInvalidSignature},
		{"unknown instruction", unknown, FaultUnknownInstruction},
		{"missing nonce", noNonce, FaultMalformedTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt, err := env.rt.Apply(ctx, tt.tx)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, receipt.Status)
			assert.Equal(t, string(tt.code), receipt.Code())
			assert.Equal(t, ClassFault, receipt.Error.Class)
			assert.True(t, IsFault(receipt.Err(), tt.code))
		})
	}

	last, err := env.store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
	assert.Equal(t, int64(0), env.rt.Seq())
	assert.Equal(t, uint64(10_000_000), balance(t, env.store, alice.Pubkey()))
}

func TestApply_AlreadyProcessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := signedTx(t, alice, "pay", payArgs{Amount: 5}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()})

	first, err := env.rt.Apply(ctx, tx)
	require.NoError(t, err)
	require.True(t, first.OK())

	second, err := env.rt.Apply(ctx, tx.Clone())
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, second.Status)
	assert.Equal(t, string(FaultAlreadyProcessed), second.Code())
	assert.Equal(t, first.TxID, second.TxID)
	assert.Equal(t, uint64(10_000_000+5), balance(t, env.store, bob.Pubkey()))
}

func TestApply_FailedHandlerRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	receipt, err := env.rt.Apply(ctx, signedTx(t, alice, "make_then_fail", map[string]any{}, nil))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, receipt.Status)
	assert.Equal(t, "NotAllowed", receipt.Code())
	assert.Equal(t, ClassDomain, receipt.Error.Class)
	assert.ErrorIs(t, receipt.Err(), errNotAllowed)
	assert.Equal(t, int64(1), receipt.Seq, "failed transactions are logged")
	assert.Empty(t, receipt.Events)
	assert.Empty(t, env.emitted)

	// deposit was not charged, record does not exist
	assert.Equal(t, uint64(10_000_000), balance(t, env.store, alice.Pubkey()))
	accounts, err := env.store.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	rec, err := env.store.Transaction(ctx, receipt.TxID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "NotAllowed", rec.ErrorCode)
	assert.Equal(t, ClassDomain, rec.ErrorClass)

	evs, err := env.store.Events(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestApply_InfrastructureErrorAborts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.rt.Apply(ctx, signedTx(t, alice, "explode", map[string]any{}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	last, err := env.store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
	assert.Equal(t, int64(0), env.rt.Seq())
}

func TestRecordLifecycle_DepositAndEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	deposit := env.rt.Rent().For(recordSpace)

	made, err := env.rt.Apply(ctx, signedTx(t, alice, "make", recordArgs{ID: "r1"}, nil))
	require.NoError(t, err)
	require.True(t, made.OK(), made.Code())
	assert.Equal(t, uint64(10_000_000)-deposit, balance(t, env.store, alice.Pubkey()))

	require.Len(t, made.Events, 1)
	assert.Equal(t, "Made", made.Events[0].Name)
	assert.JSONEq(t, `{"id":"r1"}`, string(made.Events[0].Payload))
	require.Len(t, env.emitted, 1)
	assert.Equal(t, made.Events[0].ID, env.emitted[0].ID)

	again, err := env.rt.Apply(ctx, signedTx(t, alice, "make", recordArgs{ID: "r1"}, nil))
	require.NoError(t, err)
	assert.Equal(t, string(FaultAccountExists), again.Code())

	taken, err := env.rt.Apply(ctx, signedTx(t, alice, "take", recordArgs{ID: "r1"}, nil))
	require.NoError(t, err)
	require.True(t, taken.OK(), taken.Code())
	assert.Equal(t, uint64(10_000_000), balance(t, env.store, alice.Pubkey()), "deposit returned")

	gone, err := env.rt.Apply(ctx, signedTx(t, alice, "take", recordArgs{ID: "r1"}, nil))
	require.NoError(t, err)
	assert.Equal(t, string(FaultAccountNotFound), gone.Code())
}

func TestCreate_AbsorbsPrefundedAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addr, _, err := ledger.FindProgramAddress(ledger.Seed("rec", alice.Pubkey().Bytes(), []byte("r2")), testutil.ProgramID)
	require.NoError(t, err)

	pre, err := env.rt.Apply(ctx, signedTx(t, bob, "pay", payArgs{Amount: 77}, Accounts{"from": bob.Pubkey(), "to": addr}))
	require.NoError(t, err)
	require.True(t, pre.OK())

	made, err := env.rt.Apply(ctx, signedTx(t, alice, "make", recordArgs{ID: "r2"}, nil))
	require.NoError(t, err)
	require.True(t, made.OK(), made.Code())

	acct, err := env.store.Account(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, testutil.ProgramID, acct.Owner)
	assert.Equal(t, uint64(77), acct.Custody())
}

func TestTransfer_Authorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// alice pays for a transaction that debits bob without his signature
	steal, err := env.rt.Apply(ctx, signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": bob.Pubkey(), "to": alice.Pubkey()}))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, steal.Status)
	assert.Equal(t, string(FaultMissingSignature), steal.Code())

	// with bob's signature it goes through
	ok, err := env.rt.Apply(ctx, signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": bob.Pubkey(), "to": alice.Pubkey()}, bob))
	require.NoError(t, err)
	assert.True(t, ok.OK())

	broke, err := env.rt.Apply(ctx, signedTx(t, alice, "pay", payArgs{Amount: 20_000_000}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()}))
	require.NoError(t, err)
	assert.Equal(t, "InsufficientFunds", broke.Code())
	assert.ErrorIs(t, broke.Err(), ErrInsufficientFunds)

	missing, err := env.rt.Apply(ctx, signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey()}))
	require.NoError(t, err)
	assert.Equal(t, string(FaultMalformedTransaction), missing.Code())

	total, err := env.store.TotalLamports(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), total)
}

func TestNew_RestoresClock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := env.rt.Apply(ctx, signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()}))
		require.NoError(t, err)
		require.Equal(t, int64(i+1), r.Seq)
	}

	restarted := env.newRuntime(t)
	assert.Equal(t, int64(3), restarted.Seq())
	r, err := restarted.Apply(ctx, signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()}))
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.Seq)
}

func TestApplyAt_UsesGivenTime(t *testing.T) {
	env := newTestEnv(t)
	r, err := env.rt.ApplyAt(context.Background(), signedTx(t, alice, "make", recordArgs{ID: "x"}, nil), 42)
	require.NoError(t, err)
	require.True(t, r.OK())
	assert.Equal(t, int64(42), r.AppliedAt)
	assert.Equal(t, int64(42), r.Events[0].EmittedAt)
}

func TestBootstrap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.rt.Bootstrap(ctx, 1, Message{
		Payer:       alice.Pubkey(),
		Instruction: "make",
		Args:        json.RawMessage(`{"id":"boot"}`),
	})
	require.NoError(t, err)

	last, err := env.store.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last, "bootstrap is not logged")
	assert.Empty(t, env.emitted)

	err = env.rt.Bootstrap(ctx, 1, Message{Payer: alice.Pubkey(), Instruction: "make", Args: json.RawMessage(`{"id":"boot"}`)})
	assert.True(t, IsFault(err, FaultAccountExists))

	err = env.rt.Bootstrap(ctx, 1, Message{Payer: alice.Pubkey(), Instruction: "nope"})
	assert.True(t, IsFault(err, FaultUnknownInstruction))
}

func TestRun_SubmitSerializes(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.rt.Run(ctx) }()

	const n = 20
	txs := make([]*Transaction, n)
	for i := range txs {
		txs[i] = signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()})
	}

	var wg sync.WaitGroup
	seqs := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := env.rt.Submit(ctx, txs[i])
			if assert.NoError(t, err) {
				seqs[i] = r.Seq
			}
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, s := range seqs {
		seen[s] = true
	}
	assert.Len(t, seen, n, "every submission got its own seq")
	assert.Equal(t, uint64(10_000_000-n), balance(t, env.store, alice.Pubkey()))

	env.rt.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	_, err := env.rt.Submit(context.Background(), signedTx(t, alice, "pay", payArgs{Amount: 1}, Accounts{"from": alice.Pubkey(), "to": bob.Pubkey()}))
	assert.ErrorIs(t, err, ErrStopped)
}
