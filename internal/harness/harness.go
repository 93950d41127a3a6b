package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cenwadike/dan/internal/genesis"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

// ProgramID is the program every scenario runs under.
var ProgramID = ledger.KeypairFromName("dan-program").Pubkey()

// Harness executes one scenario against a runtime with a manual clock.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	runtime  *runtime.Runtime
	clock    *testutil.ManualClock
	names    names
	logger   *slog.Logger
	supply   uint64
	nonce    int
}

// Run executes a scenario in a fresh store and returns its result.
//
// Execution flow:
//  1. Open a scratch store and a runtime with every instruction registered
//  2. Apply the scenario's genesis
//  3. Run setup steps, failing the run if one does not commit
//  4. Run flow steps, checking each receipt against its expect clause
//  5. Evaluate assertions and capture balances and the state digest
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "dan-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch store: %w", err)
	}
	defer st.Close()

	start := scenario.Start
	if start == 0 {
		start = DefaultStart
	}
	clock := testutil.NewManualClock(start)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rent := runtime.DefaultRent()
	if scenario.LamportsPerByte > 0 {
		rent = runtime.Rent{LamportsPerByte: scenario.LamportsPerByte}
	}
	rt, err := program.New(ctx, st, ProgramID,
		runtime.WithTimeSource(clock),
		runtime.WithRent(rent),
		runtime.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		store:    st,
		runtime:  rt,
		clock:    clock,
		names:    names{programID: ProgramID, start: start},
		logger:   logger,
	}
	if err := h.applyGenesis(ctx, start); err != nil {
		return nil, fmt.Errorf("failed to apply genesis: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		receipt, err := h.apply(ctx, step, result)
		if err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
		if !receipt.OK() {
			return nil, fmt.Errorf("setup step %d: %s %s: %v", i, step.Invoke, receipt.Status, receipt.Err())
		}
	}

	for i, step := range scenario.Flow {
		receipt, err := h.apply(ctx, step, result)
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
		h.check(i, step, receipt, result)
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, names: h.names, Supply: h.supply}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (h *Harness) applyGenesis(ctx context.Context, start int64) error {
	doc := &genesis.Document{Time: start, Wallets: []genesis.Wallet{}, Templates: []genesis.Template{}}
	for name, lamports := range h.scenario.Genesis.Wallets {
		doc.Wallets = append(doc.Wallets, genesis.Wallet{Address: h.names.keypair(name).Pubkey(), Lamports: lamports})
	}
	slices.SortFunc(doc.Wallets, func(a, b genesis.Wallet) int {
		return strings.Compare(a.Address.String(), b.Address.String())
	})
	for _, t := range h.scenario.Genesis.Templates {
		doc.Templates = append(doc.Templates, genesis.Template{
			ID:           t.ID,
			Creator:      h.names.keypair(t.Creator).Pubkey(),
			Name:         t.Name,
			BaseBehavior: t.BaseBehavior,
		})
	}
	slices.SortFunc(doc.Templates, func(a, b genesis.Template) int { return strings.Compare(a.ID, b.ID) })

	h.supply = doc.Supply()
	return genesis.Apply(ctx, h.runtime, doc)
}

// apply builds, signs and applies one step and records it in the trace.
func (h *Harness) apply(ctx context.Context, step Step, result *Result) (runtime.Receipt, error) {
	if step.Advance > 0 {
		h.clock.Advance(step.Advance)
	}
	args, err := h.names.expandMap(step.Args)
	if err != nil {
		return runtime.Receipt{}, fmt.Errorf("args: %w", err)
	}
	accounts := runtime.Accounts{}
	for role, ref := range step.Accounts {
		pk, err := h.names.account(ref)
		if err != nil {
			return runtime.Receipt{}, fmt.Errorf("accounts.%s: %w", role, err)
		}
		accounts[role] = pk
	}

	payer := h.names.keypair(step.Payer)
	tx, err := runtime.NewTransaction(payer.Pubkey(), step.Invoke, args, accounts)
	if err != nil {
		return runtime.Receipt{}, err
	}
	h.nonce++
	tx.Message.Nonce = fmt.Sprintf("%s/%d", h.scenario.Name, h.nonce)
	signers := []*ledger.Keypair{payer}
	for _, name := range step.Signers {
		signers = append(signers, h.names.keypair(name))
	}
	if err := tx.Sign(signers...); err != nil {
		return runtime.Receipt{}, err
	}

	receipt, err := h.runtime.Apply(ctx, tx)
	if err != nil {
		return runtime.Receipt{}, err
	}

	now := h.clock.Now()
	result.Trace = append(result.Trace, TraceEvent{
		Type:        TypeTransaction,
		Seq:         receipt.Seq,
		At:          now,
		Instruction: step.Invoke,
		Payer:       step.Payer,
		Args:        args,
		Status:      receipt.Status,
		Code:        receipt.Code(),
	})
	for _, env := range receipt.Events {
		var payload any
		dec := json.NewDecoder(bytes.NewReader(env.Payload))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return receipt, fmt.Errorf("event %s payload: %w", env.Name, err)
		}
		result.Trace = append(result.Trace, TraceEvent{
			Type:    TypeEvent,
			Seq:     env.Seq,
			At:      env.EmittedAt,
			Event:   env.Name,
			Payload: payload,
		})
	}

	h.logger.Info("scenario step applied",
		"instruction", step.Invoke,
		"payer", step.Payer,
		"status", receipt.Status,
		"code", receipt.Code(),
	)
	return receipt, nil
}

func (h *Harness) check(i int, step Step, receipt runtime.Receipt, result *Result) {
	want := Expect{Status: runtime.StatusOK}
	if step.Expect != nil {
		want = *step.Expect
	}
	if receipt.Status != want.Status || (want.Code != "" && receipt.Code() != want.Code) {
		got := receipt.Status
		if receipt.Error != nil {
			got += " " + receipt.Error.Code + " (" + receipt.Error.Message + ")"
		}
		expected := want.Status
		if want.Code != "" {
			expected += " " + want.Code
		}
		result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got %s", i, step.Invoke, expected, got))
	}
}

func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	for name := range h.scenario.Genesis.Wallets {
		acct, err := h.store.Account(ctx, h.names.keypair(name).Pubkey())
		if errors.Is(err, store.ErrAccountNotFound) {
			result.Balances[name] = 0
			continue
		}
		if err != nil {
			return err
		}
		result.Balances[name] = acct.Lamports
	}
	digest, err := h.store.StateDigest(ctx)
	if err != nil {
		return err
	}
	result.Digest = digest
	return nil
}
