package channel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/runtime/runtimetest"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

var (
	owner   = testutil.Keypair("alice")
	counter = testutil.Keypair("bob")
	creator = testutil.Keypair("carol")
	mallory = testutil.Keypair("mallory")
)

const (
	startBalance uint64 = 1_000_000
	amount       uint64 = 1000
	timelock            = runtimetest.Start + 3600
)

type fixture struct {
	*runtimetest.Env
	addr ledger.Pubkey
}

type sendArgs struct {
	Amount uint64 `json:"amount"`
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := runtimetest.New(t)
	env.Runtime.Register("create_template", registry.HandleCreate)
	env.Runtime.Register("open_channel", HandleOpen)
	env.Runtime.Register("close_channel", HandleClose)
	env.Runtime.Register("claim_refund", HandleClaimRefund)
	env.Runtime.Register("send", func(ctx runtime.Context, raw json.RawMessage) error {
		args, err := runtime.DecodeArgs[sendArgs](raw)
		if err != nil {
			return err
		}
		to, err := ctx.Account("to")
		if err != nil {
			return err
		}
		return ctx.Transfer(ctx.Payer(), to, args.Amount)
	})
	for _, kp := range []*ledger.Keypair{owner, counter, creator, mallory} {
		env.Fund(kp.Pubkey(), startBalance)
	}
	env.MustApply(creator, "create_template", registry.CreateArgs{TemplateID: "default", Name: "Default"}, nil)

	addr, err := Address(testutil.ProgramID, owner.Pubkey(), "c1")
	require.NoError(t, err)
	return &fixture{Env: env, addr: addr}
}

func openArgs() OpenArgs {
	return OpenArgs{
		ChannelID:  "c1",
		Amount:     amount,
		Hashlock:   HashSecret([]byte("s1")),
		Timelock:   uint64(timelock),
		TemplateID: "default",
	}
}

func (f *fixture) open(t *testing.T) runtime.Receipt {
	t.Helper()
	return f.MustApply(owner, "open_channel", openArgs(), runtime.Accounts{"counter_party": counter.Pubkey()})
}

func (f *fixture) close(caller *ledger.Keypair, secret string, finalBalance uint64) runtime.Receipt {
	return f.Apply(caller, "close_channel",
		CloseArgs{ChannelID: "c1", Secret: Secret(secret), FinalBalance: finalBalance},
		runtime.Accounts{
			"owner":            owner.Pubkey(),
			"counter_party":    counter.Pubkey(),
			"template_creator": creator.Pubkey(),
		})
}

func (f *fixture) refund(caller *ledger.Keypair) runtime.Receipt {
	return f.Apply(caller, "claim_refund", RefundArgs{ChannelID: "c1"}, runtime.Accounts{"owner": owner.Pubkey()})
}

func (f *fixture) custody(t *testing.T) uint64 {
	t.Helper()
	acct, ok := f.Account(f.addr)
	require.True(t, ok, "channel record")
	return acct.Custody()
}

func (f *fixture) exists() bool {
	_, ok := f.Account(f.addr)
	return ok
}

func TestOpen_FundsCustody(t *testing.T) {
	f := newFixture(t)
	supply := f.Supply()

	receipt := f.open(t)

	acct, ok := f.Account(f.addr)
	require.True(t, ok)
	assert.Equal(t, store.KindChannel, acct.Kind)
	assert.Equal(t, f.Deposit(Space), acct.Deposit)
	assert.Equal(t, amount, acct.Custody())
	assert.Equal(t, startBalance-amount-f.Deposit(Space), f.Balance(owner.Pubkey()))
	assert.Equal(t, supply, f.Supply())

	var ch PaymentChannel
	require.NoError(t, json.Unmarshal(acct.Data, &ch))
	assert.Equal(t, owner.Pubkey(), ch.Owner)
	assert.Equal(t, counter.Pubkey(), ch.CounterParty)
	assert.Equal(t, creator.Pubkey(), ch.TemplateCreator, "royalty recipient captured from the template")
	assert.Equal(t, amount, ch.Balance)
	assert.Equal(t, uint64(timelock), ch.Timelock)

	require.Len(t, receipt.Events, 1)
	ev := receipt.Events[0]
	assert.Equal(t, "ChannelOpened", ev.Name)
	assert.Equal(t, "c1", ev.ChannelID)
	assert.Equal(t, owner.Pubkey().String(), ev.Owner)
	var opened ChannelOpened
	require.NoError(t, json.Unmarshal(ev.Payload, &opened))
	assert.Equal(t, HashSecret([]byte("s1")), opened.Hashlock)
}

// Scenario A.
func TestClose_Settles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t)
	supply := f.Supply()
	creatorBefore := f.Balance(creator.Pubkey())

	receipt := f.close(owner, "s1", 500)
	require.True(t, receipt.OK(), "%v", receipt.Error)

	assert.False(t, f.exists(), "record destroyed")
	assert.Equal(t, creatorBefore+100, f.Balance(creator.Pubkey()))
	assert.Equal(t, startBalance-amount+400, f.Balance(owner.Pubkey()), "fee plus returned deposit")
	assert.Equal(t, startBalance+500, f.Balance(counter.Pubkey()))
	assert.Equal(t, supply, f.Supply())

	require.Len(t, receipt.Events, 1)
	var closed ChannelClosed
	require.NoError(t, json.Unmarshal(receipt.Events[0].Payload, &closed))
	assert.Equal(t, ChannelClosed{
		ChannelID:       "c1",
		Owner:           owner.Pubkey(),
		Fee:             400,
		Royalty:         100,
		Refund:          500,
		TemplateCreator: creator.Pubkey(),
	}, closed)

	history, err := f.Store.Settlements(ctx, store.SettlementFilter{ChannelID: "c1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.SettlementClosed, history[0].Status)
	assert.Equal(t, amount, history[0].Custody)
	assert.Equal(t, uint64(100), history[0].Royalty)
	assert.Equal(t, receipt.TxID, history[0].TxID)
}

func TestClose_DepositGoesToCaller(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	receipt := f.close(counter, "s1", 500)
	require.True(t, receipt.OK(), "%v", receipt.Error)

	assert.Equal(t, startBalance-amount-f.Deposit(Space)+400, f.Balance(owner.Pubkey()))
	assert.Equal(t, startBalance+500+f.Deposit(Space), f.Balance(counter.Pubkey()))
}

func TestClose_ZeroAndFullFinalBalance(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		f := newFixture(t)
		f.open(t)
		require.True(t, f.close(owner, "s1", 0).OK())
		assert.Equal(t, startBalance+amount, f.Balance(counter.Pubkey()))
	})
	t.Run("full", func(t *testing.T) {
		f := newFixture(t)
		f.open(t)
		creatorBefore := f.Balance(creator.Pubkey())
		require.True(t, f.close(owner, "s1", amount).OK())
		assert.Equal(t, startBalance, f.Balance(counter.Pubkey()))
		assert.Equal(t, creatorBefore+200, f.Balance(creator.Pubkey()))
	})
}

// Scenario B.
func TestClose_WrongSecret(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	receipt := f.close(owner, "wrong", 500)
	assert.Equal(t, runtime.StatusFailed, receipt.Status)
	assert.ErrorIs(t, receipt.Err(), ErrInvalidSecret)
	assert.Equal(t, runtime.ClassDomain, receipt.Error.Class)
	assert.Equal(t, amount, f.custody(t))
}

func TestClose_SecretLength(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	assert.Equal(t, runtime.ErrInvalidArgument.Code, f.close(owner, "", 500).Code())
	long := string(make([]byte, MaxSecretLen+1))
	assert.Equal(t, runtime.ErrInvalidArgument.Code, f.close(owner, long, 500).Code())
	assert.True(t, f.exists())
}

// Scenario F.
func TestClose_FinalBalanceExceedsCustody(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	counterBefore := f.Balance(counter.Pubkey())

	receipt := f.close(owner, "s1", amount+1)
	assert.ErrorIs(t, receipt.Err(), runtime.ErrInsufficientFunds)
	assert.Equal(t, amount, f.custody(t))
	assert.Equal(t, counterBefore, f.Balance(counter.Pubkey()))
}

func TestClose_AtTimelockExpired(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	f.Clock.Set(timelock - 1)
	// probe the boundary without settling: a wrong secret still reports
	// the secret, so the timelock check passed
	assert.ErrorIs(t, f.close(owner, "wrong", 500).Err(), ErrInvalidSecret)

	f.Clock.Set(timelock)
	receipt := f.close(owner, "s1", 500)
	assert.ErrorIs(t, receipt.Err(), ErrTimelockExpired)
	assert.True(t, f.exists())
}

func TestClose_TimelockCheckedBeforeSecret(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.Clock.Set(timelock + 10)

	assert.ErrorIs(t, f.close(owner, "wrong", 500).Err(), ErrTimelockExpired)
}

func TestClose_WrongParties(t *testing.T) {
	tests := []struct {
		name     string
		accounts runtime.Accounts
		want     error
	}{
		{
			name: "counter party",
			accounts: runtime.Accounts{
				"owner":            owner.Pubkey(),
				"counter_party":    mallory.Pubkey(),
				"template_creator": creator.Pubkey(),
			},
			want: ErrWrongChannelCounterParty,
		},
		{
			name: "template creator",
			accounts: runtime.Accounts{
				"owner":            owner.Pubkey(),
				"counter_party":    counter.Pubkey(),
				"template_creator": mallory.Pubkey(),
			},
			want: ErrWrongTemplateCreator,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.open(t)
			receipt := f.Apply(mallory, "close_channel", CloseArgs{ChannelID: "c1", Secret: Secret("s1"), FinalBalance: 500}, tt.accounts)
			assert.ErrorIs(t, receipt.Err(), tt.want)
			assert.Equal(t, amount, f.custody(t))
		})
	}
}

func TestClose_OwnerAddressesTheChannel(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	receipt := f.Apply(owner, "close_channel", CloseArgs{ChannelID: "c1", Secret: Secret("s1"), FinalBalance: 500},
		runtime.Accounts{
			"owner":            mallory.Pubkey(),
			"counter_party":    counter.Pubkey(),
			"template_creator": creator.Pubkey(),
		})
	assert.Equal(t, string(runtime.FaultAccountNotFound), receipt.Code())
	assert.True(t, f.exists())
}

// Scenario C.
func TestRefund_BeforeTimelock(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.Clock.Set(timelock - 1)

	receipt := f.refund(counter)
	assert.ErrorIs(t, receipt.Err(), ErrTimelockNotExpired)
	assert.Equal(t, amount, f.custody(t))
}

// Scenario D.
func TestRefund_AtTimelock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t)
	supply := f.Supply()
	f.Clock.Set(timelock)

	receipt := f.refund(counter)
	require.True(t, receipt.OK(), "%v", receipt.Error)

	assert.False(t, f.exists())
	assert.Equal(t, startBalance+amount+f.Deposit(Space), f.Balance(counter.Pubkey()))
	assert.Equal(t, supply, f.Supply())

	var ev RefundClaimed
	require.NoError(t, json.Unmarshal(receipt.Events[0].Payload, &ev))
	assert.Equal(t, RefundClaimed{ChannelID: "c1", Owner: owner.Pubkey(), Amount: amount}, ev)

	history, err := f.Store.Settlements(ctx, store.SettlementFilter{Status: store.SettlementRefunded})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, amount, history[0].Refund)
}

func TestRefund_OnlyCounterParty(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.Clock.Set(timelock)

	for _, kp := range []*ledger.Keypair{owner, creator, mallory} {
		receipt := f.refund(kp)
		assert.ErrorIs(t, receipt.Err(), ErrWrongChannelCounterParty)
	}
	assert.Equal(t, amount, f.custody(t))
}

func TestSettlesExactlyOnce(t *testing.T) {
	t.Run("close then refund", func(t *testing.T) {
		f := newFixture(t)
		f.open(t)
		require.True(t, f.close(owner, "s1", 500).OK())
		f.Clock.Set(timelock)
		assert.Equal(t, string(runtime.FaultAccountNotFound), f.refund(counter).Code())
	})
	t.Run("refund then close", func(t *testing.T) {
		f := newFixture(t)
		f.open(t)
		f.Clock.Set(timelock)
		require.True(t, f.refund(counter).OK())
		f.Clock.Set(timelock - 1)
		assert.Equal(t, string(runtime.FaultAccountNotFound), f.close(owner, "s1", 500).Code())
	})
	t.Run("refund twice", func(t *testing.T) {
		f := newFixture(t)
		f.open(t)
		f.Clock.Set(timelock)
		require.True(t, f.refund(counter).OK())
		assert.Equal(t, string(runtime.FaultAccountNotFound), f.refund(counter).Code())
	})
}

func TestReopenAfterSettlement(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	require.True(t, f.close(owner, "s1", 500).OK())

	f.open(t)
	assert.Equal(t, amount, f.custody(t))
}

// Scenario E.
func TestOpen_ZeroAmount(t *testing.T) {
	f := newFixture(t)
	args := openArgs()
	args.Amount = 0

	receipt := f.Apply(owner, "open_channel", args, runtime.Accounts{"counter_party": counter.Pubkey()})
	assert.ErrorIs(t, receipt.Err(), runtime.ErrInsufficientFunds)
	assert.False(t, f.exists())
}

func TestOpen_Failures(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.open(t)
		receipt := f.Apply(owner, "open_channel", openArgs(), runtime.Accounts{"counter_party": counter.Pubkey()})
		assert.Equal(t, string(runtime.FaultAccountExists), receipt.Code())
		assert.Equal(t, amount, f.custody(t))
	})
	t.Run("unknown template", func(t *testing.T) {
		f := newFixture(t)
		args := openArgs()
		args.TemplateID = "nope"
		receipt := f.Apply(owner, "open_channel", args, runtime.Accounts{"counter_party": counter.Pubkey()})
		assert.Equal(t, string(runtime.FaultAccountNotFound), receipt.Code())
	})
	t.Run("missing counter party", func(t *testing.T) {
		f := newFixture(t)
		receipt := f.Apply(owner, "open_channel", openArgs(), nil)
		assert.Equal(t, string(runtime.FaultMalformedTransaction), receipt.Code())
	})
	t.Run("owner did not sign", func(t *testing.T) {
		f := newFixture(t)
		receipt := f.Apply(mallory, "open_channel", openArgs(), runtime.Accounts{
			"owner":         owner.Pubkey(),
			"counter_party": counter.Pubkey(),
		})
		assert.Equal(t, string(runtime.FaultMissingSignature), receipt.Code())
		assert.Equal(t, startBalance, f.Balance(owner.Pubkey()))
	})
	t.Run("cannot cover amount and deposit", func(t *testing.T) {
		f := newFixture(t)
		dave := testutil.Keypair("dave")
		f.Fund(dave.Pubkey(), f.Deposit(Space)+amount-1)
		receipt := f.Apply(dave, "open_channel", openArgs(), runtime.Accounts{"counter_party": counter.Pubkey()})
		assert.ErrorIs(t, receipt.Err(), runtime.ErrInsufficientFunds)
		assert.Equal(t, f.Deposit(Space)+amount-1, f.Balance(dave.Pubkey()), "deposit rolled back")
	})
}

func TestExternalTransferIsSettled(t *testing.T) {
	f := newFixture(t)
	f.open(t)
	f.MustApply(mallory, "send", sendArgs{Amount: 200}, runtime.Accounts{"to": f.addr})
	require.Equal(t, amount+200, f.custody(t))

	require.True(t, f.close(owner, "s1", 500).OK())
	assert.Equal(t, startBalance+700, f.Balance(counter.Pubkey()), "live custody is refunded")
}

func TestPrefundedAddressBecomesCustody(t *testing.T) {
	f := newFixture(t)
	f.MustApply(mallory, "send", sendArgs{Amount: 50}, runtime.Accounts{"to": f.addr})

	f.open(t)
	assert.Equal(t, amount+50, f.custody(t))

	f.Clock.Set(timelock)
	require.True(t, f.refund(counter).OK())
	assert.Equal(t, startBalance+amount+50+f.Deposit(Space), f.Balance(counter.Pubkey()))
}

func TestSplit(t *testing.T) {
	tests := []struct {
		custody, final uint64
		want           Payout
	}{
		{1000, 500, Payout{Royalty: 100, Fee: 400, Refund: 500}},
		{1000, 0, Payout{Refund: 1000}},
		{1000, 1000, Payout{Royalty: 200, Fee: 800}},
		{10, 4, Payout{Royalty: 0, Fee: 4, Refund: 6}},
		{10, 9, Payout{Royalty: 1, Fee: 8, Refund: 1}},
	}
	for _, tt := range tests {
		got, err := Split(tt.custody, tt.final)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.custody, got.Total())
	}

	_, err := Split(10, 11)
	assert.ErrorIs(t, err, runtime.ErrInsufficientFunds)
}

func TestHash_Text(t *testing.T) {
	h := HashSecret([]byte("s1"))
	data, err := json.Marshal(h)
	require.NoError(t, err)

	var back Hash
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, h, back)
	assert.True(t, back.Matches([]byte("s1")))
	assert.False(t, back.Matches([]byte("s2")))

	assert.Error(t, back.UnmarshalText([]byte("abcd")))
}

func TestSecret_Text(t *testing.T) {
	data, err := json.Marshal(CloseArgs{ChannelID: "c1", Secret: Secret("s1")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel_id":"c1","secret":"7331","final_balance":0}`, string(data))
}
