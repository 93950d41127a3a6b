package program

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/runtime/runtimetest"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

var (
	alice = testutil.Keypair("alice")
	bob   = testutil.Keypair("bob")
	carol = testutil.Keypair("carol")
)

func newEnv(t *testing.T) *runtimetest.Env {
	t.Helper()
	env := runtimetest.New(t)
	Register(env.Runtime)
	for _, kp := range []*ledger.Keypair{alice, bob, carol} {
		env.Fund(kp.Pubkey(), 1_000_000)
	}
	return env
}

func TestInstructions_Sorted(t *testing.T) {
	var names []string
	for _, in := range Instructions() {
		names = append(names, in.Name)
		assert.NotNil(t, in.Handler, in.Name)
	}
	assert.Equal(t, []string{ClaimRefund, CloseChannel, CreateTemplate, InitNpc, OpenChannel, Transfer, UpdateNpc}, names)

	_, ok := Lookup(OpenChannel)
	assert.True(t, ok)
	_, ok = Lookup("initialize")
	assert.False(t, ok)
}

func TestTransfer(t *testing.T) {
	env := newEnv(t)
	dave := testutil.Pubkey("dave")

	env.MustApply(alice, Transfer, TransferArgs{Amount: 250}, runtime.Accounts{"from": alice.Pubkey(), "to": dave})
	assert.Equal(t, uint64(250), env.Balance(dave))
	assert.Equal(t, uint64(1_000_000-250), env.Balance(alice.Pubkey()))

	receipt := env.Apply(alice, Transfer, TransferArgs{Amount: 1}, runtime.Accounts{"from": bob.Pubkey(), "to": dave})
	assert.Equal(t, string(runtime.FaultMissingSignature), receipt.Code())

	receipt = env.Apply(alice, Transfer, TransferArgs{Amount: 2_000_000}, runtime.Accounts{"from": alice.Pubkey(), "to": dave})
	assert.ErrorIs(t, receipt.Err(), runtime.ErrInsufficientFunds)

	receipt = env.Apply(alice, Transfer, TransferArgs{}, runtime.Accounts{"from": alice.Pubkey(), "to": dave})
	assert.ErrorIs(t, receipt.Err(), runtime.ErrInsufficientFunds)
}

func TestTransfer_CannotDrainChannel(t *testing.T) {
	env := newEnv(t)
	env.MustApply(carol, CreateTemplate, registry.CreateArgs{TemplateID: "default"}, nil)
	env.MustApply(alice, OpenChannel, channel.OpenArgs{
		ChannelID:  "c1",
		Amount:     1000,
		Hashlock:   channel.HashSecret([]byte("s1")),
		Timelock:   uint64(runtimetest.Start + 60),
		TemplateID: "default",
	}, runtime.Accounts{"counter_party": bob.Pubkey()})
	addr, err := channel.Address(testutil.ProgramID, alice.Pubkey(), "c1")
	require.NoError(t, err)

	receipt := env.Apply(bob, Transfer, TransferArgs{Amount: 1000}, runtime.Accounts{"from": addr, "to": bob.Pubkey()})
	assert.Equal(t, string(runtime.FaultMissingSignature), receipt.Code())
	acct, ok := env.Account(addr)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), acct.Custody())
}

func TestFullFlow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	supply := env.Supply()

	env.MustApply(carol, CreateTemplate, registry.CreateArgs{TemplateID: "merchant", Name: "Merchant", BaseBehavior: "haggles"}, nil)
	env.MustApply(bob, InitNpc, npc.InitArgs{NpcID: "n1", GameID: "g1", TemplateID: "merchant"}, nil)
	env.MustApply(bob, UpdateNpc, npc.UpdateArgs{NpcID: "n1", GameID: "g1", Action: "greet", Dialogue: "hi", Behavior: "calm"},
		runtime.Accounts{"creator": bob.Pubkey()})
	env.MustApply(alice, OpenChannel, channel.OpenArgs{
		ChannelID:  "c1",
		Amount:     5000,
		Hashlock:   channel.HashSecret([]byte("open sesame")),
		Timelock:   uint64(runtimetest.Start + 3600),
		TemplateID: "merchant",
	}, runtime.Accounts{"counter_party": bob.Pubkey()})

	digestOpen, err := env.Store.StateDigest(ctx)
	require.NoError(t, err)

	env.MustApply(bob, CloseChannel, channel.CloseArgs{ChannelID: "c1", Secret: channel.Secret("open sesame"), FinalBalance: 3000},
		runtime.Accounts{"owner": alice.Pubkey(), "counter_party": bob.Pubkey(), "template_creator": carol.Pubkey()})

	digestClosed, err := env.Store.StateDigest(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, digestOpen, digestClosed)
	assert.Equal(t, supply, env.Supply())

	evs, err := env.Store.Events(ctx, store.EventFilter{ChannelID: "c1"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "ChannelOpened", evs[0].Name)
	assert.Equal(t, "ChannelClosed", evs[1].Name)

	names := make([]string, 0)
	for _, e := range env.Emitted() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"TemplateCreated", "NpcInitialized", "NpcUpdated", "ChannelOpened", "ChannelClosed"}, names)
}

// TestConservation drives random opens, closes, refunds and transfers and
// checks that no lamports appear or vanish and no channel settles twice.
func TestConservation(t *testing.T) {
	env := newEnv(t)
	rng := rand.New(rand.NewSource(7))
	parties := []*ledger.Keypair{alice, bob, carol}
	env.MustApply(carol, CreateTemplate, registry.CreateArgs{TemplateID: "t"}, nil)
	supply := env.Supply()

	type open struct {
		owner, counter *ledger.Keypair
		id             string
		timelock       int64
	}
	var live []open
	settled := map[string]int{}

	for i := 0; i < 60; i++ {
		env.Clock.Advance(int64(rng.Intn(30)))
		switch op := rng.Intn(4); {
		case op == 0 || len(live) == 0:
			o := open{
				owner:    parties[rng.Intn(len(parties))],
				counter:  parties[rng.Intn(len(parties))],
				id:       fmt.Sprintf("c%d", i),
				timelock: env.Clock.Now() + int64(rng.Intn(60)),
			}
			receipt := env.Apply(o.owner, OpenChannel, channel.OpenArgs{
				ChannelID:  o.id,
				Amount:     uint64(1 + rng.Intn(5000)),
				Hashlock:   channel.HashSecret([]byte(o.id)),
				Timelock:   uint64(o.timelock),
				TemplateID: "t",
			}, runtime.Accounts{"counter_party": o.counter.Pubkey()})
			if receipt.OK() {
				live = append(live, o)
			}
		case op == 1:
			o := live[rng.Intn(len(live))]
			receipt := env.Apply(o.counter, CloseChannel, channel.CloseArgs{
				ChannelID:    o.id,
				Secret:       channel.Secret(o.id),
				FinalBalance: uint64(rng.Intn(3000)),
			}, runtime.Accounts{"owner": o.owner.Pubkey(), "counter_party": o.counter.Pubkey(), "template_creator": carol.Pubkey()})
			if receipt.OK() {
				settled[o.owner.Pubkey().String()+o.id]++
				assert.Less(t, env.Clock.Now(), o.timelock)
			}
		case op == 2:
			o := live[rng.Intn(len(live))]
			receipt := env.Apply(o.counter, ClaimRefund, channel.RefundArgs{ChannelID: o.id},
				runtime.Accounts{"owner": o.owner.Pubkey()})
			if receipt.OK() {
				settled[o.owner.Pubkey().String()+o.id]++
				assert.GreaterOrEqual(t, env.Clock.Now(), o.timelock)
			}
		default:
			from := parties[rng.Intn(len(parties))]
			to := parties[rng.Intn(len(parties))]
			env.Apply(from, Transfer, TransferArgs{Amount: uint64(1 + rng.Intn(100))},
				runtime.Accounts{"from": from.Pubkey(), "to": to.Pubkey()})
		}
		require.Equal(t, supply, env.Supply(), "step %d", i)
	}

	for key, n := range settled {
		assert.Equal(t, 1, n, key)
	}
}
