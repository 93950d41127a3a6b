package keeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/runtime/runtimetest"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/testutil"
)

var (
	operator = testutil.Keypair("keeper")
	player   = testutil.Keypair("bob")
	creator  = testutil.Keypair("carol")
	mallory  = testutil.Keypair("mallory")
)

const funds uint64 = 1_000_000

type recorder struct {
	mu      sync.Mutex
	charged uint64
	open    int
}

func (r *recorder) KeeperCharged(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charged += n
}

func (r *recorder) KeeperOpenChannels(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = n
}

type fixture struct {
	*runtimetest.Env
	keeper *Keeper
	rec    *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	env := runtimetest.New(t)
	program.Register(env.Runtime)
	for _, kp := range []*ledger.Keypair{operator, player, creator, mallory} {
		env.Fund(kp.Pubkey(), funds)
	}
	env.MustApply(creator, program.CreateTemplate, registry.CreateArgs{
		TemplateID:   "default",
		Name:         "Default",
		BaseBehavior: "idle",
	}, nil)

	rec := &recorder{}
	k := New(env.Store, testutil.ProgramID, operator, runtime.SubmitFunc(env.Runtime.Apply), cfg,
		WithTimeSource(env.Clock),
		WithRecorder(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &fixture{Env: env, keeper: k, rec: rec}
}

func (f *fixture) channelAddr(t *testing.T, id string) ledger.Pubkey {
	t.Helper()
	addr, err := channel.Address(testutil.ProgramID, operator.Pubkey(), id)
	require.NoError(t, err)
	return addr
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTemplate, cfg.Template)
	assert.Equal(t, DefaultTimelock, cfg.Timelock)
	assert.Equal(t, DefaultMaxAge, cfg.MaxAge)
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, uint64(DefaultCharge), cfg.Charge)
}

func TestOpen_FundsChannel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)

	assert.Len(t, kc.ChannelID, 32)
	assert.Equal(t, operator.Pubkey(), kc.Owner)
	assert.Equal(t, player.Pubkey(), kc.CounterParty)
	assert.Equal(t, runtimetest.Start, kc.OpenedAt)
	assert.Equal(t, runtimetest.Start+int64(DefaultTimelock.Seconds()), kc.Timelock)

	stored, err := f.Store.KeeperChannel(ctx, kc.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperOpen, stored.Status)
	assert.Equal(t, uint64(5000), stored.Amount)

	deposit := f.Deposit(channel.Space)
	assert.Equal(t, deposit+5000, f.Balance(f.channelAddr(t, kc.ChannelID)))
	assert.Equal(t, funds-deposit-5000, f.Balance(operator.Pubkey()))

	secret, err := channel.ParseSecret(kc.Secret)
	require.NoError(t, err)
	assert.Len(t, []byte(secret), 32)
}

func TestOpen_ZeroAmountFails(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.keeper.Open(context.Background(), player.Pubkey(), 0)
	assert.ErrorIs(t, err, runtime.ErrInsufficientFunds)

	open, err := f.Store.OpenKeeperChannels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestOpen_DistinctIDs(t *testing.T) {
	f := newFixture(t, Config{})
	a, err := f.keeper.Open(context.Background(), player.Pubkey(), 2000)
	require.NoError(t, err)
	b, err := f.keeper.Open(context.Background(), player.Pubkey(), 2000)
	require.NoError(t, err)
	assert.NotEqual(t, a.ChannelID, b.ChannelID)
	assert.NotEqual(t, a.Secret, b.Secret)
}

func TestCharge(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 2500)
	require.NoError(t, err)

	spent, err := f.keeper.Charge(ctx, player.Pubkey(), kc.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), spent)

	spent, err = f.keeper.Charge(ctx, player.Pubkey(), kc.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), spent)

	_, err = f.keeper.Charge(ctx, player.Pubkey(), kc.ChannelID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, uint64(2000), f.rec.charged)
}

func TestCharge_OtherCounterParty(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)

	_, err = f.keeper.Charge(ctx, mallory.Pubkey(), kc.ChannelID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCharge_UnknownChannel(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.keeper.Charge(context.Background(), player.Pubkey(), "missing")
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestClose_SettlesSpend(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)
	for range 2 {
		_, err := f.keeper.Charge(ctx, player.Pubkey(), kc.ChannelID)
		require.NoError(t, err)
	}

	operatorBefore := f.Balance(operator.Pubkey())
	playerBefore := f.Balance(player.Pubkey())
	creatorBefore := f.Balance(creator.Pubkey())
	deposit := f.Deposit(channel.Space)

	receipt, err := f.keeper.Close(ctx, kc.ChannelID)
	require.NoError(t, err)
	assert.True(t, receipt.OK())

	// final balance 2000: royalty 400, fee 1600, refund 3000
	assert.Equal(t, creatorBefore+400, f.Balance(creator.Pubkey()))
	assert.Equal(t, operatorBefore+1600+deposit, f.Balance(operator.Pubkey()))
	assert.Equal(t, playerBefore+3000, f.Balance(player.Pubkey()))
	_, exists := f.Account(f.channelAddr(t, kc.ChannelID))
	assert.False(t, exists)

	stored, err := f.Store.KeeperChannel(ctx, kc.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperClosed, stored.Status)

	_, err = f.keeper.Close(ctx, kc.ChannelID)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = f.keeper.Charge(ctx, player.Pubkey(), kc.ChannelID)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestClose_AfterTimelockMarksFailed(t *testing.T) {
	f := newFixture(t, Config{Timelock: 3600 * 1e9})
	ctx := context.Background()
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)

	f.Clock.Advance(3600)
	receipt, err := f.keeper.Close(ctx, kc.ChannelID)
	require.Error(t, err)
	assert.ErrorIs(t, err, channel.ErrTimelockExpired)
	assert.Equal(t, runtime.StatusFailed, receipt.Status)

	stored, err := f.Store.KeeperChannel(ctx, kc.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperFailed, stored.Status)

	// the counter-party can still recover custody
	f.MustApply(player, program.ClaimRefund, channel.RefundArgs{ChannelID: kc.ChannelID},
		runtime.Accounts{"owner": operator.Pubkey()})
}

func TestSweep_ClosesAgedChannels(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	old, err := f.keeper.Open(ctx, player.Pubkey(), 3000)
	require.NoError(t, err)
	f.Clock.Advance(4 * 3600)
	young, err := f.keeper.Open(ctx, player.Pubkey(), 3000)
	require.NoError(t, err)
	f.Clock.Advance(4 * 3600)

	n, err := f.keeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.Store.KeeperChannel(ctx, old.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperClosed, stored.Status)
	stored, err = f.Store.KeeperChannel(ctx, young.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperOpen, stored.Status)
	assert.Equal(t, 1, f.rec.open)

	n, err = f.keeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t, Config{Timelock: 3600 * 1e9, MaxAge: 1800 * 1e9})
	ctx := context.Background()

	expired, err := f.keeper.Open(ctx, player.Pubkey(), 3000)
	require.NoError(t, err)
	f.Clock.Advance(3000)
	live, err := f.keeper.Open(ctx, player.Pubkey(), 3000)
	require.NoError(t, err)
	f.Clock.Advance(1800)

	n, err := f.keeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.Store.KeeperChannel(ctx, expired.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperFailed, stored.Status)
	stored, err = f.Store.KeeperChannel(ctx, live.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, store.KeeperClosed, stored.Status)
}

func TestUpdateNpc_Charges(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.keeper.InitNpc(ctx, npc.InitArgs{NpcID: "n1", GameID: "g1", TemplateID: "default"})
	require.NoError(t, err)
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)

	receipt, err := f.keeper.UpdateNpc(ctx, player.Pubkey(), kc.ChannelID, npc.UpdateArgs{
		NpcID: "n1", GameID: "g1", Action: "wave", Dialogue: "hello", Behavior: "friendly",
	})
	require.NoError(t, err)
	assert.True(t, receipt.OK())

	stored, err := f.Store.KeeperChannel(ctx, kc.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), stored.Spent)
}

func TestUpdateNpc_FailedUpdateNotCharged(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)

	_, err = f.keeper.UpdateNpc(ctx, player.Pubkey(), kc.ChannelID, npc.UpdateArgs{
		NpcID: "ghost", GameID: "g1", Action: "wave",
	})
	require.Error(t, err)

	stored, err := f.Store.KeeperChannel(ctx, kc.ChannelID)
	require.NoError(t, err)
	assert.Zero(t, stored.Spent)
}

func TestUpdateNpc_RequiresOwnChannel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	kc, err := f.keeper.Open(ctx, player.Pubkey(), 5000)
	require.NoError(t, err)

	_, err = f.keeper.UpdateNpc(ctx, mallory.Pubkey(), kc.ChannelID, npc.UpdateArgs{NpcID: "n1", GameID: "g1"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: 1e6})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.keeper.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
