package keeper

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/program"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// Defaults follow the operator settings the keeper was designed around.
const (
	DefaultTimelock = 24 * time.Hour
	DefaultMaxAge   = 8 * time.Hour
	DefaultInterval = time.Minute
	DefaultCharge   = 1000
	DefaultTemplate = "default"
)

var (
	// ErrUnauthorized is returned when a caller charges a channel opened
	// for someone else.
	ErrUnauthorized = errors.New("channel belongs to another counter-party")

	// ErrInsufficientBalance is returned when a channel cannot cover a charge.
	ErrInsufficientBalance = errors.New("insufficient channel balance")

	// ErrNotOpen is returned for keeper channels already settled.
	ErrNotOpen = errors.New("keeper channel is not open")
)

// Recorder receives keeper measurements.
type Recorder interface {
	KeeperCharged(lamports uint64)
	KeeperOpenChannels(n int)
}

type noopRecorder struct{}

func (noopRecorder) KeeperCharged(uint64)   {}
func (noopRecorder) KeeperOpenChannels(int) {}

// Config controls channel terms and the sweep.
type Config struct {
	Template string
	Timelock time.Duration
	MaxAge   time.Duration
	Interval time.Duration
	Charge   uint64
}

func (c Config) withDefaults() Config {
	if c.Template == "" {
		c.Template = DefaultTemplate
	}
	if c.Timelock <= 0 {
		c.Timelock = DefaultTimelock
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Charge == 0 {
		c.Charge = DefaultCharge
	}
	return c
}

// Keeper is an off-chain operator. It owns the channels it opens for
// counter-parties, meters their usage, and closes each channel with the
// metered spend as final balance before its timelock.
//
// Every state change goes through ordinary signed transactions; the keeper's
// own table only remembers secrets and spend.
type Keeper struct {
	store     *store.Store
	programID ledger.Pubkey
	key       *ledger.Keypair
	submit    runtime.Submitter
	time      runtime.TimeSource
	cfg       Config
	logger    *slog.Logger
	recorder  Recorder
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// WithRecorder sets where measurements go.
func WithRecorder(r Recorder) Option {
	return func(k *Keeper) { k.recorder = r }
}

// WithTimeSource sets the clock used for timelocks and channel age. It
// should be the runtime's time source.
func WithTimeSource(ts runtime.TimeSource) Option {
	return func(k *Keeper) { k.time = ts }
}

// New creates a Keeper that signs with key.
func New(s *store.Store, programID ledger.Pubkey, key *ledger.Keypair, submit runtime.Submitter, cfg Config, opts ...Option) *Keeper {
	k := &Keeper{
		store:     s,
		programID: programID,
		key:       key,
		submit:    submit,
		time:      runtime.SystemTime{},
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		recorder:  noopRecorder{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Pubkey returns the keeper's identity: the owner of its channels.
func (k *Keeper) Pubkey() ledger.Pubkey {
	return k.key.Pubkey()
}

// Config returns the effective configuration.
func (k *Keeper) Config() Config {
	return k.cfg
}

func (k *Keeper) apply(ctx context.Context, instruction string, args any, accounts runtime.Accounts) (runtime.Receipt, error) {
	tx, err := runtime.NewTransaction(k.key.Pubkey(), instruction, args, accounts)
	if err != nil {
		return runtime.Receipt{}, err
	}
	if err := tx.Sign(k.key); err != nil {
		return runtime.Receipt{}, err
	}
	receipt, err := k.submit.Submit(ctx, tx)
	if err != nil {
		return runtime.Receipt{}, err
	}
	if !receipt.OK() {
		return receipt, fmt.Errorf("%s: %w", instruction, receipt.Err())
	}
	return receipt, nil
}

// newChannelID returns a 32 character id: a UUIDv7 without dashes, so ids
// sort by creation and fit one derivation seed.
func newChannelID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Open funds a channel of amount lamports from the keeper's wallet for
// counterParty, with a fresh random secret.
func (k *Keeper) Open(ctx context.Context, counterParty ledger.Pubkey, amount uint64) (store.KeeperChannel, error) {
	id, err := newChannelID()
	if err != nil {
		return store.KeeperChannel{}, fmt.Errorf("channel id: %w", err)
	}
	secret := make(channel.Secret, 32)
	if _, err := rand.Read(secret); err != nil {
		return store.KeeperChannel{}, fmt.Errorf("channel secret: %w", err)
	}
	now := k.time.Now()
	timelock := now + int64(k.cfg.Timelock/time.Second)

	if _, err := k.apply(ctx, program.OpenChannel, channel.OpenArgs{
		ChannelID:  id,
		Amount:     amount,
		Hashlock:   channel.HashSecret(secret),
		Timelock:   uint64(timelock),
		TemplateID: k.cfg.Template,
	}, runtime.Accounts{"counter_party": counterParty}); err != nil {
		return store.KeeperChannel{}, err
	}

	kc := store.KeeperChannel{
		ChannelID:    id,
		Owner:        k.key.Pubkey(),
		CounterParty: counterParty,
		Secret:       secret.String(),
		Amount:       amount,
		Timelock:     timelock,
		OpenedAt:     now,
		Status:       store.KeeperOpen,
	}
	if err := k.store.SaveKeeperChannel(ctx, kc); err != nil {
		return store.KeeperChannel{}, err
	}
	k.logger.Info("keeper channel opened",
		"channel_id", id,
		"counter_party", counterParty.String(),
		"amount", amount,
		"timelock", timelock,
	)
	return kc, nil
}

func (k *Keeper) openChannel(ctx context.Context, counterParty ledger.Pubkey, channelID string) (store.KeeperChannel, error) {
	kc, err := k.store.KeeperChannel(ctx, channelID)
	if err != nil {
		return kc, err
	}
	if kc.Status != store.KeeperOpen {
		return kc, fmt.Errorf("%w: %s is %s", ErrNotOpen, channelID, kc.Status)
	}
	if kc.CounterParty != counterParty {
		return kc, ErrUnauthorized
	}
	if kc.Amount-kc.Spent < k.cfg.Charge {
		return kc, fmt.Errorf("%w: %d left, charge %d", ErrInsufficientBalance, kc.Amount-kc.Spent, k.cfg.Charge)
	}
	return kc, nil
}

// Charge meters one unit of usage against a channel and returns the new
// total spend.
func (k *Keeper) Charge(ctx context.Context, counterParty ledger.Pubkey, channelID string) (uint64, error) {
	if _, err := k.openChannel(ctx, counterParty, channelID); err != nil {
		return 0, err
	}
	spent, err := k.store.AddKeeperSpend(ctx, channelID, k.cfg.Charge)
	if err != nil {
		return 0, err
	}
	k.recorder.KeeperCharged(k.cfg.Charge)
	return spent, nil
}

// UpdateNpc applies an NPC update on behalf of counterParty and charges
// it to their channel. The keeper is the creator of NPCs it manages.
// Nothing is charged if the update fails.
func (k *Keeper) UpdateNpc(ctx context.Context, counterParty ledger.Pubkey, channelID string, args npc.UpdateArgs) (runtime.Receipt, error) {
	if _, err := k.openChannel(ctx, counterParty, channelID); err != nil {
		return runtime.Receipt{}, err
	}
	receipt, err := k.apply(ctx, program.UpdateNpc, args, runtime.Accounts{"creator": k.key.Pubkey()})
	if err != nil {
		return receipt, err
	}
	if _, err := k.Charge(ctx, counterParty, channelID); err != nil {
		return receipt, err
	}
	return receipt, nil
}

// InitNpc creates an NPC owned by the keeper.
func (k *Keeper) InitNpc(ctx context.Context, args npc.InitArgs) (runtime.Receipt, error) {
	return k.apply(ctx, program.InitNpc, args, nil)
}

// Close settles a keeper channel with its metered spend as final balance.
func (k *Keeper) Close(ctx context.Context, channelID string) (runtime.Receipt, error) {
	kc, err := k.store.KeeperChannel(ctx, channelID)
	if err != nil {
		return runtime.Receipt{}, err
	}
	if kc.Status != store.KeeperOpen {
		return runtime.Receipt{}, fmt.Errorf("%w: %s is %s", ErrNotOpen, channelID, kc.Status)
	}
	ch, err := k.onChain(ctx, kc)
	if err != nil {
		return runtime.Receipt{}, err
	}
	secret, err := channel.ParseSecret(kc.Secret)
	if err != nil {
		return runtime.Receipt{}, err
	}

	receipt, err := k.apply(ctx, program.CloseChannel, channel.CloseArgs{
		ChannelID:    kc.ChannelID,
		Secret:       secret,
		FinalBalance: kc.Spent,
	}, runtime.Accounts{
		"owner":            kc.Owner,
		"counter_party":    kc.CounterParty,
		"template_creator": ch.TemplateCreator,
	})
	if err != nil {
		if receipt.Status == runtime.StatusFailed {
			if serr := k.store.SetKeeperStatus(ctx, channelID, store.KeeperFailed); serr != nil {
				return receipt, errors.Join(err, serr)
			}
		}
		return receipt, err
	}
	if err := k.store.SetKeeperStatus(ctx, channelID, store.KeeperClosed); err != nil {
		return receipt, err
	}
	k.logger.Info("keeper channel closed",
		"channel_id", channelID,
		"final_balance", kc.Spent,
		"tx_id", receipt.TxID,
	)
	return receipt, nil
}

// onChain reads the channel record the keeper opened.
func (k *Keeper) onChain(ctx context.Context, kc store.KeeperChannel) (channel.PaymentChannel, error) {
	addr, err := channel.Address(k.programID, kc.Owner, kc.ChannelID)
	if err != nil {
		return channel.PaymentChannel{}, err
	}
	acct, err := k.store.Account(ctx, addr)
	if err != nil {
		return channel.PaymentChannel{}, fmt.Errorf("channel %s: %w", kc.ChannelID, err)
	}
	var ch channel.PaymentChannel
	if err := json.Unmarshal(acct.Data, &ch); err != nil {
		return channel.PaymentChannel{}, fmt.Errorf("decode channel %s: %w", kc.ChannelID, err)
	}
	return ch, nil
}

// Sweep closes every open channel older than MaxAge. Failures are logged
// and the sweep continues; the count of closed channels is returned.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	open, err := k.store.OpenKeeperChannels(ctx)
	if err != nil {
		return 0, err
	}
	now := k.time.Now()
	maxAge := int64(k.cfg.MaxAge / time.Second)
	closed := 0
	for _, kc := range open {
		if now-kc.OpenedAt < maxAge {
			continue
		}
		if _, err := k.Close(ctx, kc.ChannelID); err != nil {
			k.logger.Error("keeper sweep close failed", "channel_id", kc.ChannelID, "error", err)
			continue
		}
		closed++
	}
	if remaining, err := k.store.OpenKeeperChannels(ctx); err == nil {
		k.recorder.KeeperOpenChannels(len(remaining))
	}
	return closed, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.Info("keeper started", "owner", k.key.Pubkey().String(), "interval", k.cfg.Interval)
	for {
		if n, err := k.Sweep(ctx); err != nil {
			k.logger.Error("keeper sweep failed", "error", err)
		} else if n > 0 {
			k.logger.Info("keeper sweep", "closed", n)
		}
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
