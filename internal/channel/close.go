package channel

import (
	"encoding/json"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// CloseArgs are the arguments of close_channel.
type CloseArgs struct {
	ChannelID    string `json:"channel_id"`
	Secret       Secret `json:"secret"`
	FinalBalance uint64 `json:"final_balance"`
}

// Parties are the accounts a close names. Each must equal what the channel
// recorded at open.
type Parties struct {
	Owner           ledger.Pubkey
	CounterParty    ledger.Pubkey
	TemplateCreator ledger.Pubkey
}

// HandleClose is the close_channel instruction handler. Accounts: owner,
// counter_party, template_creator. The payer receives the deposit.
func HandleClose(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[CloseArgs](raw)
	if err != nil {
		return err
	}
	var p Parties
	if p.Owner, err = ctx.Account("owner"); err != nil {
		return err
	}
	if p.CounterParty, err = ctx.Account("counter_party"); err != nil {
		return err
	}
	if p.TemplateCreator, err = ctx.Account("template_creator"); err != nil {
		return err
	}
	return Close(ctx, p, args)
}

// Close settles a channel with its secret before the timelock: royalty to
// the template creator, fee to the owner, the rest of custody back to the
// counter-party. Every check runs before the first transfer.
func Close(ctx runtime.Context, p Parties, args CloseArgs) error {
	if err := requireChannelID(args.ChannelID); err != nil {
		return err
	}
	if len(args.Secret) == 0 || len(args.Secret) > MaxSecretLen {
		return runtime.ErrInvalidArgument.Wrapf("secret must be 1 to %d bytes", MaxSecretLen)
	}
	addr, _, err := ctx.Derive(Seeds(p.Owner, args.ChannelID))
	if err != nil {
		return err
	}
	ch, cust, err := loadCustody(ctx, addr)
	if err != nil {
		return err
	}

	switch {
	case ch.Expired(ctx.Now()):
		return ErrTimelockExpired.Wrapf("now %d, timelock %d", ctx.Now(), ch.Timelock)
	case !ch.Hashlock.Matches(args.Secret):
		return ErrInvalidSecret
	case p.Owner != ch.Owner:
		return ErrWrongChannelOwner
	case p.CounterParty != ch.CounterParty:
		return ErrWrongChannelCounterParty
	case p.TemplateCreator != ch.TemplateCreator:
		return ErrWrongTemplateCreator
	}

	total := cust.available
	payout, err := Split(total, args.FinalBalance)
	if err != nil {
		return err
	}

	if err := cust.pay(ctx, ch.TemplateCreator, payout.Royalty); err != nil {
		return err
	}
	if err := cust.pay(ctx, ch.Owner, payout.Fee); err != nil {
		return err
	}
	if err := cust.pay(ctx, ch.CounterParty, payout.Refund); err != nil {
		return err
	}
	if err := cust.release(ctx); err != nil {
		return err
	}

	if err := ctx.RecordSettlement(store.Settlement{
		Address:         addr,
		ChannelID:       args.ChannelID,
		Owner:           ch.Owner,
		CounterParty:    ch.CounterParty,
		TemplateCreator: ch.TemplateCreator,
		Status:          store.SettlementClosed,
		Balance:         ch.Balance,
		Custody:         total,
		Fee:             payout.Fee,
		Royalty:         payout.Royalty,
		Refund:          payout.Refund,
	}); err != nil {
		return err
	}
	return ctx.Emit(ChannelClosed{
		ChannelID:       args.ChannelID,
		Owner:           ch.Owner,
		Fee:             payout.Fee,
		Royalty:         payout.Royalty,
		Refund:          payout.Refund,
		TemplateCreator: ch.TemplateCreator,
	})
}
