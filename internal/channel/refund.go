package channel

import (
	"encoding/json"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// RefundArgs are the arguments of claim_refund.
type RefundArgs struct {
	ChannelID string `json:"channel_id"`
}

// HandleClaimRefund is the claim_refund instruction handler. Accounts:
// owner, used only to derive the channel address. The payer is the
// claimant.
func HandleClaimRefund(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[RefundArgs](raw)
	if err != nil {
		return err
	}
	owner, err := ctx.Account("owner")
	if err != nil {
		return err
	}
	return ClaimRefund(ctx, owner, args)
}

// ClaimRefund returns the whole custody and the deposit to the
// counter-party once the timelock has passed.
func ClaimRefund(ctx runtime.Context, owner ledger.Pubkey, args RefundArgs) error {
	if err := requireChannelID(args.ChannelID); err != nil {
		return err
	}
	addr, _, err := ctx.Derive(Seeds(owner, args.ChannelID))
	if err != nil {
		return err
	}
	ch, cust, err := loadCustody(ctx, addr)
	if err != nil {
		return err
	}

	caller := ctx.Payer()
	if !ch.Expired(ctx.Now()) {
		return ErrTimelockNotExpired.Wrapf("now %d, timelock %d", ctx.Now(), ch.Timelock)
	}
	if caller != ch.CounterParty {
		return ErrWrongChannelCounterParty
	}

	amount := cust.available
	if err := cust.pay(ctx, caller, amount); err != nil {
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
		Status:          store.SettlementRefunded,
		Balance:         ch.Balance,
		Custody:         amount,
		Refund:          amount,
	}); err != nil {
		return err
	}
	return ctx.Emit(RefundClaimed{
		ChannelID: args.ChannelID,
		Owner:     ch.Owner,
		Amount:    amount,
	})
}
