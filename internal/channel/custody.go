package channel

import (
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// custody is the spendable part of a loaded channel record. Payouts go
// through it so the sum paid can never exceed what the record held.
type custody struct {
	addr      ledger.Pubkey
	available uint64
}

func loadCustody(ctx runtime.Context, addr ledger.Pubkey) (PaymentChannel, custody, error) {
	ch, acct, err := runtime.LoadRecord[PaymentChannel](ctx, addr, store.KindChannel)
	if err != nil {
		return PaymentChannel{}, custody{}, err
	}
	return ch, custody{addr: addr, available: acct.Custody()}, nil
}

// pay moves amount out of custody to recipient.
func (c *custody) pay(ctx runtime.Context, to ledger.Pubkey, amount uint64) error {
	if amount > c.available {
		return runtime.ErrInsufficientFunds.Wrapf("payout %d exceeds custody %d", amount, c.available)
	}
	if err := ctx.Transfer(c.addr, to, amount); err != nil {
		return err
	}
	c.available -= amount
	return nil
}

// release destroys the record. The deposit goes to the transaction payer.
func (c *custody) release(ctx runtime.Context) error {
	return ctx.Destroy(c.addr)
}
