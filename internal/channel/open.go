package channel

import (
	"encoding/json"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// OpenArgs are the arguments of open_channel.
type OpenArgs struct {
	ChannelID  string `json:"channel_id"`
	Amount     uint64 `json:"amount"`
	Hashlock   Hash   `json:"hashlock"`
	Timelock   uint64 `json:"timelock"`
	TemplateID string `json:"template_id"`
}

// HandleOpen is the open_channel instruction handler. Accounts: owner
// (defaults to the payer, must sign) and counter_party.
func HandleOpen(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[OpenArgs](raw)
	if err != nil {
		return err
	}
	owner := ctx.Payer()
	if pk, err := ctx.Account("owner"); err == nil {
		owner = pk
	}
	counterParty, err := ctx.Account("counter_party")
	if err != nil {
		return err
	}
	return Open(ctx, owner, counterParty, args)
}

// Open creates a channel record and moves amount from the owner's wallet
// into its custody. The template's creator is captured as the royalty
// recipient for the life of the channel.
func Open(ctx runtime.Context, owner, counterParty ledger.Pubkey, args OpenArgs) error {
	if err := ctx.RequireSigner(owner); err != nil {
		return err
	}
	if err := requireChannelID(args.ChannelID); err != nil {
		return err
	}
	if args.Amount == 0 {
		return runtime.ErrInsufficientFunds.Wrapf("amount must be positive")
	}

	tmpl, err := registry.Load(ctx, args.TemplateID)
	if err != nil {
		return err
	}
	addr, bump, err := ctx.Derive(Seeds(owner, args.ChannelID))
	if err != nil {
		return err
	}

	ch := PaymentChannel{
		Owner:           owner,
		CounterParty:    counterParty,
		Balance:         args.Amount,
		Hashlock:        args.Hashlock,
		Timelock:        args.Timelock,
		TemplateCreator: tmpl.Creator,
		Bump:            bump,
	}
	data, err := runtime.EncodeRecord(ch)
	if err != nil {
		return err
	}
	if err := ctx.Create(addr, store.KindChannel, Space, data); err != nil {
		return err
	}
	if err := ctx.Transfer(owner, addr, args.Amount); err != nil {
		return err
	}
	return ctx.Emit(ChannelOpened{
		ChannelID:       args.ChannelID,
		Owner:           owner,
		Amount:          args.Amount,
		Hashlock:        args.Hashlock,
		Timelock:        args.Timelock,
		TemplateCreator: tmpl.Creator,
	})
}
