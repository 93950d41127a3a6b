package program

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

// Instruction names.
const (
	OpenChannel    = "open_channel"
	CloseChannel   = "close_channel"
	ClaimRefund    = "claim_refund"
	CreateTemplate = "create_template"
	InitNpc        = "init_npc"
	UpdateNpc      = "update_npc"
	Transfer       = "transfer"
)

// Instruction describes one entry of the instruction table.
type Instruction struct {
	Name     string
	Summary  string
	Accounts []string
	Handler  runtime.Handler
}

var table = []Instruction{
	{OpenChannel, "fund a hashed-timelock channel against a template", []string{"owner?", "counter_party"}, channel.HandleOpen},
	{CloseChannel, "settle a channel with its secret before the timelock", []string{"owner", "counter_party", "template_creator"}, channel.HandleClose},
	{ClaimRefund, "return custody to the counter-party after the timelock", []string{"owner"}, channel.HandleClaimRefund},
	{CreateTemplate, "register a template; the payer becomes its creator", nil, registry.HandleCreate},
	{InitNpc, "create an NPC's memory and state from a template", nil, npc.HandleInit},
	{UpdateNpc, "append to an NPC's memory and replace its dialogue and behavior", []string{"creator"}, npc.HandleUpdate},
	{Transfer, "move lamports out of a signing wallet", []string{"from", "to"}, HandleTransfer},
}

// Instructions returns the instruction table sorted by name.
func Instructions() []Instruction {
	out := append([]Instruction(nil), table...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the table entry for name.
func Lookup(name string) (Instruction, bool) {
	for _, in := range table {
		if in.Name == name {
			return in, true
		}
	}
	return Instruction{}, false
}

// Register installs every instruction on rt.
func Register(rt *runtime.Runtime) {
	for _, in := range table {
		rt.Register(in.Name, in.Handler)
	}
}

// New creates a runtime with the full instruction table registered.
func New(ctx context.Context, s *store.Store, programID ledger.Pubkey, opts ...runtime.Option) (*runtime.Runtime, error) {
	rt, err := runtime.New(ctx, s, programID, opts...)
	if err != nil {
		return nil, err
	}
	Register(rt)
	return rt, nil
}

// TransferArgs are the arguments of transfer.
type TransferArgs struct {
	Amount uint64 `json:"amount"`
}

// HandleTransfer moves lamports from a wallet to any address. The source
// must sign, so records (which have no key) can never be debited here.
func HandleTransfer(ctx runtime.Context, raw json.RawMessage) error {
	args, err := runtime.DecodeArgs[TransferArgs](raw)
	if err != nil {
		return err
	}
	from, err := ctx.Account("from")
	if err != nil {
		return err
	}
	to, err := ctx.Account("to")
	if err != nil {
		return err
	}
	if err := ctx.RequireSigner(from); err != nil {
		return err
	}
	if args.Amount == 0 {
		return runtime.ErrInsufficientFunds.Wrapf("amount must be positive")
	}
	return ctx.Transfer(from, to, args.Amount)
}
