package channel

import "github.com/cenwadike/dan/internal/ledger"

// ChannelOpened is emitted when custody is funded.
type ChannelOpened struct {
	ChannelID       string        `json:"channel_id"`
	Owner           ledger.Pubkey `json:"owner"`
	Amount          uint64        `json:"amount"`
	Hashlock        Hash          `json:"hashlock"`
	Timelock        uint64        `json:"timelock"`
	TemplateCreator ledger.Pubkey `json:"template_creator"`
}

func (ChannelOpened) EventName() string { return "ChannelOpened" }

func (e ChannelOpened) ChannelScope() (string, string) { return e.ChannelID, e.Owner.String() }

// ChannelClosed is emitted when a channel settles with the secret.
type ChannelClosed struct {
	ChannelID       string        `json:"channel_id"`
	Owner           ledger.Pubkey `json:"owner"`
	Fee             uint64        `json:"fee"`
	Royalty         uint64        `json:"royalty"`
	Refund          uint64        `json:"refund"`
	TemplateCreator ledger.Pubkey `json:"template_creator"`
}

func (ChannelClosed) EventName() string { return "ChannelClosed" }

func (e ChannelClosed) ChannelScope() (string, string) { return e.ChannelID, e.Owner.String() }

// RefundClaimed is emitted when the counter-party reclaims custody after
// the timelock.
type RefundClaimed struct {
	ChannelID string        `json:"channel_id"`
	Owner     ledger.Pubkey `json:"owner"`
	Amount    uint64        `json:"amount"`
}

func (RefundClaimed) EventName() string { return "RefundClaimed" }

func (e RefundClaimed) ChannelScope() (string, string) { return e.ChannelID, e.Owner.String() }
