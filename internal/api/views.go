package api

import (
	"encoding/json"

	"github.com/cenwadike/dan/internal/channel"
	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/npc"
	"github.com/cenwadike/dan/internal/registry"
	"github.com/cenwadike/dan/internal/runtime"
	"github.com/cenwadike/dan/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type accountView struct {
	Address    ledger.Pubkey   `json:"address"`
	Lamports   uint64          `json:"lamports"`
	Owner      ledger.Pubkey   `json:"owner"`
	Kind       store.Kind      `json:"kind"`
	Deposit    uint64          `json:"deposit"`
	Custody    uint64          `json:"custody"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedSeq int64           `json:"created_seq"`
	UpdatedSeq int64           `json:"updated_seq"`
}

func viewAccount(a store.Account) accountView {
	v := accountView{
		Address:    a.Address,
		Lamports:   a.Lamports,
		Owner:      a.Owner,
		Kind:       a.Kind,
		Deposit:    a.Deposit,
		Custody:    a.Custody(),
		CreatedSeq: a.CreatedSeq,
		UpdatedSeq: a.UpdatedSeq,
	}
	if len(a.Data) > 0 {
		v.Data = json.RawMessage(a.Data)
	}
	return v
}

type transactionView struct {
	Seq         int64                 `json:"seq"`
	ID          string                `json:"id"`
	Instruction string                `json:"instruction"`
	Payer       ledger.Pubkey         `json:"payer"`
	Status      string                `json:"status"`
	Error       *runtime.ReceiptError `json:"error,omitempty"`
	AppliedAt   int64                 `json:"applied_at"`
	Transaction json.RawMessage       `json:"transaction"`
}

func viewTransaction(r store.TxRecord) transactionView {
	v := transactionView{
		Seq:         r.Seq,
		ID:          r.ID,
		Instruction: r.Instruction,
		Payer:       r.Payer,
		Status:      r.Status,
		AppliedAt:   r.AppliedAt,
		Transaction: json.RawMessage(r.Raw),
	}
	if r.ErrorCode != "" {
		v.Error = &runtime.ReceiptError{Code: r.ErrorCode, Class: r.ErrorClass, Message: r.ErrorMessage}
	}
	return v
}

type channelView struct {
	ChannelID string                 `json:"channel_id"`
	Address   ledger.Pubkey          `json:"address"`
	Channel   channel.PaymentChannel `json:"channel"`
	Custody   uint64                 `json:"custody"`
	Expired   bool                   `json:"expired"`
}

type settlementView struct {
	Seq             int64         `json:"seq"`
	TxID            string        `json:"tx_id"`
	Address         ledger.Pubkey `json:"address"`
	ChannelID       string        `json:"channel_id"`
	Owner           ledger.Pubkey `json:"owner"`
	CounterParty    ledger.Pubkey `json:"counter_party"`
	TemplateCreator ledger.Pubkey `json:"template_creator"`
	Status          string        `json:"status"`
	Balance         uint64        `json:"balance"`
	Custody         uint64        `json:"custody"`
	Fee             uint64        `json:"fee"`
	Royalty         uint64        `json:"royalty"`
	Refund          uint64        `json:"refund"`
	SettledAt       int64         `json:"settled_at"`
}

func viewSettlement(s store.Settlement) settlementView {
	return settlementView{
		Seq:             s.Seq,
		TxID:            s.TxID,
		Address:         s.Address,
		ChannelID:       s.ChannelID,
		Owner:           s.Owner,
		CounterParty:    s.CounterParty,
		TemplateCreator: s.TemplateCreator,
		Status:          s.Status,
		Balance:         s.Balance,
		Custody:         s.Custody,
		Fee:             s.Fee,
		Royalty:         s.Royalty,
		Refund:          s.Refund,
		SettledAt:       s.SettledAt,
	}
}

type templateView struct {
	TemplateID string        `json:"template_id"`
	Address    ledger.Pubkey `json:"address"`
	registry.Template
}

type npcView struct {
	MemoryAddress ledger.Pubkey `json:"memory_address"`
	StateAddress  ledger.Pubkey `json:"state_address"`
	Memory        npc.Memory    `json:"memory"`
	State         npc.State     `json:"state"`
}

func envelopeOf(r store.EventRecord) events.Envelope {
	return events.Envelope{
		Seq:       r.Seq,
		ID:        r.ID,
		TxID:      r.TxID,
		Name:      r.Name,
		ChannelID: r.ChannelID,
		Owner:     r.Owner,
		Payload:   json.RawMessage(r.Payload),
		EmittedAt: r.EmittedAt,
	}
}
