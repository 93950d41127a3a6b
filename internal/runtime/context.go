package runtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenwadike/dan/internal/events"
	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/store"
	"github.com/cenwadike/dan/internal/wire"
)

// Context is what an instruction handler sees of the host. Every read and
// write goes through the transition's store transaction; nothing is
// visible to other callers until the runtime commits.
type Context interface {
	// Now is the time source reading for this transition, in unix seconds.
	Now() int64
	// Seq is the logical clock value the transaction will be logged at.
	Seq() int64
	// TxID is the id of the transaction being applied.
	TxID() string
	// ProgramID is the id that owns every record.
	ProgramID() ledger.Pubkey
	// Payer is the submitter. It signed, and pays record deposits.
	Payer() ledger.Pubkey

	// IsSigner reports whether pk signed the transaction.
	IsSigner(pk ledger.Pubkey) bool
	// RequireSigner returns a MISSING_SIGNATURE fault unless pk signed.
	RequireSigner(pk ledger.Pubkey) error
	// Account returns a named account of the message.
	Account(name string) (ledger.Pubkey, error)
	// Derive computes a record address from seeds under ProgramID.
	Derive(seeds [][]byte) (ledger.Pubkey, uint8, error)

	// Exists reports whether a record lives at addr.
	Exists(addr ledger.Pubkey) (bool, error)
	// Load reads a program record of the given kind.
	Load(addr ledger.Pubkey, kind store.Kind) (store.Account, error)
	// Create makes a program record. The payer funds its deposit.
	Create(addr ledger.Pubkey, kind store.Kind, space int, data []byte) error
	// Save rewrites a program record's body.
	Save(addr ledger.Pubkey, data []byte) error
	// Destroy deletes a program record and pays its remaining lamports to
	// the payer.
	Destroy(addr ledger.Pubkey) error

	// Balance returns the lamports at addr, 0 if nothing lives there.
	Balance(addr ledger.Pubkey) (uint64, error)
	// Transfer moves lamports. It is the only way balances change.
	Transfer(from, to ledger.Pubkey, amount uint64) error

	// Emit queues an event. Events are persisted with the transaction and
	// delivered only after commit.
	Emit(ev events.Event) error
	// RecordSettlement writes a channel history row in this transition.
	RecordSettlement(s store.Settlement) error
}

type pendingEvent struct {
	name      string
	channelID string
	owner     string
	payload   json.RawMessage
}

// execContext implements Context over one store transaction.
type execContext struct {
	rt      *Runtime
	tx      *store.Tx
	now     int64
	seq     int64
	txID    string
	msg     Message
	signers map[ledger.Pubkey]bool
	pending []pendingEvent
}

func (c *execContext) Now() int64               { return c.now }
func (c *execContext) Seq() int64               { return c.seq }
func (c *execContext) TxID() string             { return c.txID }
func (c *execContext) ProgramID() ledger.Pubkey { return c.rt.programID }
func (c *execContext) Payer() ledger.Pubkey     { return c.msg.Payer }

func (c *execContext) IsSigner(pk ledger.Pubkey) bool {
	return c.signers[pk]
}

func (c *execContext) RequireSigner(pk ledger.Pubkey) error {
	if !c.signers[pk] {
		return NewFault(FaultMissingSignature, "%s must sign", pk)
	}
	return nil
}

func (c *execContext) Account(name string) (ledger.Pubkey, error) {
	pk, ok := c.msg.Accounts[name]
	if !ok {
		return ledger.Pubkey{}, NewFault(FaultMalformedTransaction, "missing account %q", name)
	}
	return pk, nil
}

func (c *execContext) Derive(seeds [][]byte) (ledger.Pubkey, uint8, error) {
	addr, bump, err := ledger.FindProgramAddress(seeds, c.rt.programID)
	if err != nil {
		return ledger.Pubkey{}, 0, NewFault(FaultBadDerivation, "%v", err)
	}
	return addr, bump, nil
}

func (c *execContext) Exists(addr ledger.Pubkey) (bool, error) {
	acct, err := c.tx.Account(addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acct.Owner == c.rt.programID, nil
}

func (c *execContext) load(addr ledger.Pubkey) (store.Account, error) {
	acct, err := c.tx.Account(addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return store.Account{}, NewFault(FaultAccountNotFound, "no account at %s", addr)
	}
	return acct, err
}

func (c *execContext) Load(addr ledger.Pubkey, kind store.Kind) (store.Account, error) {
	acct, err := c.load(addr)
	if err != nil {
		return store.Account{}, err
	}
	if acct.Owner != c.rt.programID {
		// a plain wallet sitting at a record address is not a record
		return store.Account{}, NewFault(FaultAccountNotFound, "no %s record at %s", kind, addr)
	}
	if acct.Kind != kind {
		return store.Account{}, NewFault(FaultAccountKindMismatch, "%s holds a %s, want %s", addr, acct.Kind, kind)
	}
	return acct, nil
}

func (c *execContext) Create(addr ledger.Pubkey, kind store.Kind, space int, data []byte) error {
	deposit := c.rt.rent.For(space)

	payer, err := c.load(c.msg.Payer)
	if err != nil {
		return err
	}
	if payer.Owner != ledger.SystemProgram {
		return NewFault(FaultAccountKindMismatch, "payer %s is not a wallet", c.msg.Payer)
	}

	existing, err := c.tx.Account(addr)
	switch {
	case err == nil && existing.Owner == c.rt.programID:
		return NewFault(FaultAccountExists, "%s record already exists at %s", existing.Kind, addr)
	case err == nil:
		// Lamports sent to the address before creation become part of the
		// record's custody.
		if err := c.tx.DeleteAccount(addr); err != nil {
			return err
		}
	case errors.Is(err, store.ErrAccountNotFound):
		existing = store.Account{}
	default:
		return err
	}

	if payer.Lamports < deposit {
		return ErrInsufficientFunds.Wrapf("deposit %d exceeds payer balance %d", deposit, payer.Lamports)
	}
	payer.Lamports -= deposit
	payer.UpdatedSeq = c.seq
	if err := c.tx.PutAccount(payer); err != nil {
		return err
	}

	lamports := existing.Lamports + deposit
	if lamports < deposit || lamports > store.MaxLamports {
		return NewFault(FaultArithmeticOverflow, "record %s balance overflow", addr)
	}
	return c.tx.CreateAccount(store.Account{
		Address:    addr,
		Lamports:   lamports,
		Owner:      c.rt.programID,
		Kind:       kind,
		Deposit:    deposit,
		Data:       data,
		CreatedSeq: c.seq,
		UpdatedSeq: c.seq,
	})
}

func (c *execContext) Save(addr ledger.Pubkey, data []byte) error {
	acct, err := c.load(addr)
	if err != nil {
		return err
	}
	if acct.Owner != c.rt.programID {
		return NewFault(FaultAccountKindMismatch, "%s is not a program record", addr)
	}
	acct.Data = data
	acct.UpdatedSeq = c.seq
	return c.tx.PutAccount(acct)
}

func (c *execContext) Destroy(addr ledger.Pubkey) error {
	acct, err := c.load(addr)
	if err != nil {
		return err
	}
	if acct.Owner != c.rt.programID {
		return NewFault(FaultAccountKindMismatch, "%s is not a program record", addr)
	}
	if err := c.credit(c.msg.Payer, acct.Lamports); err != nil {
		return err
	}
	return c.tx.DeleteAccount(addr)
}

func (c *execContext) Balance(addr ledger.Pubkey) (uint64, error) {
	acct, err := c.tx.Account(addr)
	if errors.Is(err, store.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Lamports, nil
}

// Transfer debits from and credits to. A wallet can only be debited when
// it signed; a program record can be debited down to its deposit. Crediting
// an empty address creates a wallet there.
func (c *execContext) Transfer(from, to ledger.Pubkey, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	src, err := c.load(from)
	if err != nil {
		return err
	}
	switch src.Owner {
	case ledger.SystemProgram:
		if err := c.RequireSigner(from); err != nil {
			return err
		}
	case c.rt.programID:
	default:
		return NewFault(FaultAccountKindMismatch, "%s is owned by %s", from, src.Owner)
	}
	if spendable := src.Custody(); amount > spendable {
		return ErrInsufficientFunds.Wrapf("transfer %d from %s, spendable %d", amount, from, spendable)
	}
	src.Lamports -= amount
	src.UpdatedSeq = c.seq
	if err := c.tx.PutAccount(src); err != nil {
		return err
	}
	return c.credit(to, amount)
}

func (c *execContext) credit(to ledger.Pubkey, amount uint64) error {
	if amount == 0 {
		return nil
	}
	dst, err := c.tx.Account(to)
	if errors.Is(err, store.ErrAccountNotFound) {
		return c.tx.CreateAccount(store.Account{
			Address:    to,
			Lamports:   amount,
			Owner:      ledger.SystemProgram,
			Kind:       store.KindWallet,
			CreatedSeq: c.seq,
			UpdatedSeq: c.seq,
		})
	}
	if err != nil {
		return err
	}
	if dst.Lamports+amount < dst.Lamports || dst.Lamports+amount > store.MaxLamports {
		return NewFault(FaultArithmeticOverflow, "credit %d to %s overflows", amount, to)
	}
	dst.Lamports += amount
	dst.UpdatedSeq = c.seq
	return c.tx.PutAccount(dst)
}

func (c *execContext) Emit(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	channelID, owner := events.Scope(ev)
	c.pending = append(c.pending, pendingEvent{
		name:      ev.EventName(),
		channelID: channelID,
		owner:     owner,
		payload:   payload,
	})
	return nil
}

func (c *execContext) RecordSettlement(s store.Settlement) error {
	s.TxID = c.txID
	s.SettledAt = c.now
	return c.tx.AppendSettlement(s)
}

// persistEvents writes queued events after the transaction row and returns
// their envelopes in emission order.
func (c *execContext) persistEvents() ([]events.Envelope, error) {
	out := make([]events.Envelope, 0, len(c.pending))
	for i, p := range c.pending {
		id, err := wire.EventID(c.txID, p.name, i, p.payload)
		if err != nil {
			return nil, err
		}
		rec := store.EventRecord{
			ID:        id,
			TxSeq:     c.seq,
			TxID:      c.txID,
			Name:      p.name,
			ChannelID: p.channelID,
			Owner:     p.owner,
			Payload:   p.payload,
			EmittedAt: c.now,
		}
		seq, err := c.tx.AppendEvent(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, events.Envelope{
			Seq:       seq,
			ID:        id,
			TxID:      c.txID,
			Name:      p.name,
			ChannelID: p.channelID,
			Owner:     p.owner,
			Payload:   p.payload,
			EmittedAt: c.now,
		})
	}
	return out, nil
}

// LoadRecord loads a record and decodes its body into T.
func LoadRecord[T any](ctx Context, addr ledger.Pubkey, kind store.Kind) (T, store.Account, error) {
	var rec T
	acct, err := ctx.Load(addr, kind)
	if err != nil {
		return rec, store.Account{}, err
	}
	if err := json.Unmarshal(acct.Data, &rec); err != nil {
		return rec, store.Account{}, fmt.Errorf("decode %s record %s: %w", kind, addr, err)
	}
	return rec, acct, nil
}

// EncodeRecord encodes a record body for Create or Save.
func EncodeRecord(rec any) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}
