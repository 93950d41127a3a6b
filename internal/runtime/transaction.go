package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/wire"
)

// MaxNonceLen bounds the nonce a client may choose.
const MaxNonceLen = 64

// Accounts names the accounts an instruction operates on, for example
// {"owner": ..., "counter_party": ...}.
type Accounts map[string]ledger.Pubkey

// Message is the signed part of a transaction.
type Message struct {
	Payer       ledger.Pubkey   `json:"payer"`
	Instruction string          `json:"instruction"`
	Args        json.RawMessage `json:"args"`
	Accounts    Accounts        `json:"accounts"`
	Nonce       string          `json:"nonce"`
}

// Transaction is a message plus signatures keyed by base58 signer key.
type Transaction struct {
	Message    Message                     `json:"message"`
	Signatures map[string]ledger.Signature `json:"signatures"`
}

// NewTransaction builds an unsigned transaction with a fresh UUIDv7 nonce.
// args is encoded with encoding/json.
func NewTransaction(payer ledger.Pubkey, instruction string, args any, accounts Accounts) (*Transaction, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	nonce, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	if accounts == nil {
		accounts = Accounts{}
	}
	return &Transaction{
		Message: Message{
			Payer:       payer,
			Instruction: instruction,
			Args:        raw,
			Accounts:    accounts,
			Nonce:       nonce.String(),
		},
		Signatures: map[string]ledger.Signature{},
	}, nil
}

// normalized fills empty containers so the canonical form never holds null.
func (m Message) normalized() Message {
	out := m
	if len(bytes.TrimSpace(out.Args)) == 0 || bytes.Equal(bytes.TrimSpace(out.Args), []byte("null")) {
		out.Args = json.RawMessage(`{}`)
	}
	if out.Accounts == nil {
		out.Accounts = Accounts{}
	}
	return out
}

// executable returns the normalized message with Args replaced by their
// canonical encoding, so handlers decode exactly the strings that were signed.
func (m Message) executable() (Message, error) {
	out := m.normalized()
	args, err := wire.MarshalCanonical(out.Args)
	if err != nil {
		return Message{}, NewFault(FaultMalformedTransaction, "canonical args: %v", err)
	}
	out.Args = args
	return out, nil
}

// SigningBytes returns the canonical JSON of the message: the bytes every
// signer signs.
func (t *Transaction) SigningBytes() ([]byte, error) {
	b, err := wire.MarshalCanonical(t.Message.normalized())
	if err != nil {
		return nil, NewFault(FaultMalformedTransaction, "canonical message: %v", err)
	}
	return b, nil
}

// ID returns the content-addressed transaction id. Signatures do not
// contribute, so re-signing a message does not produce a new transaction.
func (t *Transaction) ID() (string, error) {
	id, err := wire.TransactionID(t.Message.normalized())
	if err != nil {
		return "", NewFault(FaultMalformedTransaction, "transaction id: %v", err)
	}
	return id, nil
}

// Sign adds a signature from each keypair.
func (t *Transaction) Sign(signers ...*ledger.Keypair) error {
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	if t.Signatures == nil {
		t.Signatures = map[string]ledger.Signature{}
	}
	for _, kp := range signers {
		t.Signatures[kp.Pubkey().String()] = kp.Sign(msg)
	}
	return nil
}

// VerifySignatures checks every attached signature and returns the set of
// verified signers. The payer must be among them.
func (t *Transaction) VerifySignatures() (map[ledger.Pubkey]bool, error) {
	msg, err := t.SigningBytes()
	if err != nil {
		return nil, err
	}
	signers := make(map[ledger.Pubkey]bool, len(t.Signatures))
	for keyText, sig := range t.Signatures {
		pk, err := ledger.ParsePubkey(keyText)
		if err != nil {
			return nil, NewFault(FaultMalformedTransaction, "signature key %q: %v", keyText, err)
		}
		if !ledger.Verify(pk, msg, sig) {
			return nil, NewFault(FaultInvalidSignature, "signature by %s does not verify", pk)
		}
		signers[pk] = true
	}
	if !signers[t.Message.Payer] {
		return nil, NewFault(FaultMissingSignature, "payer %s did not sign", t.Message.Payer)
	}
	return signers, nil
}

// Validate checks the structural requirements of the message.
func (t *Transaction) Validate() error {
	m := t.Message
	if m.Payer.IsZero() {
		return NewFault(FaultMalformedTransaction, "payer is required")
	}
	if m.Instruction == "" {
		return NewFault(FaultMalformedTransaction, "instruction is required")
	}
	if m.Nonce == "" || len(m.Nonce) > MaxNonceLen {
		return NewFault(FaultMalformedTransaction, "nonce must be 1..%d bytes", MaxNonceLen)
	}
	return nil
}

// Encode returns the JSON wire form.
func (t *Transaction) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := &Transaction{Message: t.Message}
	c.Message.Args = append(json.RawMessage(nil), t.Message.Args...)
	c.Message.Accounts = maps.Clone(t.Message.Accounts)
	c.Signatures = maps.Clone(t.Signatures)
	return c
}

// DecodeTransaction parses the JSON wire form. Unknown fields are rejected.
func DecodeTransaction(data []byte) (*Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t Transaction
	if err := dec.Decode(&t); err != nil {
		return nil, NewFault(FaultMalformedTransaction, "decode transaction: %v", err)
	}
	if dec.More() {
		return nil, NewFault(FaultMalformedTransaction, "trailing data after transaction")
	}
	return &t, nil
}
