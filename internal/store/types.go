package store

import (
	"errors"
	"fmt"
	"math"

	"github.com/cenwadike/dan/internal/ledger"
)

// MaxLamports caps any single balance and the total supply. SQLite INTEGER
// is a signed 64-bit value.
const MaxLamports uint64 = math.MaxInt64

var (
	// ErrAccountNotFound is returned when no account exists at an address.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account at an occupied address.
	ErrAccountExists = errors.New("account already exists")

	// ErrDuplicateTransaction is returned when a transaction id is already logged.
	ErrDuplicateTransaction = errors.New("transaction already recorded")

	// ErrTransactionNotFound is returned when no transaction has the given id.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Kind names what an account holds.
type Kind string

const (
	KindWallet   Kind = "wallet"
	KindTemplate Kind = "template"
	KindChannel  Kind = "channel"
	KindMemory   Kind = "memory"
	KindState    Kind = "state"
)

// Account is a ledger entry: a balance plus, for program records, a JSON body.
//
// Lamports includes Deposit. For program records the spendable part
// (custody) is Lamports - Deposit.
type Account struct {
	Address    ledger.Pubkey
	Lamports   uint64
	Owner      ledger.Pubkey
	Kind       Kind
	Deposit    uint64
	Data       []byte
	CreatedSeq int64
	UpdatedSeq int64
}

// Custody returns the lamports held above the deposit.
func (a Account) Custody() uint64 {
	if a.Lamports < a.Deposit {
		return 0
	}
	return a.Lamports - a.Deposit
}

// Status of a logged transaction.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// TxRecord is one entry of the transaction log with its receipt.
type TxRecord struct {
	Seq          int64
	ID           string
	Instruction  string
	Payer        ledger.Pubkey
	Raw          []byte
	Status       string
	ErrorCode    string
	ErrorClass   string
	ErrorMessage string
	AppliedAt    int64
}

// EventRecord is a persisted event.
type EventRecord struct {
	Seq       int64
	ID        string
	TxSeq     int64
	TxID      string
	Name      string
	ChannelID string
	Owner     string
	Payload   []byte
	EmittedAt int64
}

// Settlement statuses.
const (
	SettlementClosed   = "closed"
	SettlementRefunded = "refunded"
)

// Settlement is the history row written when a channel is closed or refunded.
type Settlement struct {
	Seq             int64
	TxID            string
	Address         ledger.Pubkey
	ChannelID       string
	Owner           ledger.Pubkey
	CounterParty    ledger.Pubkey
	TemplateCreator ledger.Pubkey
	Status          string
	Balance         uint64
	Custody         uint64
	Fee             uint64
	Royalty         uint64
	Refund          uint64
	SettledAt       int64
}

// Keeper channel statuses.
const (
	KeeperOpen   = "open"
	KeeperClosed = "closed"
	KeeperFailed = "failed"
)

// KeeperChannel is the keeper's private record of a channel it opened.
type KeeperChannel struct {
	ChannelID    string
	Owner        ledger.Pubkey
	CounterParty ledger.Pubkey
	Secret       string // hex preimage
	Amount       uint64
	Timelock     int64
	OpenedAt     int64
	Spent        uint64
	Status       string
}

// toInt64 converts a lamport amount for storage.
func toInt64(v uint64) (int64, error) {
	if v > MaxLamports {
		return 0, fmt.Errorf("amount %d exceeds storage limit %d", v, MaxLamports)
	}
	return int64(v), nil
}

func fromInt64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
