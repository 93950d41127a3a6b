package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cenwadike/dan/internal/ledger"
)

// Tx is a store transaction handed to Update callbacks. It is only valid
// for the duration of the callback.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// Account loads the account at addr or returns ErrAccountNotFound.
func (t *Tx) Account(addr ledger.Pubkey) (Account, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT address, lamports, owner, kind, deposit, data, created_seq, updated_seq
		FROM accounts WHERE address = ?
	`, addr.String())
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if err != nil {
		return Account{}, fmt.Errorf("load account %s: %w", addr, err)
	}
	return acct, nil
}

// Exists reports whether an account is stored at addr.
func (t *Tx) Exists(addr ledger.Pubkey) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM accounts WHERE address = ?`, addr.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check account %s: %w", addr, err)
	}
	return true, nil
}

// CreateAccount inserts a new account. Returns ErrAccountExists if the
// address is occupied.
func (t *Tx) CreateAccount(a Account) error {
	lamports, err := toInt64(a.Lamports)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.Address, err)
	}
	deposit, err := toInt64(a.Deposit)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.Address, err)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO accounts (address, lamports, owner, kind, deposit, data, created_seq, updated_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO NOTHING
	`, a.Address.String(), lamports, a.Owner.String(), string(a.Kind), deposit, nonNil(a.Data), a.CreatedSeq, a.UpdatedSeq)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.Address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.Address, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.Address)
	}
	return nil
}

// PutAccount overwrites an existing account's balance, deposit and data.
// Owner and kind are fixed at creation.
func (t *Tx) PutAccount(a Account) error {
	lamports, err := toInt64(a.Lamports)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.Address, err)
	}
	deposit, err := toInt64(a.Deposit)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.Address, err)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE accounts SET lamports = ?, deposit = ?, data = ?, updated_seq = ?
		WHERE address = ?
	`, lamports, deposit, nonNil(a.Data), a.UpdatedSeq, a.Address.String())
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.Address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.Address, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, a.Address)
	}
	return nil
}

// DeleteAccount removes the account at addr.
func (t *Tx) DeleteAccount(addr ledger.Pubkey) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM accounts WHERE address = ?`, addr.String())
	if err != nil {
		return fmt.Errorf("delete account %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account %s: %w", addr, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	return nil
}

// HasTransaction reports whether a transaction id is already logged.
func (t *Tx) HasTransaction(id string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM transactions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check transaction %s: %w", id, err)
	}
	return true, nil
}

// AppendTransaction logs a transaction and its receipt.
// Returns ErrDuplicateTransaction if the id is already logged.
func (t *Tx) AppendTransaction(r TxRecord) error {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO transactions
		(seq, id, instruction, payer, raw, status, error_code, error_class, error_message, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.Seq, r.ID, r.Instruction, r.Payer.String(), nonNil(r.Raw), r.Status,
		r.ErrorCode, r.ErrorClass, r.ErrorMessage, r.AppliedAt)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, r.ID)
	}
	return nil
}

// AppendEvent persists an event and returns its event-log sequence number.
// The referenced transaction must already be appended.
func (t *Tx) AppendEvent(e EventRecord) (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO events (id, tx_seq, tx_id, name, channel_id, owner, payload, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TxSeq, e.TxID, e.Name, e.ChannelID, e.Owner, nonNil(e.Payload), e.EmittedAt)
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", e.Name, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", e.Name, err)
	}
	return seq, nil
}

// AppendSettlement writes a channel history row.
func (t *Tx) AppendSettlement(s Settlement) error {
	vals := make([]int64, 0, 5)
	for _, v := range []uint64{s.Balance, s.Custody, s.Fee, s.Royalty, s.Refund} {
		i, err := toInt64(v)
		if err != nil {
			return fmt.Errorf("append settlement %s: %w", s.ChannelID, err)
		}
		vals = append(vals, i)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO channel_history
		(tx_id, address, channel_id, owner, counter_party, template_creator, status,
		 balance, custody, fee, royalty, refund, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.TxID, s.Address.String(), s.ChannelID, s.Owner.String(), s.CounterParty.String(),
		s.TemplateCreator.String(), s.Status, vals[0], vals[1], vals[2], vals[3], vals[4], s.SettledAt)
	if err != nil {
		return fmt.Errorf("append settlement %s: %w", s.ChannelID, err)
	}
	return nil
}

// SetMeta stores a meta value, replacing any previous one.
func (t *Tx) SetMeta(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// Savepoint starts a nested scope that can be discarded with RollbackTo.
func (t *Tx) Savepoint(name string) error {
	if _, err := t.tx.ExecContext(t.ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo discards every write since the named savepoint and releases it.
func (t *Tx) RollbackTo(name string) error {
	if _, err := t.tx.ExecContext(t.ctx, "ROLLBACK TO "+name); err != nil {
		return fmt.Errorf("rollback to %s: %w", name, err)
	}
	return t.Release(name)
}

// Release keeps the writes since the named savepoint.
func (t *Tx) Release(name string) error {
	if _, err := t.tx.ExecContext(t.ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a                 Account
		address, owner    string
		kind              string
		lamports, deposit int64
	)
	if err := row.Scan(&address, &lamports, &owner, &kind, &deposit, &a.Data, &a.CreatedSeq, &a.UpdatedSeq); err != nil {
		return Account{}, err
	}
	var err error
	if a.Address, err = ledger.ParsePubkey(address); err != nil {
		return Account{}, fmt.Errorf("stored address: %w", err)
	}
	if a.Owner, err = ledger.ParsePubkey(owner); err != nil {
		return Account{}, fmt.Errorf("stored owner: %w", err)
	}
	a.Kind = Kind(kind)
	a.Lamports = fromInt64(lamports)
	a.Deposit = fromInt64(deposit)
	return a, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
