package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/query"
)

// Account reads the account at addr outside of a transition.
func (s *Store) Account(ctx context.Context, addr ledger.Pubkey) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, lamports, owner, kind, deposit, data, created_seq, updated_seq
		FROM accounts WHERE address = ?
	`, addr.String())
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if err != nil {
		return Account{}, fmt.Errorf("read account %s: %w", addr, err)
	}
	return acct, nil
}

// Accounts returns every account ordered by address.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, lamports, owner, kind, deposit, data, created_seq, updated_seq
		FROM accounts
		ORDER BY address COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// TotalLamports sums every account balance.
func (s *Store) TotalLamports(ctx context.Context) (uint64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(lamports) FROM accounts`).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum lamports: %w", err)
	}
	return fromInt64(total.Int64), nil
}

// LastSeq returns the highest logged transaction seq, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transactions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq.Int64, nil
}

const txColumns = `seq, id, instruction, payer, raw, status, error_code, error_class, error_message, applied_at`

// Transaction returns the logged transaction with the given id.
func (s *Store) Transaction(ctx context.Context, id string) (TxRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	rec, err := scanTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TxRecord{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	if err != nil {
		return TxRecord{}, fmt.Errorf("read transaction %s: %w", id, err)
	}
	return rec, nil
}

// Transactions returns logged transactions with seq > after, in seq order.
// A limit of 0 returns all of them.
func (s *Store) Transactions(ctx context.Context, after int64, limit int) ([]TxRecord, error) {
	sqlText, params, err := query.Compile(query.Select{
		From:    "transactions",
		Columns: []string{"seq", "id", "instruction", "payer", "raw", "status", "error_code", "error_class", "error_message", "applied_at"},
		Filter:  query.After{Field: "seq", Value: after},
		OrderBy: "seq",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	records := []TxRecord{}
	for rows.Next() {
		rec, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return records, nil
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	Name      string
	ChannelID string
	Owner     string
	TxID      string
	After     int64
	Limit     int
}

// Events returns persisted events matching f in emission order.
func (s *Store) Events(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	sqlText, params, err := query.Compile(query.Select{
		From:    "events",
		Columns: []string{"seq", "id", "tx_seq", "tx_id", "name", "channel_id", "owner", "payload", "emitted_at"},
		Filter: query.Where(
			query.EqualsIf("name", f.Name),
			query.EqualsIf("channel_id", f.ChannelID),
			query.EqualsIf("owner", f.Owner),
			query.EqualsIf("tx_id", f.TxID),
			query.After{Field: "seq", Value: f.After},
		),
		OrderBy: "seq",
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.Seq, &e.ID, &e.TxSeq, &e.TxID, &e.Name, &e.ChannelID, &e.Owner, &e.Payload, &e.EmittedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SettlementFilter selects channel history rows. Empty fields match everything.
type SettlementFilter struct {
	Owner     string
	ChannelID string
	Status    string
	After     int64
	Limit     int
}

// Settlements returns channel history rows matching f in settlement order.
func (s *Store) Settlements(ctx context.Context, f SettlementFilter) ([]Settlement, error) {
	sqlText, params, err := query.Compile(query.Select{
		From: "channel_history",
		Columns: []string{"seq", "tx_id", "address", "channel_id", "owner", "counter_party", "template_creator",
			"status", "balance", "custody", "fee", "royalty", "refund", "settled_at"},
		Filter: query.Where(
			query.EqualsIf("owner", f.Owner),
			query.EqualsIf("channel_id", f.ChannelID),
			query.EqualsIf("status", f.Status),
			query.After{Field: "seq", Value: f.After},
		),
		OrderBy: "seq",
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()

	out := []Settlement{}
	for rows.Next() {
		var (
			st                                     Settlement
			address, owner, counterParty, creator  string
			balance, custody, fee, royalty, refund int64
		)
		if err := rows.Scan(&st.Seq, &st.TxID, &address, &st.ChannelID, &owner, &counterParty, &creator,
			&st.Status, &balance, &custody, &fee, &royalty, &refund, &st.SettledAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		if err := parseKeys(map[*ledger.Pubkey]string{
			&st.Address:         address,
			&st.Owner:           owner,
			&st.CounterParty:    counterParty,
			&st.TemplateCreator: creator,
		}); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		st.Balance = fromInt64(balance)
		st.Custody = fromInt64(custody)
		st.Fee = fromInt64(fee)
		st.Royalty = fromInt64(royalty)
		st.Refund = fromInt64(refund)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return out, nil
}

func scanTx(row rowScanner) (TxRecord, error) {
	var (
		r     TxRecord
		payer string
	)
	if err := row.Scan(&r.Seq, &r.ID, &r.Instruction, &payer, &r.Raw, &r.Status,
		&r.ErrorCode, &r.ErrorClass, &r.ErrorMessage, &r.AppliedAt); err != nil {
		return TxRecord{}, err
	}
	pk, err := ledger.ParsePubkey(payer)
	if err != nil {
		return TxRecord{}, fmt.Errorf("stored payer: %w", err)
	}
	r.Payer = pk
	return r, nil
}

func parseKeys(dst map[*ledger.Pubkey]string) error {
	for ptr, text := range dst {
		pk, err := ledger.ParsePubkey(text)
		if err != nil {
			return err
		}
		*ptr = pk
	}
	return nil
}
