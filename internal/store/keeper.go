package store

import (
	"context"
	"fmt"

	"github.com/cenwadike/dan/internal/ledger"
)

// SaveKeeperChannel records a channel the keeper opened.
func (s *Store) SaveKeeperChannel(ctx context.Context, kc KeeperChannel) error {
	amount, err := toInt64(kc.Amount)
	if err != nil {
		return fmt.Errorf("save keeper channel %s: %w", kc.ChannelID, err)
	}
	status := kc.Status
	if status == "" {
		status = KeeperOpen
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO keeper_channels
		(channel_id, owner, counter_party, secret, amount, timelock, opened_at, spent, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, kc.ChannelID, kc.Owner.String(), kc.CounterParty.String(), kc.Secret, amount, kc.Timelock, kc.OpenedAt, status)
	if err != nil {
		return fmt.Errorf("save keeper channel %s: %w", kc.ChannelID, err)
	}
	return nil
}

// AddKeeperSpend adds amount to the metered spend of an open keeper channel
// and returns the new total. Spend never exceeds the funded amount.
func (s *Store) AddKeeperSpend(ctx context.Context, channelID string, amount uint64) (uint64, error) {
	delta, err := toInt64(amount)
	if err != nil {
		return 0, fmt.Errorf("keeper spend %s: %w", channelID, err)
	}
	var spent int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE keeper_channels SET spent = MIN(spent + ?, amount)
		WHERE channel_id = ? AND status = 'open'
		RETURNING spent
	`, delta, channelID).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("keeper spend %s: %w", channelID, err)
	}
	return fromInt64(spent), nil
}

// SetKeeperStatus moves a keeper channel to closed or failed.
func (s *Store) SetKeeperStatus(ctx context.Context, channelID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE keeper_channels SET status = ? WHERE channel_id = ?`, status, channelID)
	if err != nil {
		return fmt.Errorf("keeper status %s: %w", channelID, err)
	}
	return nil
}

// KeeperChannel returns the keeper's record of channelID.
func (s *Store) KeeperChannel(ctx context.Context, channelID string) (KeeperChannel, error) {
	rows, err := s.keeperChannels(ctx, `WHERE channel_id = ?`, channelID)
	if err != nil {
		return KeeperChannel{}, err
	}
	if len(rows) == 0 {
		return KeeperChannel{}, fmt.Errorf("keeper channel %s: %w", channelID, ErrAccountNotFound)
	}
	return rows[0], nil
}

// OpenKeeperChannels returns the keeper channels still open, oldest first.
func (s *Store) OpenKeeperChannels(ctx context.Context) ([]KeeperChannel, error) {
	return s.keeperChannels(ctx, `WHERE status = 'open'`)
}

// OpenKeeperChannelFor returns the open keeper channel for a counter-party,
// if any.
func (s *Store) OpenKeeperChannelFor(ctx context.Context, counterParty ledger.Pubkey) (KeeperChannel, bool, error) {
	rows, err := s.keeperChannels(ctx, `WHERE status = 'open' AND counter_party = ?`, counterParty.String())
	if err != nil {
		return KeeperChannel{}, false, err
	}
	if len(rows) == 0 {
		return KeeperChannel{}, false, nil
	}
	return rows[0], true, nil
}

func (s *Store) keeperChannels(ctx context.Context, where string, args ...any) ([]KeeperChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, owner, counter_party, secret, amount, timelock, opened_at, spent, status
		FROM keeper_channels `+where+`
		ORDER BY opened_at ASC, channel_id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query keeper channels: %w", err)
	}
	defer rows.Close()

	out := []KeeperChannel{}
	for rows.Next() {
		var (
			kc                  KeeperChannel
			owner, counterParty string
			amount, spent       int64
		)
		if err := rows.Scan(&kc.ChannelID, &owner, &counterParty, &kc.Secret, &amount, &kc.Timelock, &kc.OpenedAt, &spent, &kc.Status); err != nil {
			return nil, fmt.Errorf("scan keeper channel: %w", err)
		}
		if err := parseKeys(map[*ledger.Pubkey]string{&kc.Owner: owner, &kc.CounterParty: counterParty}); err != nil {
			return nil, fmt.Errorf("scan keeper channel: %w", err)
		}
		kc.Amount = fromInt64(amount)
		kc.Spent = fromInt64(spent)
		out = append(out, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keeper channels: %w", err)
	}
	return out, nil
}
