package store

import (
	"context"
	"fmt"

	"github.com/cenwadike/dan/internal/wire"
)

// StateDigest hashes every account (address, balance, owner, kind, deposit,
// body) in address order. Two stores that applied the same transactions
// produce the same digest.
func (s *Store) StateDigest(ctx context.Context) (string, error) {
	accounts, err := s.Accounts(ctx)
	if err != nil {
		return "", err
	}
	entries := make([]any, 0, len(accounts))
	for _, a := range accounts {
		entries = append(entries, map[string]any{
			"address":  a.Address.String(),
			"lamports": a.Lamports,
			"owner":    a.Owner.String(),
			"kind":     string(a.Kind),
			"deposit":  a.Deposit,
			"data":     string(a.Data),
		})
	}
	canonical, err := wire.MarshalCanonical(entries)
	if err != nil {
		return "", fmt.Errorf("state digest: %w", err)
	}
	return wire.HashWithDomain(wire.DomainState, canonical), nil
}
