package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/stretchr/testify/require"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func key(name string) ledger.Pubkey {
	return ledger.KeypairFromName(name).Pubkey()
}

// seedWallet creates a wallet with the given balance.
func seedWallet(t *testing.T, s *Store, name string, lamports uint64) ledger.Pubkey {
	t.Helper()
	addr := key(name)
	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.CreateAccount(Account{
			Address:  addr,
			Lamports: lamports,
			Owner:    ledger.SystemProgram,
			Kind:     KindWallet,
		})
	})
	require.NoError(t, err)
	return addr
}

// appendTx logs a successful transaction at seq.
func appendTx(t *testing.T, tx *Tx, seq int64, id string) {
	t.Helper()
	require.NoError(t, tx.AppendTransaction(TxRecord{
		Seq:         seq,
		ID:          id,
		Instruction: "transfer",
		Payer:       key("alice"),
		Raw:         []byte(`{}`),
		Status:      StatusOK,
		AppliedAt:   1000 + seq,
	}))
}
