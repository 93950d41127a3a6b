package testutil

import (
	"github.com/cenwadike/dan/internal/ledger"
)

// Keypair returns the deterministic keypair for a test participant name.
func Keypair(name string) *ledger.Keypair {
	return ledger.KeypairFromName(name)
}

// Pubkey returns the deterministic public key for a test participant name.
func Pubkey(name string) ledger.Pubkey {
	return ledger.KeypairFromName(name).Pubkey()
}

// ProgramID is the program id used across tests.
var ProgramID = Pubkey("dan-program")
