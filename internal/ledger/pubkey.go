package ledger

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// PubkeyLen is the byte length of an identity key or derived address.
const PubkeyLen = 32

// Pubkey identifies a wallet (an ed25519 public key) or a record address
// derived from seeds. Its text form is base58.
type Pubkey [PubkeyLen]byte

// SystemProgram is the owner of plain wallet accounts.
var SystemProgram = Pubkey{}

// ParsePubkey decodes a base58 pubkey.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("parse pubkey %q: %w", s, err)
	}
	if len(raw) != PubkeyLen {
		return pk, fmt.Errorf("parse pubkey %q: want %d bytes, got %d", s, PubkeyLen, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustParsePubkey is like ParsePubkey but panics on error.
// Use only in tests or for compile-time constants.
func MustParsePubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// String returns the base58 form.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// Bytes returns a copy of the key bytes, suitable as a derivation seed.
func (p Pubkey) Bytes() []byte {
	b := make([]byte, PubkeyLen)
	copy(b, p[:])
	return b
}

// IsZero reports whether p is the all-zero key (the system program id).
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Equal compares two keys.
func (p Pubkey) Equal(o Pubkey) bool {
	return bytes.Equal(p[:], o[:])
}

// MarshalText implements encoding.TextMarshaler so keys are base58 in JSON
// and YAML.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}
