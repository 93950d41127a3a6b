package channel

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/cenwadike/dan/internal/ledger"
	"github.com/cenwadike/dan/internal/runtime"
)

// SeedTag prefixes every channel address derivation.
const SeedTag = "channel"

// MaxSecretLen bounds the preimage a close may carry.
const MaxSecretLen = 64

// Space is the declared size of a channel record.
const Space = ledger.PubkeyLen + ledger.PubkeyLen + 8 + HashLen + 8 + ledger.PubkeyLen + 1

// RoyaltyDivisor gives the template creator one fifth of the final balance.
const RoyaltyDivisor = 5

// Domain errors.
var (
	ErrInvalidSecret            = runtime.NewProgramError("InvalidSecret", "invalid secret provided")
	ErrNotOwner                 = runtime.NewProgramError("NotOwner", "not the channel owner")
	ErrTimelockExpired          = runtime.NewProgramError("TimelockExpired", "timelock has expired")
	ErrTimelockNotExpired       = runtime.NewProgramError("TimelockNotExpired", "timelock has not yet expired")
	ErrWrongChannelOwner        = runtime.NewProgramError("WrongChannelOwner", "incorrect channel owner account")
	ErrWrongChannelCounterParty = runtime.NewProgramError("WrongChannelCounterParty", "incorrect channel counter-party account")
	ErrWrongTemplateCreator     = runtime.NewProgramError("WrongTemplateCreator", "incorrect template creator account")
)

// HashLen is the size of a hashlock.
const HashLen = sha256.Size

// Hash is a sha256 commitment, hex encoded in JSON.
type Hash [HashLen]byte

// HashSecret returns the hashlock committing to secret.
func HashSecret(secret []byte) Hash {
	return sha256.Sum256(secret)
}

// Matches reports whether secret opens the hashlock.
func (h Hash) Matches(secret []byte) bool {
	sum := sha256.Sum256(secret)
	return subtle.ConstantTimeCompare(sum[:], h[:]) == 1
}

// String returns the hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("hashlock: %w", err)
	}
	if len(raw) != HashLen {
		return fmt.Errorf("hashlock: want %d bytes, got %d", HashLen, len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Secret is a hashlock preimage, hex encoded in JSON.
type Secret []byte

// ParseSecret decodes a hex preimage.
func ParseSecret(s string) (Secret, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return Secret(raw), nil
}

// String returns the hex form.
func (s Secret) String() string {
	return hex.EncodeToString(s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Secret) UnmarshalText(text []byte) error {
	parsed, err := ParseSecret(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PaymentChannel is the custody record of an open channel. It is created
// by open and destroyed by whichever of close or claim_refund succeeds;
// it is never modified in between.
type PaymentChannel struct {
	Owner           ledger.Pubkey `json:"owner"`
	CounterParty    ledger.Pubkey `json:"counter_party"`
	Balance         uint64        `json:"balance"`
	Hashlock        Hash          `json:"hashlock"`
	Timelock        uint64        `json:"timelock"`
	TemplateCreator ledger.Pubkey `json:"template_creator"`
	Bump            uint8         `json:"bump"`
}

// Expired reports whether the timelock has passed at now. At exactly the
// timelock the channel is refundable and no longer closable.
func (c PaymentChannel) Expired(now int64) bool {
	return now >= 0 && uint64(now) >= c.Timelock
}

// Seeds returns the derivation seeds of a channel address.
func Seeds(owner ledger.Pubkey, channelID string) [][]byte {
	return ledger.Seed(SeedTag, owner.Bytes(), []byte(channelID))
}

// Address derives the channel address under programID.
func Address(programID, owner ledger.Pubkey, channelID string) (ledger.Pubkey, error) {
	addr, _, err := ledger.FindProgramAddress(Seeds(owner, channelID), programID)
	if err != nil {
		return ledger.Pubkey{}, fmt.Errorf("channel %q: %w", channelID, err)
	}
	return addr, nil
}

func requireChannelID(id string) error {
	if id == "" {
		return runtime.ErrInvalidArgument.Wrapf("channel_id is required")
	}
	return nil
}
