package ledger

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// Derivation limits. A seed longer than MaxSeedLen, or more than MaxSeeds
// seeds, cannot be turned into an address.
const (
	MaxSeedLen = 32
	MaxSeeds   = 16
)

const pdaMarker = "ProgramDerivedAddress"

var (
	// ErrMaxSeedLengthExceeded is returned when a seed is longer than MaxSeedLen.
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")

	// ErrTooManySeeds is returned when more than MaxSeeds seeds are given.
	ErrTooManySeeds = errors.New("too many seeds")

	// ErrNoViableBump is returned when no bump in [0,255] yields an off-curve
	// address. Practically unreachable.
	ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

	// ErrOnCurve is returned by CreateProgramAddress when the candidate is a
	// valid ed25519 point and therefore could have a private key.
	ErrOnCurve = errors.New("derived address is on the ed25519 curve")
)

// Seed builds the seed list for a derivation from a fixed tag and parts.
func Seed(tag string, parts ...[]byte) [][]byte {
	seeds := make([][]byte, 0, len(parts)+1)
	seeds = append(seeds, []byte(tag))
	return append(seeds, parts...)
}

// CreateProgramAddress hashes seeds, the program id and the marker into a
// candidate address. The candidate is rejected if it lies on the curve.
func CreateProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, error) {
	var addr Pubkey
	if len(seeds) > MaxSeeds {
		return addr, ErrTooManySeeds
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return addr, fmt.Errorf("%w: %d > %d", ErrMaxSeedLengthExceeded, len(s), MaxSeedLen)
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))
	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr) {
		return Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// off-curve address together with the bump that produced it. The result is
// a pure function of seeds and programID.
func FindProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, uint8, error) {
	if len(seeds) >= MaxSeeds {
		// one slot is reserved for the bump
		return Pubkey{}, 0, ErrTooManySeeds
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Pubkey{}, 0, err
		}
	}
	return Pubkey{}, 0, ErrNoViableBump
}

// IsOnCurve reports whether pk decodes to a valid ed25519 point.
func IsOnCurve(pk Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}
