package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

// SignatureLen is the byte length of an ed25519 signature.
const SignatureLen = ed25519.SignatureSize

// Signature is an ed25519 signature over a transaction message.
type Signature [SignatureLen]byte

// String returns the base58 form.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// ParseSignature decodes a base58 signature.
func ParseSignature(str string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(str)
	if err != nil {
		return sig, fmt.Errorf("parse signature: %w", err)
	}
	if len(raw) != SignatureLen {
		return sig, fmt.Errorf("parse signature: want %d bytes, got %d", SignatureLen, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Signature) UnmarshalText(text []byte) error {
	sig, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// Keypair holds an ed25519 private key and its public identity.
type Keypair struct {
	private ed25519.PrivateKey
	public  Pubkey
}

// GenerateKeypair creates a keypair from crypto/rand.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return keypairFromPrivate(priv), nil
}

// KeypairFromSeed builds a keypair from a 32-byte ed25519 seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keypair seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return keypairFromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

// KeypairFromName derives a keypair from a label. Deterministic; only for
// tests, scenarios and local development.
func KeypairFromName(name string) *Keypair {
	seed := sha256.Sum256([]byte("dan/keypair/" + name))
	return keypairFromPrivate(ed25519.NewKeyFromSeed(seed[:]))
}

func keypairFromPrivate(priv ed25519.PrivateKey) *Keypair {
	kp := &Keypair{private: priv}
	copy(kp.public[:], priv.Public().(ed25519.PublicKey))
	return kp
}

// Pubkey returns the public identity.
func (k *Keypair) Pubkey() Pubkey {
	return k.public
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, msg))
	return sig
}

// Verify reports whether sig is a valid signature of msg by pk.
func Verify(pk Pubkey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig[:])
}

// LoadKeypair reads a keypair file: a JSON array of the 64 private key bytes.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	var raw []byte
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("decode keypair %s: %w", path, err)
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("decode keypair %s: byte out of range: %d", path, v)
		}
		raw = append(raw, byte(v))
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode keypair %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	return keypairFromPrivate(ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])), nil
}

// SaveKeypair writes the keypair in the format LoadKeypair reads.
func SaveKeypair(path string, k *Keypair) error {
	ints := make([]int, len(k.private))
	for i, b := range k.private {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save keypair: %w", err)
	}
	return nil
}
