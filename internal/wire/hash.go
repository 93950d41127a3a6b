package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainTransaction = "dan/transaction/v1"
	DomainEvent       = "dan/event/v1"
	DomainState       = "dan/state/v1"
	DomainGenesis     = "dan/genesis/v1"
)

// HashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TransactionID computes the id of a transaction from the canonical form of
// its message. Signatures are excluded so the id is known before signing.
func TransactionID(message any) (string, error) {
	canonical, err := MarshalCanonical(message)
	if err != nil {
		return "", fmt.Errorf("TransactionID: failed to marshal: %w", err)
	}
	return HashWithDomain(DomainTransaction, canonical), nil
}

// EventID computes the id of an event. Two events with the same name and
// payload emitted by the same transaction at the same position share an id.
func EventID(txID, name string, index int, payload any) (string, error) {
	obj := map[string]any{
		"tx_id":   txID,
		"name":    name,
		"index":   index,
		"payload": payload,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return HashWithDomain(DomainEvent, canonical), nil
}
