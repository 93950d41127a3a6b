// Package wire defines the byte-exact encodings shared by signers, the
// runtime and the store.
//
// Canonical JSON (RFC 8785) is used for everything that is signed or hashed:
// transaction messages, event envelopes and the state digest. Ids are
// SHA-256 over a versioned domain prefix, a 0x00 separator and the canonical
// bytes, so a transaction id can never collide with an event id.
package wire
