// Package ledger provides the identity and addressing primitives the runtime
// builds on: ed25519 keys and signatures in base58 text form, and program
// derived addresses.
//
// # Derived addresses
//
// A record's address is a pure function of a fixed tag, the parts that make
// it unique (an owner key, a caller-chosen id) and the program id:
//
//	sha256(seed_0 || ... || seed_n || bump || program_id || "ProgramDerivedAddress")
//
// The bump is searched from 255 downwards until the hash is not a valid
// ed25519 point, so no private key can exist for a record address. Anyone
// holding the public inputs can re-derive it.
package ledger
