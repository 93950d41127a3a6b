// Package runtime is the host execution environment for dan instructions.
//
// A transaction names one instruction, its arguments, the accounts it
// touches and carries ed25519 signatures over the canonical form of its
// message. The runtime:
//
//  1. rejects malformed, unsigned, unknown or already-processed transactions
//  2. opens one store transaction and runs the instruction handler
//  3. on a handler error, discards the handler's writes but still logs the
//     failed receipt; on success, logs the receipt and the emitted events
//  4. commits, advances the logical clock, and only then delivers events
//
// Handlers see the host through Context: a time reading they cannot
// influence, record address derivation, signer checks, record storage and
// Transfer, the only operation that moves lamports.
//
// Errors raised by handlers are either domain errors (ProgramError, class
// "domain") or runtime faults (Fault, class "fault"). Any other error is an
// infrastructure failure: the transition aborts and nothing is logged.
package runtime
