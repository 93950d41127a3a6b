// Package store provides SQLite-backed durable storage for the dan runtime.
//
// The store holds:
//   - Accounts: wallets and program records (templates, channels, NPC memory and state)
//   - Transactions: the signed transaction log with one receipt per entry
//   - Events: notifications emitted by committed transitions
//   - Channel history: one row per settled channel
//   - Keeper channels: off-chain bookkeeping of the keeper
//
// # Atomicity
//
// Every state transition runs inside Update: one SQLite transaction. A
// handler error rolls back every account change, so no partial transfer is
// ever visible. Savepoints let the runtime discard a failed handler's writes
// while still recording the failed receipt in the same commit.
//
// # Ordering
//
//   - Transactions are ordered by seq, the runtime's logical clock
//   - All list queries carry ORDER BY seq so paging is stable
//   - The state digest orders accounts by address
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
