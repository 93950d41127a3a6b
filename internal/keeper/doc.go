// Package keeper runs the operator side of metered NPC access: it opens a
// channel per counter-party, charges each NPC update against it, and
// closes aged channels with the metered spend before their timelock.
package keeper
