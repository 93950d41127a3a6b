// Package program is the instruction table: it binds instruction names to
// the channel, registry and npc handlers plus a plain lamport transfer.
package program
