// Package npc stores per-game NPC records: an append-only action memory
// and a state record holding the current dialogue and behavior. Both are
// keyed by creator, NPC id and game id; only the creator may update them.
package npc
