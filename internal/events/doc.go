// Package events carries committed notifications out of the runtime.
//
// Instructions emit typed events; the runtime persists them with the
// transaction and, only after commit, hands each Envelope to an Emitter.
// Emitters here are a fan-out Bus for live subscribers (the websocket
// stream) and an Archive of compressed JSONL files. Nothing read back from
// an emitter influences program state.
package events
