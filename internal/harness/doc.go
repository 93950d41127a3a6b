// Package harness runs YAML scenarios against a real runtime and checks
// their receipts, events and final state.
//
// # Scenario Format
//
//	name: close_with_secret
//	description: "The counter-party settles with the secret"
//	lamports_per_byte: 10
//	genesis:
//	  wallets: { alice: 1000000, bob: 1000000, carol: 1000000 }
//	  templates:
//	    - { id: default, creator: carol, name: Default }
//	flow:
//	  - invoke: open_channel
//	    payer: alice
//	    accounts: { counter_party: bob }
//	    args:
//	      channel_id: c1
//	      amount: 1000
//	      hashlock: "$hash:s1"
//	      timelock: "$time:+3600"
//	      template_id: default
//	  - invoke: close_channel
//	    payer: bob
//	    advance: 60
//	    accounts: { owner: alice, counter_party: bob, template_creator: carol }
//	    args: { channel_id: c1, secret: "$secret:s1", final_balance: 500 }
//	assertions:
//	  - { type: balance, account: carol, equals: 995220 }
//	  - { type: exists, account: "channel:alice:c1", exists: false }
//
// Wallet names are key names: "alice" signs with the keypair derived from
// "alice". String values starting with "$" are expanded before the
// instruction is built:
//
//   - $key:NAME is the wallet's base58 address
//   - $hash:TEXT is the hex hashlock of TEXT
//   - $secret:TEXT is TEXT's bytes in hex
//   - $time:+N is the scenario start plus N seconds
//   - $repeat:N:TEXT is TEXT repeated N times
//
// Account references accept a wallet name, channel:OWNER:ID,
// template:ID, memory:CREATOR:NPC:GAME or state:CREATOR:NPC:GAME.
//
// # Assertion Types
//
//   - trace_contains: a transaction with the instruction, status and args
//   - trace_order: instructions appear in order
//   - trace_count: an instruction appears exactly N times
//   - event_count: an event was emitted exactly N times
//   - balance: an account holds exactly N lamports
//   - exists: an account exists or not
//   - conservation: total supply equals the genesis supply
//   - final_state: one row of a store table has the expected columns
//
// # Deterministic Runs
//
// Each scenario runs in a fresh store with a manual clock starting at
// start (default 1700000000) and nonces derived from the scenario name,
// so the same scenario always yields the same trace and state digest.
package harness
