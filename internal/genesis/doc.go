// Package genesis compiles CUE genesis documents and applies them to a
// fresh store.
//
// A document funds wallets and creates templates:
//
//	genesis: {
//		time: 1700000000
//		wallets: [
//			{name: "operator", lamports: 1_000_000_000},
//			{address: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", lamports: 5_000_000},
//		]
//		templates: default: {
//			creator:       "name:operator"
//			name:          "Default"
//			base_behavior: "idle"
//		}
//	}
//
// A wallet given by name gets the deterministic development key for that
// name. Templates are created through the runtime with the creator as
// payer, so the creator needs a funded wallet in the same document.
package genesis
