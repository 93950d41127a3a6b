// Package channel implements hashed-timelock payment channels.
//
// A channel is a record holding custody of lamports committed by its owner
// to a counter-party. Before the timelock anyone holding the secret can
// close it: one fifth of the agreed final balance goes to the creator of
// the template the channel was opened against, the rest of it to the
// owner, and the remaining custody back to the counter-party. From the
// timelock on only the counter-party can reclaim the whole custody. The
// two windows do not overlap, and whichever settlement succeeds destroys
// the record, so a channel settles exactly once.
//
// Custody is the record's live balance above its deposit. Lamports sent to
// a channel address after open are settled along with the committed amount.
package channel
