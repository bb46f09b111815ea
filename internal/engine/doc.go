// Package engine implements the sync client of a terminal.
//
// One call to RunCycle reconciles the terminal with the remote store:
//
//  1. Settle: operations already answered but not yet folded into local
//     state (a crash between the two steps) are settled again.
//  2. Pull: changes newer than the inbound watermark are applied to the
//     local store with last-writer-wins by server revision, page by page.
//     The watermark advances only after each page is applied.
//  3. Push: batches of Pending and Submitted operations are submitted in
//     sequence order. Each result is durably recorded on the log before
//     local state is settled. Conflicts go through the resolver; its
//     follow-up operations are appended to the log and applied locally,
//     then pushed by a later batch.
//  4. Finish: the outbound watermark moves to the last sequence number
//     below which nothing is open, and acknowledged operations are pruned.
//
// Cancellation is observed between pages and batches. A batch already on
// the wire is allowed to finish so its answer is recorded.
//
// Every step is idempotent. The only inputs are the log, the cursors and
// the server's stored answers, so a cycle interrupted at any point
// converges when the next cycle runs.
package engine
