// Package store is the terminal's durable operation log.
//
// Every business action becomes an ir.Operation appended here before any
// local state changes or any network call. The log holds:
//   - Operations: the outbox, with lifecycle status and sequence numbers
//   - Sync cursors: outbound and inbound watermarks per terminal and scope
//   - Log metadata: the sequence high-water mark, kept across prunes
//
// # Ordering
//
// Sequence numbers come from a logical clock seeded from the persisted
// high-water mark on Open, so they never repeat, even after pruning.
// Every read orders by sequence_no ASC. Wall-clock created_at is stored
// for pending-age reporting only.
//
// # Writes
//
// Appends are serialized by a writer mutex and committed in one
// transaction. A failed append returns an ir.SyncError with code
// DURABILITY_FAILURE and leaves the log unchanged. Appending an id that
// already exists returns the stored operation.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The database handle is shared with internal/localstore via DB().
package store
