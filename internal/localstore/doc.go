// Package localstore holds the terminal's queryable business state.
//
// State has two sources:
//   - Server records pulled through the change feed, applied
//     last-writer-wins by server revision per entity.
//   - Optimistic effects of operations in the log, applied at append time
//     and settled (kept, folded or reverted) once the server answers.
//
// Stock is split into server_quantity and local_delta so that a pulled
// quantity never erases an adjustment the server has not seen yet.
//
// Apply and settle are idempotent per operation id. Writes to one entity
// are serialized by a keyed mutex; no lock is held across network calls
// because this package never makes any.
package localstore
