// Package ir defines the shared data model for tillsync.
//
// This package contains type definitions, the tagged payload variants, canonical
// JSON and the error taxonomy. All other internal packages import ir; ir imports
// nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - quantities and money are int64 minor units
//   - Ordering uses SequenceNo (per terminal) and server Revision, never wall-clock time
//   - Every Operation and Change carries exactly one Scope (tenant + store)
//   - Payload JSON tags use snake_case
package ir
