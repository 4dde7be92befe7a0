// Package session provides Redis-backed session record persistence and
// compact binary session encoding for authentication hot paths.
//
// # Binary encoding
//
// Records are stored in Redis as a compact binary format (version byte,
// flags, fixed timestamps, length-prefixed strings). The encoder is
// append-only: new versions add fields but never reinterpret old ones.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model.
// It does NOT interpret signed tokens or enforce authentication policy —
// those responsibilities belong to the Engine, which decides what a revoked
// or expired record means for a caller.
//
// # What this package must NOT do
//
//   - Import authcore or jwt (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store token secrets in [Session] fields; records are keyed by the
//     public session ID only.
package session
