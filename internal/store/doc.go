// Package store provides SQLite-backed durable storage for a site's
// message logs.
//
// The store keeps:
//   - Messages: the sent log and the received log, each entry named by
//     (source_site_id, seq)
//   - Ledger state: the emission counter and channel heads
//   - Watermarks: per-source reception state
//   - Outcomes: one row per attempt to apply a received message
//   - Identity: the local site id and its bootstrap grant
//
// # Patterns
//
// Atomic emission: AppendSent writes the message and the ledger state that
// numbered it in one transaction.
//
// Logical time: all ordering uses source sequence numbers, never
// timestamps. Queries end in ORDER BY seq ASC.
//
// Idempotent reception: re-delivering a stored message is ON CONFLICT DO
// NOTHING.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
