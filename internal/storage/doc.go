// Package storage keeps an append-only audit trail of finished deliveries.
//
// Drivers:
//   - file: JSON Lines at <path-without-ext>.audit.jsonl
//   - sqlite: a single SQLite database (modernc.org/sqlite, no cgo)
//
// The trail is for operators. Delivery state is never restored from it.
package storage
