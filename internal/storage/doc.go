// Package storage persists the recipient directory, notifier dedup state and
// the delivery audit trail.
//
// Drivers: memory (default, nothing persisted), file (JSON snapshot plus
// JSONL journals), sqlite (modernc.org/sqlite) and postgres (pgxpool).
package storage
