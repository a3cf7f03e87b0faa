// Package model defines the attendance domain: sites, sessions, captured
// asset records, closed-day snapshots, and the error taxonomy shared by the
// ledger, the reconciler, the sync orchestrator and the state machine.
//
// # Persisted Shape
//
// Every struct here is stored as JSON in the local key-value store and in
// the remote document store. Field names are the wire names used by the
// mobile client that first wrote this data, so existing ledgers decode
// without migration.
//
// # Time
//
// Timestamps are strings in TimeLayout (RFC 3339 with milliseconds and a
// zone offset). Calendar dates use DateLayout and are always computed in the
// configured attendance time zone, never in UTC.
package model
