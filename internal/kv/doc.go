// Package kv is the local key-value store the engine persists all state to.
//
// The store is a flat string→string namespace (see package keys for the
// layout). Two implementations are provided:
//   - SQLite: durable, single-file, used by the CLI
//   - Memory: process-local, used by tests
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Values are opaque to the store. JSON helpers in this package map decode
// failures to STORAGE_CORRUPT errors so callers can run their recovery path.
package kv
