// Package ledger holds the per-owner map of sites to sessions and persists
// it to the local store.
//
// # Invariants
//
//   - Per site, at most one session is open and it is the last one.
//   - Across the ledger, at most one site has an open session.
//   - Sessions are append-only. RecordExit mutates the last session of a
//     site; nothing else rewrites history except locator replacement after
//     upload and Reset on day closure.
//
// # Persistence
//
// Every mutation schedules a debounced write of the whole ledger (last
// write wins). FlushNow writes synchronously; Close flushes and stops the
// timer so no write fires after the owner is gone.
//
// # Corruption
//
// Load never fails. A stored value that does not decode, or that contains
// an invalid session, is copied to a backup key, verified, removed, and
// replaced by an empty ledger.
package ledger
