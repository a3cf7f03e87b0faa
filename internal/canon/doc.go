// Package canon produces canonical JSON and content-addressed identifiers.
//
// Remote documents pushed by the sync orchestrator are keyed by a hash of
// their logical identity rather than a random id. Re-pushing the same
// session after a crash or a lost acknowledgement overwrites the same
// document instead of creating a duplicate.
//
// Canonical form follows RFC 8785 for the value types used here: object
// keys ordered by UTF-16 code units, strings NFC normalized, no HTML
// escaping, integers only.
package canon
