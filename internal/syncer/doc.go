// Package syncer pushes local state to the remote stores.
//
// A synchronize pass runs four steps, each item isolated so one failure
// never aborts the rest:
//
//  1. check connectivity
//  2. probe the document store with a short deadline
//  3. upload every local-only image and rewrite its locator in the asset
//     record and the ledger
//  4. push every completed session with remote images under a
//     content-addressed document id
//
// Passes are single-flight: a call made while another is running returns
// immediately with Report.Skipped set. Uploads are gated on the locator
// being local and pushes on the session having no remote id, so running a
// pass twice transfers nothing the second time.
//
// Run drives passes from connectivity transitions (offline to online, with
// retry and backoff) and from an optional poll interval.
package syncer
