// Package remote defines the contracts of the remote services the engine
// synchronizes with, and local implementations of them.
//
//   - Documents: a collection/id document store with merge writes and
//     equality queries (SQLiteDocuments)
//   - Content: a blob store returning durable locators (DirContent)
//   - Connectivity: the network reachability signal (Signal)
//
// The implementations here back the operator CLI and the tests. Production
// deployments plug in their own clients behind the same interfaces.
package remote
