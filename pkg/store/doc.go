// Package store is the authoritative rule store.
//
// Store owns every canonical rule row, including overrides and deletion
// tombstones. Mutations are serialized per rule id, validated before they
// touch the backend, versioned, stamped with a Lamport timestamp and
// announced to subscribers (the indexer and the replication coordinator)
// through ChangeEvents.
//
// Overrides are kept as edges in an adjacency structure keyed by rule id.
// Any write that would close a loop in the parent chain is rejected with a
// rule.CycleError before it is persisted, so readers never need to guard
// against cycles.
//
// Persistence is delegated to a Backend. MemoryBackend keeps rows in
// process; SQLiteBackend stores them in a WAL-mode SQLite database together
// with the superseded-version history.
package store
