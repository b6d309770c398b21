// Package index projects the rule store into immutable, query-ready
// snapshots and caches evaluation results against them.
//
// The Indexer subscribes to store change events. Each event yields a new
// Snapshot, derived copy-on-write from the previous one and published with
// an atomic pointer swap, so readers never observe a half-applied change
// and never wait for writers. A snapshot can always be rebuilt from the
// store; it is never a source of truth.
//
// Every snapshot entry carries the sequence number of the snapshot in
// which it last changed. Cache entries record the largest such sequence
// over their candidate rules and are honored only while that value is
// unchanged, so editing one rule invalidates only the cached results that
// depended on it.
package index
