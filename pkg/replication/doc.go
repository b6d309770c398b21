// Package replication propagates rule changes between nodes.
//
// A Coordinator keeps one state machine per peer:
//
//	Unknown -> Handshaking -> Syncing -> Synced
//	                 \            \
//	                  `-> Degraded <'  (retry: Degraded -> Syncing or Handshaking)
//
// and Disconnected once the coordinator stops.
//
// # Routine sync
//
// A cycle exchanges digests (rule id, version, Lamport timestamp and
// version vector per row), fetches the rows the peer holds newer or
// concurrent versions of, applies them through the peer's inbound queue,
// and pushes back the rows where the local version dominates. Concurrent
// versions are merged by the store with a deterministic picker, recorded as
// a sync ConflictRecord, and the merged row is pushed to the peer so both
// sides converge on identical rows. The losing version stays in the rule's
// history.
//
// # Emergency sync
//
// EmergencyPush sends one row to every reachable peer through a priority
// lane of each peer's outbound worker, ahead of routine cycles.
// Acknowledgment comes back once the peer has applied it.
//
// # Failures
//
// Every step is retried with exponential backoff up to a bounded number of
// attempts; each attempt has its own deadline. A step that still fails
// marks the peer Degraded, and routine cycles skip it until Reconnect or
// ForceSync completes a fresh handshake. Sync errors never reach
// evaluation callers.
//
// # Wire format
//
// Messages are CBOR envelopes with a blake3 checksum over the body, which
// is zstd-compressed when compression is on and the body is large. The
// Network type connects coordinators in process; HTTPTransport and
// HTTPHandler carry the same bytes over POST /v1/replication.
package replication
