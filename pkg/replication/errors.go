package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncTimeout indicates a handshake or transfer missed its deadline.
	ErrSyncTimeout = errors.New("sync timeout")

	// ErrChecksumMismatch indicates a payload failed its integrity check.
	ErrChecksumMismatch = errors.New("sync checksum mismatch")

	// ErrBackpressure indicates the peer's inbound queue was full.
	ErrBackpressure = errors.New("peer busy")

	// ErrUnknownPeer indicates an operation named a peer that is not configured.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerDegraded indicates a routine cycle skipped a degraded peer.
	ErrPeerDegraded = errors.New("peer degraded")

	// ErrUnreachable indicates the transport could not reach the peer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrStopped indicates the coordinator is not running.
	ErrStopped = errors.New("coordinator stopped")
)

// SyncTimeoutError reports which step against which peer timed out.
type SyncTimeoutError struct {
	Peer string
	Op   string
}

// Error implements the error interface.
func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("sync %s with peer %q timed out", e.Op, e.Peer)
}

// Is reports whether target is ErrSyncTimeout.
func (e *SyncTimeoutError) Is(target error) bool {
	return target == ErrSyncTimeout
}

// ChecksumMismatchError reports a corrupted message from a peer.
type ChecksumMismatchError struct {
	Peer string
}

// Error implements the error interface.
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch in message from peer %q", e.Peer)
}

// Is reports whether target is ErrChecksumMismatch.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// BackpressureError reports that a peer rejected a push because its
// inbound queue was full. The push is retried with backoff.
type BackpressureError struct {
	Peer string
}

// Error implements the error interface.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("peer %q inbound queue is full", e.Peer)
}

// Is reports whether target is ErrBackpressure.
func (e *BackpressureError) Is(target error) bool {
	return target == ErrBackpressure
}

// RemoteError carries an error message returned by a peer.
type RemoteError struct {
	Peer    string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %q: %s", e.Peer, e.Message)
}
