package replication

import (
	"fmt"
	"time"
)

// PeerState is the position of a peer in the sync state machine.
type PeerState int

const (
	StateUnknown PeerState = iota
	StateHandshaking
	StateSyncing
	StateSynced
	StateDegraded
	StateDisconnected
)

var stateNames = [...]string{
	StateUnknown:      "unknown",
	StateHandshaking:  "handshaking",
	StateSyncing:      "syncing",
	StateSynced:       "synced",
	StateDegraded:     "degraded",
	StateDisconnected: "disconnected",
}

// String implements fmt.Stringer.
func (s PeerState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PeerState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = PeerState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", b)
}

// transitions lists the states reachable from each state. Any state may
// move to Disconnected on shutdown.
var transitions = map[PeerState][]PeerState{
	StateUnknown:      {StateHandshaking},
	StateHandshaking:  {StateSyncing, StateDegraded},
	StateSyncing:      {StateSynced, StateDegraded},
	StateSynced:       {StateSyncing, StateHandshaking, StateDegraded},
	StateDegraded:     {StateSyncing, StateHandshaking},
	StateDisconnected: {StateHandshaking},
}

// CanTransition reports whether the state machine allows s -> to.
func (s PeerState) CanTransition(to PeerState) bool {
	if to == StateDisconnected || s == to {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PeerStatus is the sync_status entry for one peer.
type PeerStatus struct {
	Peer    string    `json:"peer"`
	Address string    `json:"address,omitempty"`
	State   PeerState `json:"state"`

	// LastSyncAt is the completion time of the last successful cycle.
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`

	// PendingCount is the number of received rule deltas not yet applied
	// plus queued emergency pushes.
	PendingCount int `json:"pending_count"`

	// Failures counts consecutive failed operations.
	Failures int `json:"failures"`

	LastError string `json:"last_error,omitempty"`

	// Session is the id agreed in the last successful handshake.
	Session string `json:"session,omitempty"`
}
