package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/replication"
	"mercator-hq/concord/pkg/store"
)

// peerStates lists the states exported by the peer_state gauge.
var peerStates = []replication.PeerState{
	replication.StateUnknown,
	replication.StateHandshaking,
	replication.StateSyncing,
	replication.StateSynced,
	replication.StateDegraded,
	replication.StateDisconnected,
}

// ReplicationMetrics tracks peer synchronization.
//
// Metrics:
//   - concord_peer_state: 1 for the current state of each peer, 0 otherwise
//   - concord_sync_cycles_total: sync cycles by peer and result (ok, error)
//   - concord_sync_cycle_duration_seconds: sync cycle latency by peer
//   - concord_sync_applies_total: remote versions applied by peer and outcome
//   - concord_emergency_pushes_total: emergency pushes by peer and result (acked, failed)
type ReplicationMetrics struct {
	state     *prometheus.GaugeVec
	cycles    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	applies   *prometheus.CounterVec
	emergency *prometheus.CounterVec
}

// NewReplicationMetrics creates and registers replication metrics.
func NewReplicationMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ReplicationMetrics {
	rm := &ReplicationMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "peer_state",
				Help:      "Peer sync state (1 for the current state)",
			},
			[]string{"peer", "state"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "sync_cycles_total",
				Help:      "Total number of sync cycles by peer and result",
			},
			[]string{"peer", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "sync_cycle_duration_seconds",
				Help:      "Sync cycle duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"peer"},
		),
		applies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "sync_applies_total",
				Help:      "Total number of remote rule versions applied by outcome",
			},
			[]string{"peer", "outcome"},
		),
		emergency: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "emergency_pushes_total",
				Help:      "Total number of emergency pushes by peer and result",
			},
			[]string{"peer", "result"},
		),
	}
	registry.MustRegister(rm.state, rm.cycles, rm.duration, rm.applies, rm.emergency)
	return rm
}

// SetPeerState marks state as the current state of peer.
func (rm *ReplicationMetrics) SetPeerState(peer string, state replication.PeerState) {
	for _, s := range peerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		rm.state.WithLabelValues(peer, s.String()).Set(v)
	}
}

// RecordCycle observes one sync cycle.
func (rm *ReplicationMetrics) RecordCycle(peer string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	rm.cycles.WithLabelValues(peer, result).Inc()
	rm.duration.WithLabelValues(peer).Observe(duration.Seconds())
}

// RecordApply counts one applied remote version.
func (rm *ReplicationMetrics) RecordApply(peer string, outcome store.Outcome) {
	rm.applies.WithLabelValues(peer, string(outcome)).Inc()
}

// RecordEmergencyPush counts one emergency push attempt outcome.
func (rm *ReplicationMetrics) RecordEmergencyPush(peer string, acked bool) {
	result := "failed"
	if acked {
		result = "acked"
	}
	rm.emergency.WithLabelValues(peer, result).Inc()
}
