// Package notify announces operator-relevant events: emergency pushes,
// unresolved conflicts and degraded peers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Kind names an announced event.
type Kind string

const (
	KindEmergencyPush      Kind = "emergency_push"
	KindUnresolvedConflict Kind = "unresolved_conflict"
	KindSyncConflict       Kind = "sync_conflict"
	KindPeerDegraded       Kind = "peer_degraded"
)

// Severity orders events for routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one announcement.
type Event struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Node     string   `json:"node"`
	Message  string   `json:"message"`
	RuleIDs  []string `json:"rule_ids,omitempty"`
	Peer     string   `json:"peer,omitempty"`

	// Attributes carries event-specific details, e.g. the conflict id or
	// the acknowledging peers of an emergency push.
	Attributes map[string]string `json:"attributes,omitempty"`

	At time.Time `json:"at"`
}

// Notifier delivers events to operators.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging to logger, or the default
// logger when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify.log")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	switch ev.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{
		"kind", ev.Kind,
		"node", ev.Node,
	}
	if len(ev.RuleIDs) > 0 {
		attrs = append(attrs, "rule_ids", ev.RuleIDs)
	}
	if ev.Peer != "" {
		attrs = append(attrs, "peer", ev.Peer)
	}
	for k, v := range ev.Attributes {
		attrs = append(attrs, k, v)
	}
	n.logger.Log(ctx, level, ev.Message, attrs...)
	return nil
}

// Multi fans events out to every notifier concurrently. One failing
// notifier does not stop the others; their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, n := range m {
		g.Go(func() error {
			errs[i] = n.Notify(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
