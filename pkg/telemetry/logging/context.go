package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	nodeKey    contextKey = "node"
	peerKey    contextKey = "peer"
	ruleKey    contextKey = "rule_id"
	requestKey contextKey = "request_id"
)

var contextKeys = []contextKey{nodeKey, peerKey, ruleKey, requestKey}

// WithNode records the local node id on ctx.
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeKey, node)
}

// WithPeer records the remote peer name on ctx.
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// WithRule records the rule being operated on.
func WithRule(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ruleKey, id)
}

// WithRequestID records an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey, id)
}

// Node returns the node id on ctx, or "".
func Node(ctx context.Context) string { return value(ctx, nodeKey) }

// Peer returns the peer name on ctx, or "".
func Peer(ctx context.Context) string { return value(ctx, peerKey) }

// RequestID returns the request id on ctx, or "".
func RequestID(ctx context.Context) string { return value(ctx, requestKey) }

// FromContext returns base with the context attributes attached, for code
// that logs without passing ctx to each call.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return base
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return base.With(args...)
}

func value(ctx context.Context, k contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(k).(string)
	return v
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range contextKeys {
		if v := value(ctx, k); v != "" {
			attrs = append(attrs, slog.String(string(k), v))
		}
	}
	return attrs
}
