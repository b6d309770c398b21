package replication

import (
	"context"
	"errors"

	"mercator-hq/concord/pkg/rule"
)

// HandleWire serves one request from a peer. Hello, digest and fetch are
// answered inline; pushed rows go through the sender's inbound queue and
// are acknowledged once applied, or answered with busy when the queue is
// full.
func (c *Coordinator) HandleWire(ctx context.Context, data []byte) []byte {
	env, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn("rejected malformed sync message", "error", err)
		return c.reply(KindError, "", ErrorReply{Message: err.Error(), Checksum: errors.Is(err, ErrChecksumMismatch)})
	}
	c.store.Clock().Observe(env.Clock)
	kind, body := c.handle(ctx, env)
	return c.reply(kind, env.Session, body)
}

func (c *Coordinator) handle(ctx context.Context, env *Envelope) (Kind, any) {
	if env.From == "" || env.From == c.node {
		return KindError, ErrorReply{Message: "invalid sender " + env.From}
	}
	switch env.Kind {
	case KindHello:
		var h Hello
		if err := c.codec.Body(env, &h); err != nil {
			return KindError, ErrorReply{Message: err.Error(), Checksum: true}
		}
		c.peerFor(env.From)
		c.logger.Debug("handshake accepted", "peer", env.From, "session", h.Session)
		return KindHelloAck, HelloAck{Node: c.node, Session: h.Session}

	case KindDigest:
		var d Digest
		if err := c.codec.Body(env, &d); err != nil {
			return KindError, ErrorReply{Message: err.Error(), Checksum: true}
		}
		c.journalDigest(c.peerFor(env.From), d.Entries)
		return KindDigestReply, Digest{Entries: c.store.Digest()}

	case KindFetch:
		var f Fetch
		if err := c.codec.Body(env, &f); err != nil {
			return KindError, ErrorReply{Message: err.Error(), Checksum: true}
		}
		return KindFetchReply, Rules{Rules: c.rows(f.IDs)}

	case KindPush:
		var in Rules
		if err := c.codec.Body(env, &in); err != nil {
			return KindError, ErrorReply{Message: err.Error(), Checksum: true}
		}
		in.Rules = dropNil(in.Rules)
		p := c.peerFor(env.From)
		results, err := c.enqueue(ctx, p, in.Rules, in.Emergency, false)
		var busy *BackpressureError
		switch {
		case errors.As(err, &busy):
			return KindBusy, Busy{Queued: len(p.inbound)}
		case err != nil:
			return KindError, ErrorReply{Message: err.Error()}
		}
		return KindPushAck, PushAck{Results: results}

	default:
		return KindError, ErrorReply{Message: "unsupported message kind " + string(env.Kind)}
	}
}

func (c *Coordinator) reply(kind Kind, session string, body any) []byte {
	env := Envelope{Kind: kind, From: c.node, Session: session, Clock: c.store.Clock().Current()}
	data, err := c.codec.Encode(env, body)
	if err != nil {
		c.logger.Error("failed to encode sync reply", "kind", kind, "error", err)
		env.Kind = KindError
		data, _ = c.codec.Encode(env, ErrorReply{Message: "internal error"})
	}
	return data
}

func dropNil(rows []*rule.Rule) []*rule.Rule {
	out := rows[:0]
	for _, r := range rows {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
