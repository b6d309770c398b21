package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Handler serves one encoded request and returns the encoded reply.
type Handler interface {
	HandleWire(ctx context.Context, req []byte) []byte
}

// Transport carries encoded envelopes to a peer address and returns the
// encoded reply.
type Transport interface {
	RoundTrip(ctx context.Context, address string, req []byte) ([]byte, error)
}

// Network is an in-process transport connecting coordinators by address.
// It can partition addresses and corrupt replies to exercise failure
// handling.
type Network struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	partitioned map[string]bool
	corrupt     map[string]int
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		handlers:    make(map[string]Handler),
		partitioned: make(map[string]bool),
		corrupt:     make(map[string]int),
	}
}

// Register binds h to address.
func (n *Network) Register(address string, h Handler) {
	n.mu.Lock()
	n.handlers[address] = h
	n.mu.Unlock()
}

// Partition makes address unreachable until Heal.
func (n *Network) Partition(address string) {
	n.mu.Lock()
	n.partitioned[address] = true
	n.mu.Unlock()
}

// Heal reverses Partition.
func (n *Network) Heal(address string) {
	n.mu.Lock()
	delete(n.partitioned, address)
	n.mu.Unlock()
}

// CorruptReplies flips a body byte in the next count replies from
// address. A negative count corrupts every reply until it is reset with
// a zero count.
func (n *Network) CorruptReplies(address string, count int) {
	n.mu.Lock()
	n.corrupt[address] = count
	n.mu.Unlock()
}

// RoundTrip implements Transport.
func (n *Network) RoundTrip(ctx context.Context, address string, req []byte) ([]byte, error) {
	n.mu.RLock()
	h, ok := n.handlers[address]
	down := n.partitioned[address]
	n.mu.RUnlock()
	if !ok || down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := h.HandleWire(ctx, bytes.Clone(req))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if c := n.corrupt[address]; c != 0 && len(reply) > 0 {
		if c > 0 {
			n.corrupt[address] = c - 1
		}
		reply = corruptBody(reply)
	}
	return reply, nil
}

// corruptBody flips the first body byte of an encoded envelope, leaving
// the envelope itself well formed.
func corruptBody(data []byte) []byte {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil || len(env.Body) == 0 {
		return data
	}
	env.Body = bytes.Clone(env.Body)
	env.Body[0] ^= 0xff
	out, err := encMode.Marshal(&env)
	if err != nil {
		return data
	}
	return out
}

// ContentType is the media type of replication requests over HTTP.
const ContentType = "application/cbor"

// Path is the HTTP route of the replication endpoint.
const Path = "/v1/replication"

// maxMessageSize bounds request and reply bodies read over HTTP.
const maxMessageSize = 64 << 20

// HTTPTransport posts envelopes to peers' replication endpoint.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport. A nil client uses one with
// the given timeout.
func NewHTTPTransport(client *http.Client, timeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{client: client}
}

// RoundTrip implements Transport. address is a base URL such as
// "http://10.0.0.2:7946".
func (t *HTTPTransport) RoundTrip(ctx context.Context, address string, req []byte) ([]byte, error) {
	url := strings.TrimRight(address, "/") + Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("build replication request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ContentType)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("read replication reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrUnreachable, url, resp.Status)
	}
	return body, nil
}

// HTTPHandler exposes h as the replication endpoint.
func HTTPHandler(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
		if err != nil {
			http.Error(w, "failed to read request", http.StatusBadRequest)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		reply := h.HandleWire(ctx, req)
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply)
	})
}
