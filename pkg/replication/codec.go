package replication

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/store"
)

// ProtocolVersion is the envelope format version.
const ProtocolVersion = 1

// Kind names a message type.
type Kind string

const (
	KindHello       Kind = "hello"
	KindHelloAck    Kind = "hello_ack"
	KindDigest      Kind = "digest"
	KindDigestReply Kind = "digest_reply"
	KindFetch       Kind = "fetch"
	KindFetchReply  Kind = "fetch_reply"
	KindPush        Kind = "push"
	KindPushAck     Kind = "push_ack"
	KindBusy        Kind = "busy"
	KindError       Kind = "error"
)

// Envelope is the unit sent over a transport. Body holds the CBOR
// encoding of the kind's payload, zstd-compressed when Compressed is set.
// Checksum is the blake3 hash of Body as sent.
type Envelope struct {
	Version    uint8  `cbor:"v"`
	Kind       Kind   `cbor:"k"`
	From       string `cbor:"f"`
	Session    string `cbor:"s,omitempty"`
	Clock      uint64 `cbor:"c"`
	Compressed bool   `cbor:"z,omitempty"`
	Checksum   []byte `cbor:"h"`
	Body       []byte `cbor:"b"`
}

// Hello opens a session.
type Hello struct {
	Node     string `cbor:"node"`
	Session  string `cbor:"session"`
	Protocol uint8  `cbor:"protocol"`
}

// HelloAck accepts a session.
type HelloAck struct {
	Node    string `cbor:"node"`
	Session string `cbor:"session"`
}

// Digest advertises version metadata for every rule the sender holds.
type Digest struct {
	Entries []store.Meta `cbor:"entries"`
}

// Fetch asks for full rows.
type Fetch struct {
	IDs []string `cbor:"ids"`
}

// Rules carries full rows: the body of fetch_reply and push.
type Rules struct {
	Rules     []*rule.Rule `cbor:"rules"`
	Emergency bool         `cbor:"emergency,omitempty"`
}

// PushResult is the receiver's outcome for one pushed row.
type PushResult struct {
	ID      string        `cbor:"id"`
	Outcome store.Outcome `cbor:"outcome"`
	Reason  string        `cbor:"reason,omitempty"`
}

// PushAck acknowledges a push after it was applied.
type PushAck struct {
	Results []PushResult `cbor:"results"`
}

// Busy tells the sender to retry later.
type Busy struct {
	Queued int `cbor:"queued"`
}

// ErrorReply reports a failure handling a request.
type ErrorReply struct {
	Message  string `cbor:"message"`
	Checksum bool   `cbor:"checksum,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	opts := cbor.CoreDetEncOptions()
	// Rule timestamps order sync conflicts and must survive at full precision.
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("replication: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replication: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("replication: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("replication: zstd decoder initialization failed: " + err.Error())
	}
}

// minCompressSize is the body size below which compression is skipped.
const minCompressSize = 512

// Codec encodes and decodes envelopes.
type Codec struct {
	// Compress enables zstd for bodies of at least minCompressSize bytes.
	Compress bool
}

// Encode builds the envelope for body and returns its wire form.
func (c Codec) Encode(env Envelope, body any) ([]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", env.Kind, err)
	}
	if c.Compress && len(raw) >= minCompressSize {
		if packed := zstdEncoder.EncodeAll(raw, nil); len(packed) < len(raw) {
			raw = packed
			env.Compressed = true
		}
	}
	sum := blake3.Sum256(raw)
	env.Version = ProtocolVersion
	env.Body = raw
	env.Checksum = sum[:]
	data, err := encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope and verifies its checksum. A corrupted body
// yields an error matching ErrChecksumMismatch.
func (c Codec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrChecksumMismatch, err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", env.Version)
	}
	sum := blake3.Sum256(env.Body)
	if !bytes.Equal(sum[:], env.Checksum) {
		return &env, ErrChecksumMismatch
	}
	return &env, nil
}

// Body decodes the envelope's payload into v.
func (c Codec) Body(env *Envelope, v any) error {
	raw := env.Body
	if env.Compressed {
		var err error
		raw, err = zstdDecoder.DecodeAll(env.Body, nil)
		if err != nil {
			return fmt.Errorf("decompress %s body: %w", env.Kind, err)
		}
	}
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s body: %w", env.Kind, err)
	}
	return nil
}
