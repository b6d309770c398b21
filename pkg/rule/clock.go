package rule

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Clock is a Lamport clock. It is safe for concurrent use.
type Clock struct {
	v atomic.Uint64
}

// NewClock returns a clock starting after start.
func NewClock(start uint64) *Clock {
	c := &Clock{}
	c.v.Store(start)
	return c
}

// Tick advances the clock for a local event and returns the new time.
func (c *Clock) Tick() uint64 {
	return c.v.Add(1)
}

// Observe merges a remote timestamp and returns the new local time, which
// is strictly greater than both.
func (c *Clock) Observe(remote uint64) uint64 {
	for {
		cur := c.v.Load()
		next := max(cur, remote) + 1
		if c.v.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Current returns the clock without advancing it.
func (c *Clock) Current() uint64 {
	return c.v.Load()
}

// Ordering is the causal relation between two version vectors.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

// String implements fmt.Stringer.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// VersionVector counts the edits each node contributed to a rule.
type VersionVector map[string]uint64

// Clone returns a copy.
func (v VersionVector) Clone() VersionVector {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Increment returns a copy with node's counter advanced.
func (v VersionVector) Increment(node string) VersionVector {
	out := make(VersionVector, len(v)+1)
	maps.Copy(out, v)
	out[node]++
	return out
}

// Merge returns the pointwise maximum of v and o.
func (v VersionVector) Merge(o VersionVector) VersionVector {
	out := make(VersionVector, max(len(v), len(o)))
	maps.Copy(out, v)
	for node, n := range o {
		if n > out[node] {
			out[node] = n
		}
	}
	return out
}

// Compare returns how v relates to o: Before when o has seen everything v
// has and more, After for the converse, Concurrent when each has seen an
// edit the other has not.
func (v VersionVector) Compare(o VersionVector) Ordering {
	less, greater := false, false
	for node, n := range v {
		switch m := o[node]; {
		case n < m:
			less = true
		case n > m:
			greater = true
		}
	}
	for node, m := range o {
		if _, seen := v[node]; !seen && m > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Sum returns the total number of edits the vector counts. A row's version
// number is the sum of its vector, so two rows holding the same edits carry
// the same version whatever order the edits arrived in.
func (v VersionVector) Sum() uint64 {
	var n uint64
	for _, c := range v {
		n += c
	}
	return n
}

// String renders the vector in node order, e.g. "a:2,b:1".
func (v VersionVector) String() string {
	nodes := slices.Sorted(maps.Keys(v))
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, n+":"+strconv.FormatUint(v[n], 10))
	}
	return strings.Join(parts, ",")
}

// Edit stamps the local mutation that produced a rule's content. Merging
// concurrent versions keeps the winning side's Edit unchanged, so the
// stamp identifies one edit across every node that holds it.
type Edit struct {
	At        time.Time     `json:"at"`
	Timestamp uint64        `json:"timestamp"`
	Node      string        `json:"node"`
	Vector    VersionVector `json:"vector,omitempty"`
}

// IsZero reports whether the stamp is unset.
func (e Edit) IsZero() bool {
	return e.Node == "" && e.Timestamp == 0 && e.At.IsZero()
}

// Descends reports whether the edit was made at node or after an edit
// from node had been seen.
func (e Edit) Descends(node string) bool {
	return node != "" && (e.Node == node || e.Vector[node] > 0)
}
