package index

import (
	"container/list"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"mercator-hq/concord/pkg/rule"
)

// Key identifies an evaluation: the scope chain, the candidate rule ids
// and the values of the context fields those candidates reference.
type Key [32]byte

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// KeyFor hashes the inputs that determine an evaluation result. Context
// fields no candidate looks at do not contribute, so contexts differing
// only in irrelevant fields share an entry.
func KeyFor(chain []rule.ScopeRef, levels [][]*Entry, ctx rule.Context) Key {
	h := blake3.New()
	fields := make(map[string]struct{})
	for i, ref := range chain {
		h.WriteString("scope\x00")
		h.WriteString(ref.Key())
		h.WriteString("\x00")
		if i >= len(levels) {
			continue
		}
		for _, e := range levels[i] {
			h.WriteString(e.Rule.ID)
			h.WriteString("\x00")
			for _, f := range e.Fields {
				fields[f] = struct{}{}
			}
		}
	}
	h.WriteString("ctx\x00")
	for _, f := range rule.RecognizedFields() {
		if _, ok := fields[f]; !ok {
			continue
		}
		v, ok := ctx.Get(f)
		h.WriteString(f)
		if ok {
			h.WriteString("=")
			h.WriteString(v)
		}
		h.WriteString("\x00")
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// CacheConfig bounds the evaluation cache.
type CacheConfig struct {
	// MaxEntries bounds memory. Zero disables caching.
	MaxEntries int

	// TTL bounds staleness. Zero means entries never expire by age.
	TTL time.Duration

	// Now is the clock used for TTLs. Default: time.Now
	Now func() time.Time
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Cache is a least-recently-used evaluation cache with a TTL. Each entry
// remembers the largest Changed sequence among its candidates; a lookup
// only hits when the current candidates show the same stamp, so a change
// to one rule invalidates exactly the entries whose candidate set
// includes it.
type Cache[V any] struct {
	mu      sync.Mutex
	ll      *list.List
	items   map[Key]*list.Element
	max     int
	ttl     time.Duration
	now     func() time.Time
	flights singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheEntry[V any] struct {
	key     Key
	stamp   uint64
	value   V
	expires time.Time
}

// NewCache creates a cache.
func NewCache[V any](cfg CacheConfig) *Cache[V] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[V]{
		ll:    list.New(),
		items: make(map[Key]*list.Element),
		max:   cfg.MaxEntries,
		ttl:   cfg.TTL,
		now:   cfg.Now,
	}
}

// Enabled reports whether the cache stores anything.
func (c *Cache[V]) Enabled() bool {
	return c != nil && c.max > 0
}

// Get returns the cached value for key if it was stored with stamp and has
// not expired.
func (c *Cache[V]) Get(key Key, stamp uint64) (V, bool) {
	var zero V
	if !c.Enabled() {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	ent := el.Value.(*cacheEntry[V])
	if ent.stamp != stamp || (c.ttl > 0 && !c.now().Before(ent.expires)) {
		c.removeElement(el)
		c.misses.Add(1)
		return zero, false
	}
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Put stores value under key with stamp, evicting the least recently used
// entries when full.
func (c *Cache[V]) Put(key Key, stamp uint64, value V) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry[V])
		ent.stamp, ent.value, ent.expires = stamp, value, expires
		c.ll.MoveToFront(el)
		return
	}
	for c.ll.Len() >= c.max {
		c.removeElement(c.ll.Back())
		c.evictions.Add(1)
	}
	c.items[key] = c.ll.PushFront(&cacheEntry[V]{key: key, stamp: stamp, value: value, expires: expires})
}

// Do returns the cached value or computes it with fn, coalescing
// concurrent calls for the same key and stamp. The second result reports
// a cache hit.
func (c *Cache[V]) Do(key Key, stamp uint64, fn func() V) (V, bool) {
	if v, ok := c.Get(key, stamp); ok {
		return v, true
	}
	if !c.Enabled() {
		return fn(), false
	}
	flight := key.String() + ":" + strconv.FormatUint(stamp, 10)
	v, _, _ := c.flights.Do(flight, func() (any, error) {
		val := fn()
		c.Put(key, stamp, val)
		return val, nil
	})
	return v.(V), false
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	clear(c.items)
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	size := c.ll.Len()
	c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

func (c *Cache[V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry[V]).key)
}
