package audit

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemorySink keeps records in memory. It is meant for tests and
// single-process embedding where the audit trail need not survive a
// restart.
type MemorySink struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements Sink.
func (s *MemorySink) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return newStorageError("memory", "append", err)
	}
	s.mu.Lock()
	s.records = append(s.records, cloneRecord(rec))
	s.mu.Unlock()
	return nil
}

// Query implements Sink.
func (s *MemorySink) Query(ctx context.Context, q Query) ([]*Record, error) {
	matched := s.filter(q)
	slices.SortStableFunc(matched, func(a, b *Record) int {
		c := a.RecordedAt.Compare(b.RecordedAt)
		if c == 0 {
			c = cmp.Compare(a.Timestamp, b.Timestamp)
		}
		if q.Descending {
			return -c
		}
		return c
	})
	if q.Offset >= len(matched) {
		return []*Record{}, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.limit() {
		matched = matched[:q.limit()]
	}
	out := make([]*Record, len(matched))
	for i, r := range matched {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

// Count implements Sink.
func (s *MemorySink) Count(ctx context.Context, q Query) (int64, error) {
	return int64(len(s.filter(q))), nil
}

// Prune implements Sink.
func (s *MemorySink) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(r *Record) bool {
		return r.RecordedAt.Before(cutoff)
	})
	return int64(before - len(s.records)), nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	return nil
}

func (s *MemorySink) filter(q Query) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.RuleIDs = slices.Clone(r.RuleIDs)
	c.Detail = maps.Clone(r.Detail)
	return &c
}
