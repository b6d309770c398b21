package index

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"mercator-hq/concord/pkg/rule"
)

// Entry is one live rule in a snapshot, resolved through its override
// chain with its conditions compiled.
type Entry struct {
	// Rule is the effective definition. It must not be modified.
	Rule *rule.Rule

	// Predicates are the compiled conditions ordered cheapest first.
	Predicates []*rule.Predicate

	// Fields lists the context fields the conditions reference, sorted.
	Fields []string

	// Changed is the snapshot sequence at which this entry last changed.
	Changed uint64
}

// Matches reports whether every condition holds for ctx.
func (e *Entry) Matches(ctx rule.Context) bool {
	for _, p := range e.Predicates {
		if !p.Match(ctx) {
			return false
		}
	}
	return true
}

func newEntry(eff *rule.Rule, seq uint64) (*Entry, error) {
	e := &Entry{Rule: eff, Changed: seq}
	fields := make(map[string]struct{}, len(eff.Conditions))
	for i, c := range eff.Conditions {
		p, err := c.Compile()
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		e.Predicates = append(e.Predicates, p)
		fields[c.Field] = struct{}{}
	}
	slices.SortStableFunc(e.Predicates, func(a, b *rule.Predicate) int {
		return cmp.Compare(a.Cost(), b.Cost())
	})
	e.Fields = slices.Sorted(maps.Keys(fields))
	return e, nil
}

// byPriority orders entries by priority descending, then id.
func byPriority(a, b *Entry) int {
	if c := cmp.Compare(b.Rule.Priority, a.Rule.Priority); c != 0 {
		return c
	}
	return strings.Compare(a.Rule.ID, b.Rule.ID)
}

// Snapshot is an immutable view of the rule set. Readers hold a snapshot
// for the length of an evaluation and never see it change.
type Snapshot struct {
	seq   uint64
	built time.Time

	entries map[string]*Entry
	byScope map[string][]*Entry
	byType  map[rule.RuleType][]string
	byTag   map[string][]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		entries: make(map[string]*Entry),
		byScope: make(map[string][]*Entry),
		byType:  make(map[rule.RuleType][]string),
		byTag:   make(map[string][]string),
	}
}

// Seq returns the snapshot sequence. Each published snapshot has a
// larger sequence than the one before.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// BuiltAt returns when the snapshot was published.
func (s *Snapshot) BuiltAt() time.Time {
	return s.built
}

// Len returns the number of live rules.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Get returns the entry for id.
func (s *Snapshot) Get(id string) (*Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Scope returns the rules bound to ref in priority order (highest first,
// then id). The slice must not be modified.
func (s *Snapshot) Scope(ref rule.ScopeRef) []*Entry {
	return s.byScope[ref.Key()]
}

// ScopeKeys returns every scope key that has rules, sorted.
func (s *Snapshot) ScopeKeys() []string {
	return slices.Sorted(maps.Keys(s.byScope))
}

// ByType returns the ids of rules of type t, sorted.
func (s *Snapshot) ByType(t rule.RuleType) []string {
	return slices.Clone(s.byType[t])
}

// ByTag returns the ids of rules carrying tag, sorted.
func (s *Snapshot) ByTag(tag string) []string {
	return slices.Clone(s.byTag[tag])
}

// Candidates returns the rules bound to each level of chain, one slice
// per level in chain order.
func (s *Snapshot) Candidates(chain []rule.ScopeRef) [][]*Entry {
	out := make([][]*Entry, len(chain))
	for i, ref := range chain {
		out[i] = s.byScope[ref.Key()]
	}
	return out
}

// Stamp returns the largest Changed sequence among entries.
func Stamp(levels [][]*Entry) uint64 {
	var m uint64
	for _, level := range levels {
		for _, e := range level {
			m = max(m, e.Changed)
		}
	}
	return m
}

// derive builds the next snapshot from s by replacing the entries in
// changed and dropping those in removed. Secondary indexes are rebuilt
// only for the keys those entries touch.
func (s *Snapshot) derive(seq uint64, now time.Time, changed map[string]*Entry, removed []string) *Snapshot {
	next := &Snapshot{
		seq:     seq,
		built:   now,
		entries: maps.Clone(s.entries),
		byScope: maps.Clone(s.byScope),
		byType:  maps.Clone(s.byType),
		byTag:   maps.Clone(s.byTag),
	}

	scopes := make(map[string]struct{})
	types := make(map[rule.RuleType]struct{})
	tags := make(map[string]struct{})
	touch := func(e *Entry) {
		if e == nil {
			return
		}
		scopes[e.Rule.Scope.Key()] = struct{}{}
		types[e.Rule.Type] = struct{}{}
		for _, t := range e.Rule.Tags {
			tags[t] = struct{}{}
		}
	}

	for _, id := range removed {
		touch(next.entries[id])
		delete(next.entries, id)
	}
	for id, e := range changed {
		touch(next.entries[id])
		touch(e)
		next.entries[id] = e
	}

	for key := range scopes {
		delete(next.byScope, key)
	}
	for t := range types {
		delete(next.byType, t)
	}
	for tag := range tags {
		delete(next.byTag, tag)
	}
	for _, e := range next.entries {
		r := e.Rule
		if _, ok := scopes[r.Scope.Key()]; ok {
			next.byScope[r.Scope.Key()] = append(next.byScope[r.Scope.Key()], e)
		}
		if _, ok := types[r.Type]; ok {
			next.byType[r.Type] = append(next.byType[r.Type], r.ID)
		}
		for _, t := range r.Tags {
			if _, ok := tags[t]; ok {
				next.byTag[t] = append(next.byTag[t], r.ID)
			}
		}
	}
	for key := range scopes {
		if list, ok := next.byScope[key]; ok {
			slices.SortFunc(list, byPriority)
		}
	}
	for t := range types {
		if ids, ok := next.byType[t]; ok {
			slices.Sort(ids)
		}
	}
	for tag := range tags {
		if ids, ok := next.byTag[tag]; ok {
			slices.Sort(ids)
		}
	}
	return next
}
