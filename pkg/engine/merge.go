package engine

import (
	"maps"
	"slices"
	"strings"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/index"
	"mercator-hq/concord/pkg/rule"
)

// effect is one rule's net action on one target.
type effect struct {
	entry  *index.Entry
	action rule.Action
}

func (f effect) id() string {
	return f.entry.Rule.ID
}

// effects folds a rule's actions per target in list order. Nothing after
// a block action is applied.
func effects(e *index.Entry) []effect {
	var out []effect
	pos := make(map[string]int)
	for _, a := range e.Rule.Actions {
		if i, ok := pos[a.Target]; ok {
			out[i].action = fold(out[i].action, a)
		} else {
			pos[a.Target] = len(out)
			out = append(out, effect{entry: e, action: cloneAction(a)})
		}
		if a.Type == rule.ActionBlock {
			break
		}
	}
	return out
}

// fold applies next after prev within one rule: cumulative actions of the
// same type combine, anything else replaces.
func fold(prev, next rule.Action) rule.Action {
	if prev.Type == next.Type && next.Type.Cumulative() {
		return combine(prev, next, true)
	}
	return cloneAction(next)
}

// combine joins two cumulative actions of one type. Append values are
// concatenated a then b. For merge values and params, b wins key
// collisions when laterWins is set, a otherwise.
func combine(a, b rule.Action, laterWins bool) rule.Action {
	first, second := a, b
	if laterWins {
		first, second = b, a
	}
	out := rule.Action{Type: a.Type, Target: a.Target}
	switch a.Type {
	case rule.ActionAppend:
		out.Value = rule.List(append(a.Value.Strings(), b.Value.Strings()...)...)
	case rule.ActionMerge:
		out.Value = rule.Map(rule.MergeMaps(first.Value.Map, second.Value.Map))
	default:
		out.Value = first.Value.Clone()
	}
	if len(a.Params) > 0 || len(b.Params) > 0 {
		out.Params = rule.MergeMaps(first.Params, second.Params)
	}
	return out
}

// outcome is the accumulated result for one target.
type outcome struct {
	action rule.Action
	scope  string
	parts  []effect
}

func (o *outcome) ruleIDs() []string {
	ids := make([]string, 0, len(o.parts))
	for _, p := range o.parts {
		ids = append(ids, p.id())
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// builder accumulates a Decision across scope levels.
type builder struct {
	resolver *conflict.Resolver
	ctx      rule.Context
	d        *Decision
	acc      map[string]*outcome

	// open indexes d.Conflicts entries per target that have no winner
	// and have not been superseded yet.
	open map[string][]int
}

func newBuilder(resolver *conflict.Resolver, chain []rule.ScopeRef, ctx rule.Context) *builder {
	d := &Decision{ScopeChain: make([]string, len(chain))}
	for i, ref := range chain {
		d.ScopeChain[i] = ref.Key()
	}
	return &builder{resolver: resolver, ctx: ctx, d: d, acc: make(map[string]*outcome), open: make(map[string][]int)}
}

func (b *builder) overridden(f effect, reason string, by []string) {
	b.d.Overridden = append(b.d.Overridden, OverriddenAction{
		RuleID: f.id(),
		Scope:  f.entry.Rule.Scope.Key(),
		Action: cloneAction(f.action),
		Reason: reason,
		By:     slices.Clone(by),
	})
}

// level merges the matching rules of one scope level, given in priority
// order, into the accumulated result.
func (b *builder) level(ref rule.ScopeRef, matched []*index.Entry) {
	byTarget := make(map[string][]effect)
	for _, e := range matched {
		for _, f := range effects(e) {
			byTarget[f.action.Target] = append(byTarget[f.action.Target], f)
		}
	}
	for _, target := range slices.Sorted(maps.Keys(byTarget)) {
		o := b.resolveTarget(ref, target, byTarget[target])
		b.apply(target, o)
	}
}

// resolveTarget settles one target within one level. It returns nil when
// the conflict resolver finds no winner.
func (b *builder) resolveTarget(ref rule.ScopeRef, target string, effs []effect) *outcome {
	scope := ref.Key()
	band := effs[0].entry.Rule.Priority.Band()
	var top, lower []effect
	for _, f := range effs {
		if f.entry.Rule.Priority.Band() == band {
			top = append(top, f)
		} else {
			lower = append(lower, f)
		}
	}

	var o *outcome
	switch {
	case cumulativeGroup(top):
		o = &outcome{action: cloneAction(top[0].action), scope: scope, parts: top}
		for _, f := range top[1:] {
			o.action = combine(o.action, f.action, false)
		}
	case agree(top):
		o = &outcome{action: cloneAction(top[0].action), scope: scope, parts: top}
	default:
		o = b.settle(ref, target, top)
	}

	by := idsOf(top)
	if o != nil {
		by = o.ruleIDs()
	}
	for _, f := range lower {
		b.overridden(f, ReasonLowerPriority, by)
	}
	return o
}

// settle hands a disagreement to the conflict resolver.
func (b *builder) settle(ref rule.ScopeRef, target string, top []effect) *outcome {
	scope := ref.Key()
	cands := make([]conflict.Candidate, len(top))
	recorded := make([]conflict.CandidateAction, len(top))
	entries := make([]*index.Entry, len(top))
	for i, f := range top {
		cands[i] = conflict.Candidate{Rule: f.entry.Rule, Action: f.action}
		recorded[i] = conflict.CandidateAction{RuleID: f.id(), Action: cloneAction(f.action)}
		entries[i] = f.entry
	}
	res := b.resolver.Resolve(cands)
	c := Conflict{
		Target:     target,
		Scope:      scope,
		ContextKey: index.KeyFor([]rule.ScopeRef{ref}, [][]*index.Entry{entries}, b.ctx).String(),
		Strategy:   res.Strategy,
		DecidedBy:  res.DecidedBy,
		Escalated:  res.Escalated,
		Candidates: recorded,
	}
	if !res.Resolved() {
		b.open[target] = append(b.open[target], len(b.d.Conflicts))
		b.d.Conflicts = append(b.d.Conflicts, c)
		return nil
	}

	winning := top[res.Winner].action
	c.Winner = top[res.Winner].id()
	b.d.Conflicts = append(b.d.Conflicts, c)

	o := &outcome{action: cloneAction(winning), scope: scope}
	var losers []effect
	for _, f := range top {
		if f.action.Equal(winning) {
			o.parts = append(o.parts, f)
		} else {
			losers = append(losers, f)
		}
	}
	by := o.ruleIDs()
	for _, f := range losers {
		b.overridden(f, ReasonConflictLost, by)
	}
	return o
}

// apply layers a level's outcome over the accumulated one. A more
// specific level replaces what came before, except that append and merge
// actions of the same type combine in chain order. A replacing outcome
// also supersedes the unresolved conflicts of earlier levels on target.
func (b *builder) apply(target string, o *outcome) {
	if o != nil && !o.action.Type.Cumulative() {
		by := o.ruleIDs()
		for _, i := range b.open[target] {
			b.d.Conflicts[i].SupersededBy = slices.Clone(by)
		}
		delete(b.open, target)
	}
	prev, ok := b.acc[target]
	if !ok {
		if o != nil {
			b.acc[target] = o
		}
		return
	}
	if o == nil {
		for _, f := range prev.parts {
			b.overridden(f, ReasonUnresolved, nil)
		}
		delete(b.acc, target)
		return
	}
	if prev.action.Type == o.action.Type && o.action.Type.Cumulative() {
		o.action = combine(prev.action, o.action, true)
		o.parts = append(slices.Clone(prev.parts), o.parts...)
		b.acc[target] = o
		return
	}
	by := o.ruleIDs()
	for _, f := range prev.parts {
		b.overridden(f, ReasonMoreSpecific, by)
	}
	b.acc[target] = o
}

// finish sorts the accumulated result into the Decision.
func (b *builder) finish() *Decision {
	d := b.d
	contributors := make(map[string]struct{})
	d.Actions = make([]ResolvedAction, 0, len(b.acc))
	for _, target := range slices.Sorted(maps.Keys(b.acc)) {
		o := b.acc[target]
		ids := o.ruleIDs()
		for _, id := range ids {
			contributors[id] = struct{}{}
		}
		d.Actions = append(d.Actions, ResolvedAction{
			Target: target,
			Type:   o.action.Type,
			Value:  o.action.Value,
			Params: o.action.Params,
			Rules:  ids,
			Scope:  o.scope,
		})
		if o.action.Type == rule.ActionBlock {
			d.Blocks = append(d.Blocks, Block{Target: target, Reason: o.action.Value.Scalar, Rules: ids})
		}
	}
	d.Contributors = slices.Sorted(maps.Keys(contributors))
	d.Unresolved = false
	for _, c := range d.Conflicts {
		if c.Open() {
			d.Unresolved = true
			break
		}
	}
	slices.SortStableFunc(d.Overridden, func(x, y OverriddenAction) int {
		if c := strings.Compare(x.Action.Target, y.Action.Target); c != 0 {
			return c
		}
		if c := strings.Compare(x.RuleID, y.RuleID); c != 0 {
			return c
		}
		return strings.Compare(x.Reason, y.Reason)
	})
	return d
}

func cumulativeGroup(effs []effect) bool {
	t := effs[0].action.Type
	if !t.Cumulative() {
		return false
	}
	for _, f := range effs[1:] {
		if f.action.Type != t {
			return false
		}
	}
	return true
}

func agree(effs []effect) bool {
	for _, f := range effs[1:] {
		if !f.action.Equal(effs[0].action) {
			return false
		}
	}
	return true
}

func idsOf(effs []effect) []string {
	ids := make([]string, len(effs))
	for i, f := range effs {
		ids[i] = f.id()
	}
	slices.Sort(ids)
	return ids
}
