package conflict

import (
	"strings"

	"mercator-hq/concord/pkg/rule"
)

// SyncPicker chooses the canonical version when two nodes edit one rule
// concurrently. It compares the edit stamps the versions carry, never their
// merged bookkeeping, so its choice depends only on which edits took part.
//
// The comparison is a total order over edits that places every edit after
// the edits it had seen: the edit time never falls behind its predecessor,
// the Lamport timestamp always advances, and descent from the preferred
// node is inherited. Picking the maximum of that order pairwise therefore
// gives the same winner for any delivery order.
type SyncPicker struct {
	// Preferred is the node whose line of edits wins when exactly one side
	// descends from it. Empty disables the preference.
	Preferred string
}

// Pick returns whichever of a and b wins, and the strategy that decided.
func (p SyncPicker) Pick(a, b *rule.Rule) (*rule.Rule, rule.Strategy) {
	ea, eb := a.Stamp(), b.Stamp()
	if aPref, bPref := ea.Descends(p.Preferred), eb.Descends(p.Preferred); aPref != bPref {
		if aPref {
			return a, rule.StrategyOverride
		}
		return b, rule.StrategyOverride
	}
	if !ea.At.Equal(eb.At) {
		if ea.At.After(eb.At) {
			return a, rule.StrategyLatestCreated
		}
		return b, rule.StrategyLatestCreated
	}
	switch {
	case ea.Timestamp > eb.Timestamp:
		return a, rule.StrategyLatestCreated
	case eb.Timestamp > ea.Timestamp:
		return b, rule.StrategyLatestCreated
	}
	if strings.Compare(eb.Node, ea.Node) > 0 {
		return b, rule.StrategyLatestCreated
	}
	return a, rule.StrategyLatestCreated
}

// Func adapts the picker to the store's conflict callback.
func (p SyncPicker) Func() func(local, remote *rule.Rule) *rule.Rule {
	return func(local, remote *rule.Rule) *rule.Rule {
		w, _ := p.Pick(local, remote)
		return w
	}
}
