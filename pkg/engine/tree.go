package engine

import (
	"slices"

	"mercator-hq/concord/pkg/rule"
)

// Tree shows which rules apply at each level of a scope chain and how
// overrides hang off their parents.
type Tree struct {
	// Target is the scope the tree was built for.
	Target string `json:"target"`

	// Levels holds one entry per scope level that has rules, most general
	// first.
	Levels []TreeLevel `json:"levels"`
}

// TreeLevel lists the rules bound to one scope.
type TreeLevel struct {
	Scope string     `json:"scope"`
	Rules []TreeNode `json:"rules"`
}

// TreeNode describes one rule in the tree.
type TreeNode struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Type     rule.RuleType `json:"type"`
	Priority rule.Priority `json:"priority"`
	Targets  []string      `json:"targets"`

	// Parent is set for overrides.
	Parent string `json:"parent,omitempty"`

	// OverriddenBy lists overrides in the tree whose parent is this rule.
	OverriddenBy []string `json:"overridden_by,omitempty"`
}

// InheritanceTree returns the rules that apply along the chain ending at
// scopeTarget, given in "level:target" form ("global" alone is accepted).
// It never fails: an unparseable target or an empty rule set yields a tree
// with no levels.
func (e *Engine) InheritanceTree(scopeTarget string) *Tree {
	ref, err := rule.ParseScopeRef(scopeTarget)
	if err != nil {
		return &Tree{Target: scopeTarget, Levels: []TreeLevel{}}
	}
	chain := []rule.ScopeRef{rule.Global()}
	if ref.Level != rule.ScopeGlobal {
		chain = append(chain, ref)
	}
	return e.tree(ref.Key(), chain)
}

// ContextTree returns the inheritance tree for the full scope chain of c.
func (e *Engine) ContextTree(c rule.Context) *Tree {
	chain := c.ScopeChain()
	return e.tree(chain[len(chain)-1].Key(), chain)
}

func (e *Engine) tree(target string, chain []rule.ScopeRef) *Tree {
	snap := e.src.Snapshot()
	t := &Tree{Target: target, Levels: []TreeLevel{}}
	children := make(map[string][]string)

	for _, ref := range chain {
		entries := snap.Scope(ref)
		if len(entries) == 0 {
			continue
		}
		lvl := TreeLevel{Scope: ref.Key(), Rules: make([]TreeNode, 0, len(entries))}
		for _, entry := range entries {
			r := entry.Rule
			targets := make([]string, 0, len(r.Actions))
			for _, a := range r.Actions {
				targets = append(targets, a.Target)
			}
			slices.Sort(targets)
			lvl.Rules = append(lvl.Rules, TreeNode{
				ID:       r.ID,
				Name:     r.Name,
				Type:     r.Type,
				Priority: r.Priority,
				Targets:  slices.Compact(targets),
				Parent:   r.Parent,
			})
			if r.Parent != "" {
				children[r.Parent] = append(children[r.Parent], r.ID)
			}
		}
		t.Levels = append(t.Levels, lvl)
	}

	for i := range t.Levels {
		for j := range t.Levels[i].Rules {
			node := &t.Levels[i].Rules[j]
			if kids := children[node.ID]; len(kids) > 0 {
				node.OverriddenBy = slices.Sorted(slices.Values(kids))
			}
		}
	}
	return t
}
