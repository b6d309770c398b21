package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/rule"
)

// Decision is the merged outcome of evaluating a context. It contains no
// timing data, so evaluating the same context against the same rule set
// yields equal decisions.
type Decision struct {
	// ScopeChain lists the scope levels consulted, most general first.
	ScopeChain []string `json:"scope_chain"`

	// Actions holds one resolved action per target, sorted by target.
	Actions []ResolvedAction `json:"actions"`

	// Contributors lists the rules whose actions made it into Actions,
	// sorted.
	Contributors []string `json:"contributors"`

	// Blocks lists the block verdicts among Actions.
	Blocks []Block `json:"blocks,omitempty"`

	// Overridden lists matching actions that lost to another action.
	Overridden []OverriddenAction `json:"overridden,omitempty"`

	// Conflicts lists disagreements the conflict resolver was asked to
	// settle, resolved or not.
	Conflicts []Conflict `json:"conflicts,omitempty"`

	// Unresolved is set when at least one conflict has no winner and no
	// more specific level replaced its target.
	Unresolved bool `json:"unresolved"`
}

// ResolvedAction is the final effect on one target.
type ResolvedAction struct {
	Target string            `json:"target"`
	Type   rule.ActionType   `json:"type"`
	Value  rule.Value        `json:"value,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	// Rules lists the contributing rule ids, sorted.
	Rules []string `json:"rules"`

	// Scope is the most specific scope level that contributed.
	Scope string `json:"scope"`
}

// Block is a block verdict on a target.
type Block struct {
	Target string   `json:"target"`
	Reason string   `json:"reason,omitempty"`
	Rules  []string `json:"rules"`
}

// Reasons an action can be overridden.
const (
	ReasonLowerPriority = "lower_priority"
	ReasonMoreSpecific  = "more_specific_scope"
	ReasonConflictLost  = "conflict_lost"
	ReasonUnresolved    = "unresolved_at_more_specific_scope"
)

// OverriddenAction is a matching action that did not take effect.
type OverriddenAction struct {
	RuleID string      `json:"rule_id"`
	Scope  string      `json:"scope"`
	Action rule.Action `json:"action"`
	Reason string      `json:"reason"`

	// By lists the rules whose actions took precedence.
	By []string `json:"by,omitempty"`
}

// Conflict is a disagreement between rules of one scope level and
// priority band on one target.
type Conflict struct {
	Target     string                     `json:"target"`
	Scope      string                     `json:"scope"`
	Strategy   rule.Strategy              `json:"strategy"`
	DecidedBy  rule.Strategy              `json:"decided_by,omitempty"`
	Winner     string                     `json:"winner,omitempty"`
	Escalated  bool                       `json:"escalated,omitempty"`
	Candidates []conflict.CandidateAction `json:"candidates"`

	// ContextKey identifies the inputs that produced the conflict: its
	// scope level, the competing rules and the values of the context
	// fields their conditions reference. Contexts differing only in other
	// fields share a key.
	ContextKey string `json:"context_key,omitempty"`

	// SupersededBy lists the rules of a more specific level that replaced
	// the target of an unresolved conflict. Such a conflict no longer
	// affects the outcome.
	SupersededBy []string `json:"superseded_by,omitempty"`
}

// Open reports whether the conflict is unresolved and still decides the
// outcome of its target.
func (c Conflict) Open() bool {
	return c.Winner == "" && len(c.SupersededBy) == 0
}

// RuleIDs returns the ids of the conflicting rules, sorted.
func (c Conflict) RuleIDs() []string {
	ids := make([]string, len(c.Candidates))
	for i, ca := range c.Candidates {
		ids[i] = ca.RuleID
	}
	slices.Sort(ids)
	return ids
}

// Blocked reports whether any block verdict was issued.
func (d *Decision) Blocked() bool {
	return len(d.Blocks) > 0
}

// Action returns the resolved action for target.
func (d *Decision) Action(target string) (ResolvedAction, bool) {
	i, ok := slices.BinarySearchFunc(d.Actions, target, func(a ResolvedAction, t string) int {
		return strings.Compare(a.Target, t)
	})
	if !ok {
		return ResolvedAction{}, false
	}
	return d.Actions[i], true
}

// Clone returns a deep copy.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := &Decision{
		ScopeChain:   slices.Clone(d.ScopeChain),
		Contributors: slices.Clone(d.Contributors),
		Unresolved:   d.Unresolved,
	}
	if d.Actions != nil {
		c.Actions = make([]ResolvedAction, len(d.Actions))
		for i, a := range d.Actions {
			a.Value = a.Value.Clone()
			a.Params = maps.Clone(a.Params)
			a.Rules = slices.Clone(a.Rules)
			c.Actions[i] = a
		}
	}
	for _, b := range d.Blocks {
		b.Rules = slices.Clone(b.Rules)
		c.Blocks = append(c.Blocks, b)
	}
	for _, o := range d.Overridden {
		o.Action = cloneAction(o.Action)
		o.By = slices.Clone(o.By)
		c.Overridden = append(c.Overridden, o)
	}
	for _, cf := range d.Conflicts {
		cands := make([]conflict.CandidateAction, len(cf.Candidates))
		for i, ca := range cf.Candidates {
			ca.Action = cloneAction(ca.Action)
			cands[i] = ca
		}
		cf.Candidates = cands
		cf.SupersededBy = slices.Clone(cf.SupersededBy)
		c.Conflicts = append(c.Conflicts, cf)
	}
	return c
}

// Summary renders a one-line description for logs and text output.
func (d *Decision) Summary() string {
	parts := make([]string, 0, len(d.Actions))
	for _, a := range d.Actions {
		parts = append(parts, fmt.Sprintf("%s %s=%s", a.Type, a.Target, a.Value.Display()))
	}
	s := strings.Join(parts, "; ")
	if d.Unresolved {
		s += fmt.Sprintf(" (%d unresolved)", d.unresolvedCount())
	}
	return s
}

func (d *Decision) unresolvedCount() int {
	n := 0
	for _, c := range d.Conflicts {
		if c.Open() {
			n++
		}
	}
	return n
}

func cloneAction(a rule.Action) rule.Action {
	a.Value = a.Value.Clone()
	a.Params = maps.Clone(a.Params)
	return a
}
