package concord

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/engine"
	"mercator-hq/concord/pkg/notify"
	"mercator-hq/concord/pkg/rule"
)

var (
	// ErrConflictNotFound indicates an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictNotEscalated indicates a conflict that needs no settling.
	ErrConflictNotEscalated = errors.New("conflict is not awaiting resolution")

	// ErrInvalidWinner indicates a winner that is not party to the conflict.
	ErrInvalidWinner = errors.New("invalid conflict winner")
)

// Evaluate computes the decision for ec. Conflicts the engine could not
// settle, and that no more specific rule replaced, are added to the
// conflict log once per target, rule set and relevant context values.
func (c *Concord) Evaluate(ctx context.Context, ec rule.Context) (*engine.Decision, error) {
	d, err := c.engine.Evaluate(ctx, ec)
	if err != nil {
		return nil, err
	}
	for _, cf := range d.Conflicts {
		if !cf.Open() {
			continue
		}
		rec, added := c.conflicts.Add(conflict.Record{
			Kind:        conflict.KindEvaluation,
			RuleIDs:     cf.RuleIDs(),
			Target:      cf.Target,
			Context:     maps.Clone(ec),
			ContextHash: cf.ContextKey,
			Candidates:  cf.Candidates,
			Strategy:    cf.Strategy,
			Escalated:   true,
		})
		if added {
			c.unresolved(rec)
		}
	}
	return d, nil
}

func (c *Concord) unresolved(rec *conflict.Record) {
	c.logger.Warn("unresolved rule conflict",
		"conflict_id", rec.ID,
		"target", rec.Target,
		"rules", rec.RuleIDs,
		"strategy", rec.Strategy,
	)
	c.auditConflict(rec)
	if c.metrics != nil {
		c.metrics.RecordConflict(rec)
	}
	c.announce(notify.Event{
		Kind:     notify.KindUnresolvedConflict,
		Severity: notify.SeverityWarning,
		Message:  fmt.Sprintf("rules disagree on %s and no strategy settled it", rec.Target),
		RuleIDs:  rec.RuleIDs,
		Attributes: map[string]string{
			"conflict_id": rec.ID,
			"strategy":    string(rec.Strategy),
		},
	})
}

// InheritanceTree lists the rules bound to every scope on the path to
// scopeTarget, e.g. "project:payments".
func (c *Concord) InheritanceTree(scopeTarget string) *engine.Tree {
	return c.engine.InheritanceTree(scopeTarget)
}

// Conflicts lists recorded conflicts matching f.
func (c *Concord) Conflicts(f conflict.Filter) []*conflict.Record {
	return c.conflicts.List(f)
}

// SettleConflict resolves an escalated conflict in favor of winner on
// behalf of operator.
func (c *Concord) SettleConflict(id, winner, operator string) (*conflict.Record, error) {
	rec, ok := c.conflicts.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrConflictNotFound, id)
	}
	if !rec.Escalated {
		return nil, fmt.Errorf("%w: %q", ErrConflictNotEscalated, id)
	}
	if winner == "" {
		return nil, fmt.Errorf("%w: winner is required", ErrInvalidWinner)
	}
	if rec.Kind == conflict.KindEvaluation && !slices.Contains(rec.RuleIDs, winner) {
		return nil, fmt.Errorf("%w: %q is not one of %v", ErrInvalidWinner, winner, rec.RuleIDs)
	}
	if !c.conflicts.Settle(id, winner, operator) {
		return nil, fmt.Errorf("%w: %q", ErrConflictNotEscalated, id)
	}
	rec, _ = c.conflicts.Get(id)
	c.logger.Info("conflict settled", "conflict_id", id, "winner", winner, "operator", operator)
	c.auditConflict(rec)
	return rec, nil
}
