package store

import (
	"context"
	"errors"

	"mercator-hq/concord/pkg/rule"
)

// Outcome is the result of applying a remote rule version.
type Outcome string

const (
	// OutcomeApplied means the remote version became canonical.
	OutcomeApplied Outcome = "applied"

	// OutcomeStale means the local row already includes the remote edit.
	OutcomeStale Outcome = "stale"

	// OutcomeConflict means the edits were concurrent and were merged.
	OutcomeConflict Outcome = "conflict"

	// OutcomeRejected means the remote version was malformed or would
	// close an override cycle.
	OutcomeRejected Outcome = "rejected"
)

// ConflictFunc picks the canonical side of two concurrent versions of the
// same rule. It must be deterministic and symmetric so that every node
// picks the same winner.
type ConflictFunc func(local, remote *rule.Rule) *rule.Rule

// ApplyResult describes what Apply did.
type ApplyResult struct {
	Outcome Outcome

	// Rule is the canonical row after the apply.
	Rule *rule.Rule

	// Winner and Loser are set for OutcomeConflict.
	Winner *rule.Rule
	Loser  *rule.Rule

	// Reason explains a rejection.
	Reason string
}

// Apply merges a version received from a peer. Version vectors decide the
// relation between the local row and the remote one:
//
//   - remote already seen (equal or older): nothing changes.
//   - remote newer: it replaces the local row as is.
//   - concurrent: pick chooses the winner, the merged row carries the union
//     of both vectors, and the loser is kept in history.
//
// A tombstone that becomes canonical deletes the local overrides attached
// to the rule, the same way a local cascading delete would.
//
// A merged row keeps the winner's content and edit stamp. Its version is
// the sum of the merged vector and its timestamp the larger of the two, so
// nodes holding the same set of edits hold identical rows whatever order
// the edits arrived in.
func (s *Store) Apply(ctx context.Context, remote *rule.Rule, pick ConflictFunc) (ApplyResult, error) {
	if remote == nil || remote.ID == "" {
		return ApplyResult{Outcome: OutcomeRejected, Reason: "missing rule id"}, nil
	}
	in := remote.Clone()
	if !in.Deleted {
		if err := rule.Validate(in); err != nil {
			return ApplyResult{Outcome: OutcomeRejected, Reason: err.Error()}, nil
		}
	}

	unlock := s.locks.lock(in.ID)
	defer unlock()

	stamp := s.clock.Observe(in.Timestamp)
	local := s.row(in.ID)

	var (
		next   *rule.Rule
		result ApplyResult
		reason HistoryReason
	)
	switch {
	case local == nil:
		next = in
		result.Outcome = OutcomeApplied
	default:
		switch local.Vector.Compare(in.Vector) {
		case rule.Equal, rule.After:
			return ApplyResult{Outcome: OutcomeStale, Rule: local.Clone()}, nil
		case rule.Before:
			next = in
			reason = ReasonUpdated
			if in.Deleted {
				reason = ReasonDeleted
			}
			result.Outcome = OutcomeApplied
		case rule.Concurrent:
			winner := pick(local, in)
			loser := in
			if winner != local {
				winner, loser = in, local
			}
			next = winner.Clone()
			next.Edit = winner.Stamp()
			next.Vector = local.Vector.Merge(in.Vector)
			next.Version = next.Vector.Sum()
			next.Timestamp = max(local.Timestamp, in.Timestamp)
			result.Outcome = OutcomeConflict
			result.Winner = winner.Clone()
			result.Loser = loser.Clone()
		}
	}

	if err := s.commit(ctx, next, local, reason, false); err != nil {
		var cycle *rule.CycleError
		if errors.As(err, &cycle) {
			s.logger.Warn("remote rule rejected", "rule_id", in.ID, "error", err)
			return ApplyResult{Outcome: OutcomeRejected, Reason: err.Error()}, nil
		}
		return ApplyResult{}, err
	}
	if result.Outcome == OutcomeConflict {
		s.recordHistory(ctx, result.Loser, ReasonConflictLoser)
	}
	result.Rule = next.Clone()

	kind := ChangeUpdated
	switch {
	case next.Deleted:
		kind = ChangeDeleted
	case local == nil || local.Deleted:
		kind = ChangeCreated
	}
	s.logger.Info("remote rule applied",
		"rule_id", next.ID,
		"outcome", result.Outcome,
		"version", next.Version,
		"origin", next.Origin,
	)
	s.emit(ChangeEvent{
		Kind:      kind,
		ID:        next.ID,
		Rule:      next.Clone(),
		Previous:  local.Clone(),
		Affected:  s.affected(next.ID),
		Remote:    true,
		Timestamp: stamp,
	})
	if next.Deleted {
		if err := s.cascade(ctx, s.attached(next.ID)); err != nil {
			s.logger.Warn("failed to delete overrides of remotely deleted rule", "rule_id", next.ID, "error", err)
		}
	}
	return result, nil
}
