// Package conflict settles disagreements between rules.
//
// Two kinds of disagreement reach this package:
//
//   - Evaluation conflicts: two or more rules at the same scope level and
//     priority band match a context and prescribe different actions on the
//     same target. Resolver.Resolve picks a winner using the rules' conflict
//     strategies or reports the conflict as unresolved.
//   - Sync conflicts: two nodes edited the same rule concurrently. SyncPicker
//     chooses which edit becomes canonical, identically on every node.
//
// # Strategies
//
// Each rule names one of highest_priority, most_specific, latest_created,
// consensus or override. When candidates name different strategies the
// first one present in the order override, consensus, highest_priority,
// most_specific, latest_created applies. A strategy that ties falls
// through highest_priority, most_specific and latest_created in turn. The
// consensus strategy does not fall through: below quorum the conflict is
// escalated for manual resolution unless a conflict_winner designation
// settles it.
//
// # Quorum
//
// Quorum(n, floor) is a strict majority of the n distinct sources backing
// any candidate, never less than floor. A group whose distinct source count
// equals the threshold passes.
//
// # Records
//
// Every detected conflict becomes a Record in a Log, which deduplicates
// repeated detections of the same evaluation conflict.
package conflict
