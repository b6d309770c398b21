// Package engine evaluates an execution context against the current rule
// set and produces a Decision.
//
// # Evaluation
//
// The context is expanded into its scope chain (global, then project,
// machine, agent and session for each id present). Level by level, most
// general first, the rules bound to that scope whose conditions all hold
// are merged per action target:
//
//   - Within a level the highest priority band wins; lower bands are
//     recorded as overridden.
//   - Actions of the winning band that agree are merged. Append and merge
//     actions combine. Disagreements go to the conflict resolver; when it
//     finds no winner the Decision is marked unresolved and lists every
//     candidate.
//   - A more specific level replaces the result of the levels before it,
//     except that append values concatenate and merge maps union (more
//     specific keys win) in chain order.
//
// Conditions are checked cheapest first. A block action ends the actions
// of its rule.
//
// Evaluation is a pure function of the context and the snapshot. Results
// are cached per candidate set; see package index for the invalidation
// rule.
package engine
