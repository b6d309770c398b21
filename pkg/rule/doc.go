// Package rule defines the behavioral rule model shared by every part of the
// governance engine: rules and overrides, their conditions and actions, the
// scope hierarchy, priority bands, conflict strategies and the evaluation
// context.
//
// # Rules and Overrides
//
// A Rule applies to every context whose scope chain contains the rule's scope
// and whose fields satisfy all of its conditions. An override is a Rule whose
// Parent field names another rule (or another override). Its effective
// definition is produced by Resolve, which layers the override's condition and
// action delta on top of the parent:
//
//	parent := &rule.Rule{ID: "authorship", Scope: rule.Global(), ...}
//	ovr := &rule.Rule{ID: "authorship-kanban", Parent: "authorship",
//		Scope: rule.ScopeRef{Level: rule.ScopeProject, Target: "vibe-kanban"}}
//	effective := ovr.Resolve(parent)
//
// # Payload Shapes
//
// Condition and action payloads are closed variants: every Operator and
// ActionType accepts exactly one set of Value kinds, and Validate rejects
// anything else before a rule is persisted.
//
// # Logical Time
//
// Clock is a Lamport clock used to stamp every mutation for audit ordering.
// VersionVector records how many edits each node contributed to a rule and is
// used to decide whether two edits are causally ordered or concurrent.
package rule
