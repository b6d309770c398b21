package rule

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope is the hierarchical applicability level of a rule.
type Scope string

const (
	// ScopeGlobal applies to every context.
	ScopeGlobal Scope = "global"

	// ScopeProject applies to contexts carrying a matching project_id.
	ScopeProject Scope = "project"

	// ScopeMachine applies to contexts carrying a matching machine_id.
	ScopeMachine Scope = "machine"

	// ScopeAgent applies to contexts carrying a matching agent_id.
	ScopeAgent Scope = "agent"

	// ScopeSession applies to contexts carrying a matching session_id.
	ScopeSession Scope = "session"
)

// Levels lists the scope levels from most general to most specific.
var Levels = []Scope{ScopeGlobal, ScopeProject, ScopeMachine, ScopeAgent, ScopeSession}

// Depth returns the position of the scope in the inheritance chain, 0 for
// global. Unknown scopes return -1.
func (s Scope) Depth() int {
	for i, l := range Levels {
		if l == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known scope level.
func (s Scope) Valid() bool {
	return s.Depth() >= 0
}

// ContextField returns the context field that selects targets at this
// level, or "" for global.
func (s Scope) ContextField() string {
	switch s {
	case ScopeProject:
		return FieldProjectID
	case ScopeMachine:
		return FieldMachineID
	case ScopeAgent:
		return FieldAgentID
	case ScopeSession:
		return FieldSessionID
	default:
		return ""
	}
}

// ScopeRef is a scope level plus the id of the project, machine, agent or
// session it is bound to. Global scope refs have no target.
type ScopeRef struct {
	Level  Scope  `json:"level" yaml:"level" validate:"required,scope"`
	Target string `json:"target,omitempty" yaml:"target,omitempty" validate:"max=256"`
}

// Global returns the global scope ref.
func Global() ScopeRef {
	return ScopeRef{Level: ScopeGlobal}
}

// Key returns the canonical string form used as an index key,
// e.g. "global" or "project:vibe-kanban".
func (r ScopeRef) Key() string {
	if r.Level == ScopeGlobal || r.Target == "" {
		return string(r.Level)
	}
	return string(r.Level) + ":" + r.Target
}

// String implements fmt.Stringer.
func (r ScopeRef) String() string {
	return r.Key()
}

// Depth returns the depth of the ref's level.
func (r ScopeRef) Depth() int {
	return r.Level.Depth()
}

// ParseScopeRef parses the Key form back into a ScopeRef.
func ParseScopeRef(s string) (ScopeRef, error) {
	level, target, _ := strings.Cut(strings.TrimSpace(s), ":")
	ref := ScopeRef{Level: Scope(strings.ToLower(level)), Target: target}
	if !ref.Level.Valid() {
		return ScopeRef{}, fmt.Errorf("unknown scope level %q", level)
	}
	if ref.Level == ScopeGlobal && target != "" {
		return ScopeRef{}, fmt.Errorf("global scope does not take a target")
	}
	if ref.Level != ScopeGlobal && target == "" {
		return ScopeRef{}, fmt.Errorf("%s scope requires a target", ref.Level)
	}
	return ref, nil
}

// UnmarshalYAML accepts either the "level:target" shorthand or a mapping.
func (r *ScopeRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		ref, err := ParseScopeRef(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*r = ref
		return nil
	}
	type plain ScopeRef
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = ScopeRef(p)
	return nil
}

// MarshalYAML emits the shorthand form.
func (r ScopeRef) MarshalYAML() (interface{}, error) {
	return r.Key(), nil
}

// RuleType is the category a rule belongs to.
type RuleType string

const (
	TypeAuthorship    RuleType = "authorship"
	TypeStyle         RuleType = "style"
	TypeSecurity      RuleType = "security"
	TypeCompliance    RuleType = "compliance"
	TypeOperational   RuleType = "operational"
	TypeCommunication RuleType = "communication"
	TypeWorkflow      RuleType = "workflow"
	TypeIntegration   RuleType = "integration"
)

// RuleTypes lists every known rule type.
var RuleTypes = []RuleType{
	TypeAuthorship, TypeStyle, TypeSecurity, TypeCompliance,
	TypeOperational, TypeCommunication, TypeWorkflow, TypeIntegration,
}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	return slices.Contains(RuleTypes, t)
}

// Priority is an integer importance. The named bands are the usual values
// but any non-negative integer is accepted.
type Priority int

const (
	PriorityAdvisory Priority = 100
	PriorityLow      Priority = 250
	PriorityNormal   Priority = 500
	PriorityHigh     Priority = 750
	PriorityCritical Priority = 1000
)

var bands = []struct {
	name  string
	value Priority
}{
	{"CRITICAL", PriorityCritical},
	{"HIGH", PriorityHigh},
	{"NORMAL", PriorityNormal},
	{"LOW", PriorityLow},
	{"ADVISORY", PriorityAdvisory},
}

// Band returns the named band p falls into: the greatest band not above p.
// Values below ADVISORY belong to ADVISORY.
func (p Priority) Band() Priority {
	for _, b := range bands {
		if p >= b.value {
			return b.value
		}
	}
	return PriorityAdvisory
}

// String returns the band name for exact band values and the number otherwise.
func (p Priority) String() string {
	for _, b := range bands {
		if p == b.value {
			return b.name
		}
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a band name (any case) or an integer.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	for _, b := range bands {
		if strings.EqualFold(s, b.name) {
			return b.value, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("priority must not be negative: %d", n)
	}
	return Priority(n), nil
}

// UnmarshalYAML accepts band names as well as integers.
func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParsePriority(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*p = v
	return nil
}

// Strategy selects how a conflict between equally ranked rules is settled.
type Strategy string

const (
	StrategyHighestPriority Strategy = "highest_priority"
	StrategyMostSpecific    Strategy = "most_specific"
	StrategyLatestCreated   Strategy = "latest_created"
	StrategyConsensus       Strategy = "consensus"
	StrategyOverride        Strategy = "override"
)

// Strategies lists every known strategy.
var Strategies = []Strategy{
	StrategyHighestPriority, StrategyMostSpecific, StrategyLatestCreated,
	StrategyConsensus, StrategyOverride,
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return slices.Contains(Strategies, s)
}

// Rule is a behavioral rule or, when Parent is set, an override of another
// rule. The fields after ExpiresAt are bookkeeping owned by the rule store
// and are ignored when a definition is submitted.
type Rule struct {
	ID             string      `json:"id" yaml:"id" validate:"required,max=256"`
	Name           string      `json:"name,omitempty" yaml:"name,omitempty" validate:"max=256"`
	Type           RuleType    `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,ruletype"`
	Scope          ScopeRef    `json:"scope" yaml:"scope"`
	Priority       Priority    `json:"priority,omitempty" yaml:"priority,omitempty" validate:"gte=0"`
	Conditions     []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Actions        []Action    `json:"actions,omitempty" yaml:"actions,omitempty" validate:"dive"`
	Tags           []string    `json:"tags,omitempty" yaml:"tags,omitempty" validate:"dive,required,max=128"`
	Strategy       Strategy    `json:"strategy,omitempty" yaml:"strategy,omitempty" validate:"omitempty,strategy"`
	ConflictWinner string      `json:"conflict_winner,omitempty" yaml:"conflict_winner,omitempty"`
	Author         string      `json:"author,omitempty" yaml:"author,omitempty"`
	Parent         string      `json:"parent,omitempty" yaml:"parent,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`

	Version   uint64        `json:"version" yaml:"-"`
	Timestamp uint64        `json:"timestamp" yaml:"-"`
	Vector    VersionVector `json:"vector,omitempty" yaml:"-"`
	CreatedAt time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"-"`
	Origin    string        `json:"origin,omitempty" yaml:"-"`
	Deleted   bool          `json:"deleted,omitempty" yaml:"-"`
	Edit      Edit          `json:"edit,omitzero" yaml:"-"`
}

// IsOverride reports whether the rule narrows another rule.
func (r *Rule) IsOverride() bool {
	return r.Parent != ""
}

// Expired reports whether an override's expiration has passed at now.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Source identifies who stands behind the rule for consensus counting.
func (r *Rule) Source() string {
	if r.Author != "" {
		return r.Author
	}
	return r.Origin
}

// Stamp returns the edit that produced the row's content. Rows written
// before edits were stamped fall back to their own bookkeeping fields.
func (r *Rule) Stamp() Edit {
	if !r.Edit.IsZero() {
		return r.Edit
	}
	return Edit{At: r.UpdatedAt, Timestamp: r.Timestamp, Node: r.Origin, Vector: r.Vector}
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		for i, cond := range r.Conditions {
			c.Conditions[i] = cond.clone()
		}
	}
	if r.Actions != nil {
		c.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			c.Actions[i] = a.clone()
		}
	}
	c.Tags = slices.Clone(r.Tags)
	c.Vector = r.Vector.Clone()
	c.Edit.Vector = r.Edit.Vector.Clone()
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Normalize canonicalizes a submitted definition in place: operator
// aliases are resolved, tags are deduplicated and sorted, and a missing
// priority on a non-override defaults to NORMAL.
func (r *Rule) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.Parent = strings.TrimSpace(r.Parent)
	r.Scope.Level = Scope(strings.ToLower(string(r.Scope.Level)))
	if r.Scope.Level == "" {
		r.Scope.Level = ScopeGlobal
	}
	if r.Priority == 0 && !r.IsOverride() {
		r.Priority = PriorityNormal
	}
	for i := range r.Conditions {
		r.Conditions[i].Operator = NormalizeOperator(r.Conditions[i].Operator)
	}
	for i := range r.Actions {
		r.Actions[i].Type = ActionType(strings.ToLower(string(r.Actions[i].Type)))
	}
	if len(r.Tags) > 0 {
		tags := make([]string, 0, len(r.Tags))
		for _, t := range r.Tags {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		slices.Sort(tags)
		r.Tags = slices.Compact(tags)
	}
}

// SameDefinition reports whether two rules carry the same user-facing
// definition, ignoring store bookkeeping.
func (r *Rule) SameDefinition(o *Rule) bool {
	if r.ID != o.ID || r.Name != o.Name || r.Type != o.Type || r.Scope != o.Scope ||
		r.Priority != o.Priority || r.Strategy != o.Strategy || r.ConflictWinner != o.ConflictWinner ||
		r.Author != o.Author || r.Parent != o.Parent {
		return false
	}
	if (r.ExpiresAt == nil) != (o.ExpiresAt == nil) || (r.ExpiresAt != nil && !r.ExpiresAt.Equal(*o.ExpiresAt)) {
		return false
	}
	if !slices.Equal(r.Tags, o.Tags) {
		return false
	}
	if !slices.EqualFunc(r.Conditions, o.Conditions, func(a, b Condition) bool { return a.Equal(b) }) {
		return false
	}
	return slices.EqualFunc(r.Actions, o.Actions, func(a, b Action) bool { return a.Equal(b) })
}

// Resolve returns the effective rule for an override given its already
// resolved parent. The parent's conditions come first, followed by the
// override's. Override actions replace the parent's actions on the same
// target in place; actions on new targets are appended. Name, type,
// priority, strategy and conflict winner are inherited when omitted.
func (r *Rule) Resolve(parent *Rule) *Rule {
	eff := r.Clone()
	if parent == nil {
		return eff
	}
	if eff.Name == "" {
		eff.Name = parent.Name
	}
	if eff.Type == "" {
		eff.Type = parent.Type
	}
	if eff.Priority == 0 {
		eff.Priority = parent.Priority
	}
	if eff.Strategy == "" {
		eff.Strategy = parent.Strategy
	}
	if eff.ConflictWinner == "" {
		eff.ConflictWinner = parent.ConflictWinner
	}
	if eff.Author == "" {
		eff.Author = parent.Author
	}

	conds := make([]Condition, 0, len(parent.Conditions)+len(r.Conditions))
	for _, c := range parent.Conditions {
		conds = append(conds, c.clone())
	}
	eff.Conditions = append(conds, eff.Conditions...)

	byTarget := make(map[string][]Action)
	for _, a := range r.Actions {
		byTarget[a.Target] = append(byTarget[a.Target], a.clone())
	}
	actions := make([]Action, 0, len(parent.Actions)+len(r.Actions))
	emitted := make(map[string]bool)
	for _, a := range parent.Actions {
		if repl, ok := byTarget[a.Target]; ok {
			if !emitted[a.Target] {
				actions = append(actions, repl...)
				emitted[a.Target] = true
			}
			continue
		}
		actions = append(actions, a.clone())
	}
	inParent := parentTargets(parent)
	for _, a := range r.Actions {
		if _, ok := inParent[a.Target]; !ok {
			actions = append(actions, a.clone())
		}
	}
	eff.Actions = actions

	tags := append(slices.Clone(parent.Tags), r.Tags...)
	slices.Sort(tags)
	eff.Tags = slices.Compact(tags)
	return eff
}

func parentTargets(parent *Rule) map[string]struct{} {
	m := make(map[string]struct{}, len(parent.Actions))
	for _, a := range parent.Actions {
		m[a.Target] = struct{}{}
	}
	return m
}
