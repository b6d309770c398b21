package rule

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func validRule() *Rule {
	return &Rule{
		ID:       "authorship",
		Name:     "Org authorship",
		Type:     TypeAuthorship,
		Scope:    Global(),
		Priority: PriorityNormal,
		Conditions: []Condition{
			{Field: FieldTaskType, Operator: OpEquals, Value: String("code_generation")},
		},
		Actions: []Action{
			{Type: ActionSet, Target: "author", Value: String("Org Name")},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *Rule)
		wantField string
	}{
		{"valid", func(r *Rule) {}, ""},
		{"missing id", func(r *Rule) { r.ID = "" }, "id"},
		{"missing name", func(r *Rule) { r.Name = "" }, "name"},
		{"unknown type", func(r *Rule) { r.Type = "poetry" }, "type"},
		{"unknown scope", func(r *Rule) { r.Scope = ScopeRef{Level: "galaxy"} }, "scope.level"},
		{"project without target", func(r *Rule) { r.Scope = ScopeRef{Level: ScopeProject} }, "scope.target"},
		{"global with target", func(r *Rule) { r.Scope = ScopeRef{Level: ScopeGlobal, Target: "x"} }, "scope.target"},
		{"unknown field", func(r *Rule) { r.Conditions[0].Field = "mood" }, "conditions[0].field"},
		{"unknown operator", func(r *Rule) { r.Conditions[0].Operator = "like" }, "conditions[0].operator"},
		{"in needs list", func(r *Rule) { r.Conditions[0].Operator = OpIn }, "conditions[0].value"},
		{"bad regex", func(r *Rule) {
			r.Conditions[0].Operator = OpRegex
			r.Conditions[0].Value = String("([")
		}, "conditions[0].value"},
		{"no actions", func(r *Rule) { r.Actions = nil }, "actions"},
		{"unknown action", func(r *Rule) { r.Actions[0].Type = "explode" }, "actions[0].type"},
		{"merge needs map", func(r *Rule) { r.Actions[0].Type = ActionMerge }, "actions[0].value"},
		{"invoke needs hook", func(r *Rule) {
			r.Actions[0].Type = ActionInvoke
			r.Actions[0].Value = String(" ")
		}, "actions[0].value"},
		{"unknown strategy", func(r *Rule) { r.Strategy = "coin_flip" }, "strategy"},
		{"self parent", func(r *Rule) { r.Parent = r.ID }, "parent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := Validate(r)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error on %s", tt.wantField)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error should match ErrValidation: %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("no error on field %q in %v", tt.wantField, err)
			}
		})
	}
}

func TestValidateOverrideInheritsRequiredFields(t *testing.T) {
	ovr := &Rule{
		ID:     "authorship-kanban",
		Parent: "authorship",
		Scope:  ScopeRef{Level: ScopeProject, Target: "vibe-kanban"},
	}
	if err := Validate(ovr); err != nil {
		t.Fatalf("override without name/type/actions should validate: %v", err)
	}
}

func TestPriorityBand(t *testing.T) {
	tests := []struct {
		in   Priority
		want Priority
	}{
		{1200, PriorityCritical},
		{1000, PriorityCritical},
		{999, PriorityHigh},
		{600, PriorityNormal},
		{250, PriorityLow},
		{120, PriorityAdvisory},
		{5, PriorityAdvisory},
	}
	for _, tt := range tests {
		if got := tt.in.Band(); got != tt.want {
			t.Errorf("Priority(%d).Band() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority("critical"); err != nil || p != PriorityCritical {
		t.Errorf("ParsePriority(critical) = %v, %v", p, err)
	}
	if p, err := ParsePriority("640"); err != nil || p != 640 {
		t.Errorf("ParsePriority(640) = %v, %v", p, err)
	}
	if _, err := ParsePriority("-1"); err == nil {
		t.Error("negative priority should fail")
	}
}

func TestScopeChain(t *testing.T) {
	ctx := Context{
		FieldProjectID: "vibe-kanban",
		FieldAgentID:   "claude",
		FieldSessionID: "",
	}
	chain := ctx.ScopeChain()
	want := []string{"global", "project:vibe-kanban", "agent:claude"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i, ref := range chain {
		if ref.Key() != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, ref.Key(), want[i])
		}
	}
}

func TestPredicateMatch(t *testing.T) {
	ctx := Context{FieldFilePath: "src/Main.go", FieldLanguage: "Go"}
	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals folds case", Condition{Field: FieldLanguage, Operator: OpEquals, Value: String("go")}, true},
		{"equals case sensitive", Condition{Field: FieldLanguage, Operator: OpEquals, Value: String("go"), CaseSensitive: true}, false},
		{"not equals", Condition{Field: FieldLanguage, Operator: OpNotEquals, Value: String("rust")}, true},
		{"not equals on missing field", Condition{Field: FieldBranch, Operator: OpNotEquals, Value: String("main")}, false},
		{"in set", Condition{Field: FieldLanguage, Operator: OpIn, Value: List("rust", "go")}, true},
		{"regex", Condition{Field: FieldFilePath, Operator: OpRegex, Value: String(`\.go$`)}, true},
		{"contains", Condition{Field: FieldFilePath, Operator: OpContains, Value: String("main")}, true},
		{"starts with", Condition{Field: FieldFilePath, Operator: OpStartsWith, Value: String("src/")}, true},
		{"ends with", Condition{Field: FieldFilePath, Operator: OpEndsWith, Value: String(".py")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.cond.Compile()
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			if got := p.Match(ctx); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVersionVectorCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionVector
		want Ordering
	}{
		{"equal", VersionVector{"a": 1}, VersionVector{"a": 1}, Equal},
		{"both empty", nil, VersionVector{}, Equal},
		{"before", VersionVector{"a": 1}, VersionVector{"a": 2}, Before},
		{"before new node", VersionVector{"a": 1}, VersionVector{"a": 1, "b": 1}, Before},
		{"after", VersionVector{"a": 3, "b": 1}, VersionVector{"a": 2}, After},
		{"concurrent", VersionVector{"a": 2, "b": 1}, VersionVector{"a": 1, "b": 2}, Concurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %v, want %v", got, tt.want)
			}
		})
	}

	merged := VersionVector{"a": 2, "b": 1}.Merge(VersionVector{"a": 1, "b": 2})
	if merged.String() != "a:2,b:2" {
		t.Errorf("Merge() = %s", merged)
	}
}

func TestClockObserve(t *testing.T) {
	c := NewClock(0)
	if c.Tick() != 1 {
		t.Fatal("first tick should be 1")
	}
	if got := c.Observe(10); got != 11 {
		t.Errorf("Observe(10) = %d, want 11", got)
	}
	if got := c.Observe(3); got != 12 {
		t.Errorf("Observe(3) = %d, want 12", got)
	}
}

func TestValueEncoding(t *testing.T) {
	doc := `
conditions:
  - field: language
    operator: in-set
    value: [go, rust]
actions:
  - type: merge
    target: labels
    value: {team: core}
  - type: set
    target: retries
    value: 3
`
	var r Rule
	if err := yaml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("yaml.Unmarshal failed: %v", err)
	}
	r.Normalize()
	if r.Conditions[0].Operator != OpIn || r.Conditions[0].Value.Kind != KindList {
		t.Errorf("condition decoded as %+v", r.Conditions[0])
	}
	if r.Actions[0].Value.Kind != KindMap || r.Actions[0].Value.Map["team"] != "core" {
		t.Errorf("merge value decoded as %+v", r.Actions[0].Value)
	}
	if r.Actions[1].Value.Scalar != "3" {
		t.Errorf("scalar value decoded as %+v", r.Actions[1].Value)
	}

	data, err := json.Marshal(r.Actions)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"value":{"team":"core"}`) {
		t.Errorf("unexpected JSON: %s", data)
	}
	var back []Action
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if !back[0].Equal(r.Actions[0]) || !back[1].Equal(r.Actions[1]) {
		t.Errorf("actions changed across JSON: %+v", back)
	}
}

func TestResolveOverride(t *testing.T) {
	parent := validRule()
	parent.Actions = append(parent.Actions, Action{Type: ActionAppend, Target: "labels", Value: List("org")})
	ovr := &Rule{
		ID:     "authorship-kanban",
		Parent: parent.ID,
		Scope:  ScopeRef{Level: ScopeProject, Target: "vibe-kanban"},
		Conditions: []Condition{
			{Field: FieldLanguage, Operator: OpEquals, Value: String("go")},
		},
		Actions: []Action{
			{Type: ActionSet, Target: "author", Value: String("Project Team")},
			{Type: ActionSet, Target: "reviewer", Value: String("lead")},
		},
	}

	eff := ovr.Resolve(parent)
	if eff.Name != parent.Name || eff.Type != parent.Type || eff.Priority != parent.Priority {
		t.Errorf("inherited fields not applied: %+v", eff)
	}
	if len(eff.Conditions) != 2 || eff.Conditions[0].Field != FieldTaskType {
		t.Errorf("conditions = %+v", eff.Conditions)
	}
	targets := make([]string, len(eff.Actions))
	for i, a := range eff.Actions {
		targets[i] = a.Target
	}
	if strings.Join(targets, ",") != "author,labels,reviewer" {
		t.Errorf("action targets = %v", targets)
	}
	if eff.Actions[0].Value.Scalar != "Project Team" {
		t.Errorf("author not replaced: %+v", eff.Actions[0])
	}
	if parent.Actions[0].Value.Scalar != "Org Name" {
		t.Error("Resolve must not modify the parent")
	}
}
