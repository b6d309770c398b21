package rule

import (
	"maps"
	"slices"
)

// Context fields recognized by conditions.
const (
	FieldTaskType    = "task_type"
	FieldProjectID   = "project_id"
	FieldMachineID   = "machine_id"
	FieldAgentID     = "agent_id"
	FieldSessionID   = "session_id"
	FieldUserID      = "user_id"
	FieldLanguage    = "language"
	FieldFilePath    = "file_path"
	FieldRepository  = "repository"
	FieldBranch      = "branch"
	FieldTool        = "tool"
	FieldAction      = "action"
	FieldEnvironment = "environment"
	FieldModel       = "model"
)

var recognizedFields = map[string]struct{}{
	FieldTaskType: {}, FieldProjectID: {}, FieldMachineID: {}, FieldAgentID: {},
	FieldSessionID: {}, FieldUserID: {}, FieldLanguage: {}, FieldFilePath: {},
	FieldRepository: {}, FieldBranch: {}, FieldTool: {}, FieldAction: {},
	FieldEnvironment: {}, FieldModel: {},
}

// IsRecognizedField reports whether conditions may reference field.
func IsRecognizedField(field string) bool {
	_, ok := recognizedFields[field]
	return ok
}

// RecognizedFields returns the recognized context fields in sorted order.
func RecognizedFields() []string {
	return slices.Sorted(maps.Keys(recognizedFields))
}

// Context is the execution context an evaluation is made for. Unknown keys
// are carried but never matched by a condition.
type Context map[string]string

// Get returns a non-empty field value.
func (c Context) Get(field string) (string, bool) {
	v, ok := c[field]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ScopeChain expands the context into the ordered scope chain, most general
// first: global, then each of project, machine, agent and session whose id
// is present.
func (c Context) ScopeChain() []ScopeRef {
	chain := make([]ScopeRef, 0, len(Levels))
	chain = append(chain, Global())
	for _, level := range Levels[1:] {
		if id, ok := c.Get(level.ContextField()); ok {
			chain = append(chain, ScopeRef{Level: level, Target: id})
		}
	}
	return chain
}

// ContextForScope builds the minimal context whose chain ends at ref.
func ContextForScope(ref ScopeRef) Context {
	ctx := Context{}
	if f := ref.Level.ContextField(); f != "" && ref.Target != "" {
		ctx[f] = ref.Target
	}
	return ctx
}
