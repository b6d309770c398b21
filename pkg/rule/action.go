package rule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionType is the effect an action has on its target.
type ActionType string

const (
	ActionSet       ActionType = "set"
	ActionAppend    ActionType = "append"
	ActionMerge     ActionType = "merge"
	ActionValidate  ActionType = "validate"
	ActionBlock     ActionType = "block"
	ActionTransform ActionType = "transform"
	ActionInvoke    ActionType = "invoke"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{
	ActionSet, ActionAppend, ActionMerge, ActionValidate,
	ActionBlock, ActionTransform, ActionInvoke,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return slices.Contains(ActionTypes, t)
}

// Cumulative reports whether values of this type combine across rules
// instead of replacing one another.
func (t ActionType) Cumulative() bool {
	return t == ActionAppend || t == ActionMerge
}

// Action is one effect of a matching rule on a named behavior or attribute.
type Action struct {
	Type   ActionType        `json:"type" yaml:"type" validate:"required,actiontype"`
	Target string            `json:"target" yaml:"target" validate:"required,max=256"`
	Value  Value             `json:"value,omitempty" yaml:"value,omitempty"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Equal reports whether two actions have identical effect.
func (a Action) Equal(o Action) bool {
	return a.Type == o.Type && a.Target == o.Target && a.Value.Equal(o.Value) && maps.Equal(a.Params, o.Params)
}

func (a Action) clone() Action {
	a.Value = a.Value.Clone()
	a.Params = maps.Clone(a.Params)
	return a
}

// checkShape verifies the value kind accepted by the action type.
func (a Action) checkShape() error {
	switch a.Type {
	case ActionSet, ActionTransform:
		if a.Value.Kind != KindScalar {
			return fmt.Errorf("action %q requires a scalar value", a.Type)
		}
	case ActionAppend:
		if a.Value.Kind != KindScalar && a.Value.Kind != KindList {
			return fmt.Errorf("action %q requires a scalar or list value", a.Type)
		}
	case ActionMerge:
		if a.Value.Kind != KindMap {
			return fmt.Errorf("action %q requires a map value", a.Type)
		}
	case ActionValidate:
		if a.Value.Kind != KindScalar || a.Value.Scalar == "" {
			return fmt.Errorf("action %q requires a pattern", a.Type)
		}
		if _, err := regexp.Compile(a.Value.Scalar); err != nil {
			return fmt.Errorf("invalid pattern: %v", err)
		}
	case ActionBlock:
		if a.Value.Kind != KindNone && a.Value.Kind != KindScalar {
			return fmt.Errorf("action %q takes an optional reason string", a.Type)
		}
	case ActionInvoke:
		if a.Value.Kind != KindScalar || strings.TrimSpace(a.Value.Scalar) == "" {
			return fmt.Errorf("action %q requires a hook name", a.Type)
		}
	}
	return nil
}

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindScalar
	KindList
	KindMap
)

// String implements fmt.Stringer.
func (k ValueKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "none"
	}
}

// Value is a closed variant: nothing, a string, a list of strings or a
// string map. In JSON and YAML it is written as the bare value.
type Value struct {
	Kind   ValueKind         `cbor:"k"`
	Scalar string            `cbor:"s,omitempty"`
	List   []string          `cbor:"l,omitempty"`
	Map    map[string]string `cbor:"m,omitempty"`
}

// String returns a scalar value.
func String(s string) Value {
	return Value{Kind: KindScalar, Scalar: s}
}

// List returns a list value.
func List(items ...string) Value {
	return Value{Kind: KindList, List: items}
}

// Map returns a map value.
func Map(m map[string]string) Value {
	return Value{Kind: KindMap, Map: m}
}

// IsZero reports whether the value is empty.
func (v Value) IsZero() bool {
	return v.Kind == KindNone
}

// Strings returns the value as a list: a scalar becomes a single element.
func (v Value) Strings() []string {
	switch v.Kind {
	case KindScalar:
		return []string{v.Scalar}
	case KindList:
		return slices.Clone(v.List)
	default:
		return nil
	}
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindScalar:
		return v.Scalar == o.Scalar
	case KindList:
		return slices.Equal(v.List, o.List)
	case KindMap:
		return maps.Equal(v.Map, o.Map)
	}
	return true
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	v.List = slices.Clone(v.List)
	v.Map = maps.Clone(v.Map)
	return v
}

// Display renders the value for logs and text output.
func (v Value) Display() string {
	switch v.Kind {
	case KindScalar:
		return v.Scalar
	case KindList:
		return "[" + strings.Join(v.List, ", ") + "]"
	case KindMap:
		keys := slices.Sorted(maps.Keys(v.Map))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + v.Map[k]
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

// MarshalJSON writes the bare value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindScalar:
		return json.Marshal(v.Scalar)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	}
	return []byte("null"), nil
}

// UnmarshalJSON infers the kind from the JSON token.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '[':
		var l []string
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("value list must contain strings: %w", err)
		}
		*v = List(l...)
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("value map must contain strings: %w", err)
		}
		*v = Map(m)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	default:
		// numbers and booleans keep their literal text
		*v = String(string(data))
	}
	return nil
}

// UnmarshalYAML infers the kind from the node.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*v = Value{}
			return nil
		}
		*v = String(node.Value)
	case yaml.SequenceNode:
		var l []string
		if err := node.Decode(&l); err != nil {
			return fmt.Errorf("line %d: value list must contain strings: %w", node.Line, err)
		}
		*v = List(l...)
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("line %d: value map must contain strings: %w", node.Line, err)
		}
		*v = Map(m)
	default:
		return fmt.Errorf("line %d: unsupported value", node.Line)
	}
	return nil
}

// MarshalYAML writes the bare value.
func (v Value) MarshalYAML() (interface{}, error) {
	switch v.Kind {
	case KindScalar:
		return v.Scalar, nil
	case KindList:
		return v.List, nil
	case KindMap:
		return v.Map, nil
	}
	return nil, nil
}

// MergeMaps unions maps left to right; earlier maps win on key collisions.
func MergeMaps(ms ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range ms {
		for k, v := range m {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}
