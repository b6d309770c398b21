package rule

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpIn         Operator = "in"
	OpRegex      Operator = "regex"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
)

var operatorAliases = map[string]Operator{
	"==":          OpEquals,
	"eq":          OpEquals,
	"!=":          OpNotEquals,
	"ne":          OpNotEquals,
	"not-equals":  OpNotEquals,
	"in-set":      OpIn,
	"in_set":      OpIn,
	"matches":     OpRegex,
	"starts-with": OpStartsWith,
	"ends-with":   OpEndsWith,
}

// NormalizeOperator resolves accepted aliases ("==", "in-set", ...) to the
// canonical operator name.
func NormalizeOperator(op Operator) Operator {
	lower := strings.ToLower(strings.TrimSpace(string(op)))
	if canonical, ok := operatorAliases[lower]; ok {
		return canonical
	}
	return Operator(lower)
}

// Valid reports whether op is a canonical operator.
func (op Operator) Valid() bool {
	_, ok := operatorCost[op]
	return ok
}

// Cost orders operators cheapest first. Only relative order matters.
func (op Operator) Cost() int {
	return operatorCost[op]
}

var operatorCost = map[Operator]int{
	OpEquals:     1,
	OpNotEquals:  1,
	OpStartsWith: 2,
	OpEndsWith:   2,
	OpContains:   3,
	OpIn:         4,
	OpRegex:      10,
}

// Condition compares one context field against a value.
type Condition struct {
	Field         string   `json:"field" yaml:"field" validate:"required,contextfield"`
	Operator      Operator `json:"operator" yaml:"operator" validate:"required,operator"`
	Value         Value    `json:"value" yaml:"value"`
	CaseSensitive bool     `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
}

// Equal reports whether two conditions are identical.
func (c Condition) Equal(o Condition) bool {
	return c.Field == o.Field && c.Operator == o.Operator &&
		c.CaseSensitive == o.CaseSensitive && c.Value.Equal(o.Value)
}

func (c Condition) clone() Condition {
	c.Value = c.Value.Clone()
	return c
}

// checkShape verifies the value kind accepted by the operator.
func (c Condition) checkShape() error {
	switch c.Operator {
	case OpIn:
		if c.Value.Kind != KindList || len(c.Value.List) == 0 {
			return fmt.Errorf("operator %q requires a non-empty list value", c.Operator)
		}
	case OpRegex:
		if c.Value.Kind != KindScalar {
			return fmt.Errorf("operator %q requires a string pattern", c.Operator)
		}
		if _, err := c.compileRegex(); err != nil {
			return fmt.Errorf("invalid pattern: %v", err)
		}
	default:
		if c.Value.Kind != KindScalar {
			return fmt.Errorf("operator %q requires a scalar value", c.Operator)
		}
	}
	return nil
}

func (c Condition) compileRegex() (*regexp.Regexp, error) {
	pattern := c.Value.Scalar
	if !c.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// Predicate is a compiled Condition ready for repeated matching.
type Predicate struct {
	field string
	op    Operator
	fold  bool
	value string
	set   map[string]struct{}
	re    *regexp.Regexp
}

// Compile validates the condition's shape and precompiles it.
func (c Condition) Compile() (*Predicate, error) {
	if err := c.checkShape(); err != nil {
		return nil, err
	}
	p := &Predicate{field: c.Field, op: c.Operator, fold: !c.CaseSensitive}
	switch c.Operator {
	case OpIn:
		p.set = make(map[string]struct{}, len(c.Value.List))
		for _, v := range c.Value.List {
			p.set[p.norm(v)] = struct{}{}
		}
	case OpRegex:
		re, err := c.compileRegex()
		if err != nil {
			return nil, err
		}
		p.re = re
	default:
		p.value = p.norm(c.Value.Scalar)
	}
	return p, nil
}

// Field returns the context field the predicate reads.
func (p *Predicate) Field() string {
	return p.field
}

// Cost returns the relative evaluation cost.
func (p *Predicate) Cost() int {
	return p.op.Cost()
}

func (p *Predicate) norm(s string) string {
	if p.fold {
		return strings.ToLower(s)
	}
	return s
}

// Match evaluates the predicate. A field absent from the context never
// matches, whatever the operator.
func (p *Predicate) Match(ctx Context) bool {
	raw, ok := ctx.Get(p.field)
	if !ok {
		return false
	}
	if p.op == OpRegex {
		return p.re.MatchString(raw)
	}
	v := p.norm(raw)
	switch p.op {
	case OpEquals:
		return v == p.value
	case OpNotEquals:
		return v != p.value
	case OpIn:
		_, found := p.set[v]
		return found
	case OpContains:
		return strings.Contains(v, p.value)
	case OpStartsWith:
		return strings.HasPrefix(v, p.value)
	case OpEndsWith:
		return strings.HasSuffix(v, p.value)
	}
	return false
}
