package rule

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ruleValidate checks struct tags on Rule and its nested types. Custom tags
// are registered for the closed enumerations.
var ruleValidate *validator.Validate

func init() {
	ruleValidate = validator.New(validator.WithRequiredStructEnabled())
	ruleValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = ruleValidate.RegisterValidation("scope", func(fl validator.FieldLevel) bool {
		return Scope(fl.Field().String()).Valid()
	})
	_ = ruleValidate.RegisterValidation("ruletype", func(fl validator.FieldLevel) bool {
		return RuleType(fl.Field().String()).Valid()
	})
	_ = ruleValidate.RegisterValidation("strategy", func(fl validator.FieldLevel) bool {
		return Strategy(fl.Field().String()).Valid()
	})
	_ = ruleValidate.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
		return Operator(fl.Field().String()).Valid()
	})
	_ = ruleValidate.RegisterValidation("actiontype", func(fl validator.FieldLevel) bool {
		return ActionType(fl.Field().String()).Valid()
	})
	_ = ruleValidate.RegisterValidation("contextfield", func(fl validator.FieldLevel) bool {
		return IsRecognizedField(fl.Field().String())
	})
}

// Validate checks a rule definition's structure and returns
// ValidationErrors listing every violation, or nil. It does not look at
// other rules: parent existence and cycles are the store's job.
func Validate(r *Rule) error {
	if r == nil {
		return ValidationErrors{{Message: "rule is nil"}}
	}
	var errs ValidationErrors

	if err := ruleValidate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			errs = append(errs, &ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Rule."),
				Message: tagMessage(fe),
			})
		}
	}

	if !r.IsOverride() {
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, &ValidationError{Field: "name", Message: "is required"})
		}
		if r.Type == "" {
			errs = append(errs, &ValidationError{Field: "type", Message: "is required"})
		}
		if len(r.Actions) == 0 {
			errs = append(errs, &ValidationError{Field: "actions", Message: "at least one action is required"})
		}
		if r.ExpiresAt != nil {
			errs = append(errs, &ValidationError{Field: "expires_at", Message: "only overrides can expire"})
		}
	} else {
		if r.Parent == r.ID {
			errs = append(errs, &ValidationError{Field: "parent", Message: "an override cannot be its own parent"})
		}
	}

	switch {
	case r.Scope.Level == ScopeGlobal && r.Scope.Target != "":
		errs = append(errs, &ValidationError{Field: "scope.target", Message: "global scope does not take a target"})
	case r.Scope.Level.Valid() && r.Scope.Level != ScopeGlobal && r.Scope.Target == "":
		errs = append(errs, &ValidationError{Field: "scope.target", Message: fmt.Sprintf("%s scope requires a target", r.Scope.Level)})
	}

	for i, c := range r.Conditions {
		if !c.Operator.Valid() {
			continue
		}
		if err := c.checkShape(); err != nil {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("conditions[%d].value", i), Message: err.Error()})
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			continue
		}
		if err := a.checkShape(); err != nil {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("actions[%d].value", i), Message: err.Error()})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be at least " + fe.Param()
	case "scope":
		return fmt.Sprintf("unknown scope level %q", fe.Value())
	case "ruletype":
		return fmt.Sprintf("unknown rule type %q", fe.Value())
	case "strategy":
		return fmt.Sprintf("unknown conflict strategy %q", fe.Value())
	case "operator":
		return fmt.Sprintf("unknown operator %q", fe.Value())
	case "actiontype":
		return fmt.Sprintf("unknown action type %q", fe.Value())
	case "contextfield":
		return fmt.Sprintf("unrecognized context field %q", fe.Value())
	}
	return "failed " + fe.Tag() + " check"
}
