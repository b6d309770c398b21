package rule

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched by the typed errors below via errors.Is.
var (
	// ErrValidation indicates a rule failed structural validation.
	ErrValidation = errors.New("rule validation failed")

	// ErrNotFound indicates the requested rule does not exist.
	ErrNotFound = errors.New("rule not found")

	// ErrAlreadyExists indicates a rule with the same id already exists.
	ErrAlreadyExists = errors.New("rule already exists")

	// ErrVersionConflict indicates an optimistic concurrency mismatch.
	ErrVersionConflict = errors.New("rule version conflict")

	// ErrHasDependents indicates a delete was rejected because overrides depend on the rule.
	ErrHasDependents = errors.New("rule has dependent overrides")

	// ErrCycle indicates an override chain would loop back on itself.
	ErrCycle = errors.New("override cycle")
)

// ValidationError describes one violated structural constraint.
type ValidationError struct {
	// Field is the dotted path of the offending field (e.g. "conditions[0].value").
	Field string

	// Message describes the violation.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ValidationErrors aggregates every violation found in one rule.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return "invalid rule: " + e[0].Error()
	}
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("invalid rule (%d errors): %s", len(e), strings.Join(parts, "; "))
}

// Is reports whether target is ErrValidation.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError indicates a rule id is unknown or deleted.
type NotFoundError struct {
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rule %q not found", e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyExistsError is returned when creating a rule whose id is taken.
type AlreadyExistsError struct {
	ID string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("rule %q already exists", e.ID)
}

// Is reports whether target is ErrAlreadyExists.
func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}

// VersionConflictError is returned when the caller's expected version does
// not match the stored version. The caller must re-read and retry.
type VersionConflictError struct {
	ID       string
	Expected uint64
	Actual   uint64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("rule %q: expected version %d, current version is %d", e.ID, e.Expected, e.Actual)
}

// Is reports whether target is ErrVersionConflict.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// HasDependentsError is returned when deleting a rule that still has
// overrides and cascade was not requested.
type HasDependentsError struct {
	ID         string
	Dependents []string
}

// Error implements the error interface.
func (e *HasDependentsError) Error() string {
	return fmt.Sprintf("rule %q has %d dependent override(s): %s", e.ID, len(e.Dependents), strings.Join(e.Dependents, ", "))
}

// Is reports whether target is ErrHasDependents.
func (e *HasDependentsError) Is(target error) bool {
	return target == ErrHasDependents
}

// CycleError is returned when an override's parent chain leads back to itself.
type CycleError struct {
	// Path lists the ids along the cycle, starting and ending with the same id.
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("override cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Is reports whether target is ErrCycle or ErrValidation. A cycle is a
// structural defect, so callers checking for validation failures see it too.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle || target == ErrValidation
}
