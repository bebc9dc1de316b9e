package resolver

import (
	"fmt"
	"strings"

	"github.com/vk/cellar/internal/model"
)

// UnknownDependencyError is returned when a formula name cannot be found.
// RequiredBy is empty for the root formula.
type UnknownDependencyError struct {
	Name       string
	RequiredBy string
	Err        error
}

func (e *UnknownDependencyError) Error() string {
	if e.RequiredBy == "" {
		return fmt.Sprintf("unknown formula %q", e.Name)
	}
	return fmt.Sprintf("unknown dependency %q required by %q", e.Name, e.RequiredBy)
}

func (e *UnknownDependencyError) Unwrap() error { return e.Err }

// CyclicDependencyError names a dependency cycle. Path starts and ends with
// the same formula; each element depends on the next.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

// ConstraintError is returned when the formula found for a dependency does
// not satisfy the declared version constraint.
type ConstraintError struct {
	Formula    string
	Dependency string
	Constraint model.Constraint
	Found      string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%q requires %s %s, but version %s is available",
		e.Formula, e.Dependency, e.Constraint, e.Found)
}

// IncompatibleError is returned when a formula that would have to be built
// declares that it fails on this host.
type IncompatibleError struct {
	Formula   string
	Condition string
	Reason    string
}

func (e *IncompatibleError) Error() string {
	msg := fmt.Sprintf("%q does not build on this host (fails_with %s)", e.Formula, e.Condition)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PredicateError is returned when a dependency condition cannot be evaluated.
type PredicateError struct {
	Formula    string
	Dependency string
	Err        error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("%q: condition on dependency %q: %v", e.Formula, e.Dependency, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }
