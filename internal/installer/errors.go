package installer

import (
	"fmt"

	"github.com/vk/cellar/internal/model"
)

// ConflictError is returned when the link path of a formula is occupied by
// something the installer does not manage and Force was not requested.
type ConflictError struct {
	Formula  model.Identity
	Path     string
	Occupant string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot install %s: %s is occupied by %s (use force to replace it)", e.Formula, e.Path, e.Occupant)
}

// Error wraps any other installer failure with the operation and formula.
type Error struct {
	Op      string
	Formula model.Identity
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("install %s: %s: %v", e.Formula, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
