package cli

import (
	"errors"

	"github.com/vk/cellar/internal/engine"
	"github.com/vk/cellar/internal/executor"
	"github.com/vk/cellar/internal/installer"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/resolver"
	"github.com/vk/cellar/internal/sandbox"
	"github.com/vk/cellar/internal/verify"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitGeneric = 1
	ExitUsage   = 2
	ExitResolve = 3
	ExitBuild   = 4
	ExitInstall = 5
	ExitTest    = 6
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Message: err.Error(), Err: err}
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		unknown    *resolver.UnknownDependencyError
		cycle      *resolver.CyclicDependencyError
		constraint *resolver.ConstraintError
		predicate  *resolver.PredicateError
		broken     *resolver.IncompatibleError
		failed     *verify.FailedError
		conflict   *installer.ConflictError
		install    *installer.Error
		step       *executor.StepFailedError
		setup      *sandbox.SetupError
		skipped    *engine.SkippedError
	)
	switch {
	case errors.As(err, &unknown), errors.As(err, &cycle), errors.As(err, &constraint),
		errors.As(err, &predicate), errors.As(err, &broken), errors.Is(err, model.ErrFormulaNotFound):
		return ExitResolve
	// Verification wraps the failing test step, so it is checked first.
	case errors.As(err, &failed):
		return ExitTest
	case errors.As(err, &conflict), errors.As(err, &install):
		return ExitInstall
	case errors.As(err, &step), errors.As(err, &setup), errors.As(err, &skipped):
		return ExitBuild
	}
	return ExitGeneric
}
