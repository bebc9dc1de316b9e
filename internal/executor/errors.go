package executor

import (
	"fmt"

	"github.com/vk/cellar/internal/model"
)

// Reason classifies why a step failed.
type Reason string

const (
	// ReasonExitStatus: the command exited with an unexpected status.
	ReasonExitStatus Reason = "exit-status"
	// ReasonTimeout: the step exceeded its time limit and was killed.
	ReasonTimeout Reason = "timeout"
	// ReasonCanceled: the run was canceled while the step was in flight.
	ReasonCanceled Reason = "canceled"
	// ReasonInvalid: the step resolved to something it may not do, such as
	// writing outside the sandbox.
	ReasonInvalid Reason = "invalid"
	// ReasonError: the step could not be carried out.
	ReasonError Reason = "error"
)

// StepFailedError reports the first failing step of a phase. Steps after
// Index never ran.
type StepFailedError struct {
	Formula model.Identity
	Phase   model.Phase
	// Index is 1-based.
	Index int
	Step  string
	// Output is the captured combined output up to the failure; when
	// Truncated is set only its tail was kept.
	Output     string
	Truncated  bool
	ExitStatus int
	Reason     Reason
	Err        error
}

func (e *StepFailedError) Error() string {
	msg := fmt.Sprintf("%s step %d of %s failed", e.Phase, e.Index, e.Formula)
	switch e.Reason {
	case ReasonExitStatus:
		msg += fmt.Sprintf(" with exit status %d", e.ExitStatus)
	case ReasonTimeout:
		msg += " (timed out)"
	case ReasonCanceled:
		msg += " (canceled)"
	}
	msg += ": " + e.Step
	if e.Err != nil && e.Reason != ReasonTimeout && e.Reason != ReasonCanceled {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// Timeout reports whether the step was killed for exceeding its time limit.
func (e *StepFailedError) Timeout() bool { return e.Reason == ReasonTimeout }
