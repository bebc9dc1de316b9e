// Package verify runs a formula's test phase against its installed output.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/executor"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/sandbox"
	"github.com/vk/cellar/internal/store"
)

// FailedError is returned when a test step fails or the test environment
// cannot be prepared.
type FailedError struct {
	Formula model.Identity
	Err     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("verification of %s failed: %v", e.Formula, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Report describes a finished verification.
type Report struct {
	Formula model.Identity
	// Skipped is set when the formula declares no test steps.
	Skipped  bool
	Steps    int
	Output   string
	LogPath  string
	Duration time.Duration
}

// Runner verifies installations.
type Runner struct {
	sandboxes *sandbox.Manager
	executor  *executor.Executor
}

// New returns a Runner.
func New(sandboxes *sandbox.Manager, ex *executor.Executor) *Runner {
	return &Runner{sandboxes: sandboxes, executor: ex}
}

// Verify runs f's test steps in a fresh sandbox whose $PREFIX is the
// installed slot of rec. Host and dependency settings come from req; its
// Formula and Prefix are overwritten. The store and the active link are
// never touched.
func (r *Runner) Verify(ctx context.Context, f *model.Formula, rec store.Record, req sandbox.Request) (*Report, error) {
	id := f.Identity()
	logger := ctxlog.FromContext(ctx).With("formula", id.String())
	if len(f.Test) == 0 {
		logger.Debug("No test steps declared, skipping verification.")
		return &Report{Formula: id, Skipped: true}, nil
	}

	req.Formula = f
	req.Prefix = rec.Path

	var report *Report
	err := r.sandboxes.With(ctx, req, func(env *sandbox.Environment) error {
		res, err := r.executor.Run(ctx, id, model.PhaseTest, f.Test, env)
		if err != nil {
			return err
		}
		report = &Report{
			Formula:  id,
			Steps:    res.Steps,
			Output:   res.Output,
			LogPath:  res.LogPath,
			Duration: res.Duration,
		}
		return nil
	})
	if err != nil {
		logger.Error("Verification failed.", "error", err)
		return nil, &FailedError{Formula: id, Err: err}
	}
	logger.Info("Verification passed.", "steps", report.Steps, "duration", report.Duration)
	return report, nil
}
