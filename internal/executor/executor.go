package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/fsutil"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/procexec"
	"github.com/vk/cellar/internal/sandbox"
)

// Options configure an Executor.
type Options struct {
	// OutputCap bounds the captured output per phase, in bytes.
	OutputCap int
	// StepTimeout limits each command step. Zero means no limit. A step's
	// own Timeout takes precedence.
	StepTimeout time.Duration
	// LogDir, when set, receives the complete gzip-compressed output of
	// every phase.
	LogDir string
}

// Result describes a phase that ran every step successfully.
type Result struct {
	Formula model.Identity
	Phase   model.Phase
	Steps   int
	Output  string
	// Truncated is set when output exceeded OutputCap; only the tail is in Output.
	Truncated bool
	// OutputDir is the build's declared output directory ($PREFIX).
	OutputDir string
	LogPath   string
	Duration  time.Duration
}

// Executor runs step lists.
type Executor struct {
	runner procexec.Runner
	opts   Options
}

// New returns an Executor that starts processes with runner.
func New(runner procexec.Runner, opts Options) *Executor {
	return &Executor{runner: runner, opts: opts}
}

// Build runs the build phase of f in env.
func (e *Executor) Build(ctx context.Context, f *model.Formula, env *sandbox.Environment) (*Result, error) {
	res, err := e.Run(ctx, f.Identity(), model.PhaseBuild, f.Steps, env)
	if err != nil {
		return nil, err
	}
	res.OutputDir = env.PrefixDir
	return res, nil
}

// Run executes steps in order. The first failure stops the phase and is
// returned as a *StepFailedError; later steps never run and nothing is
// retried.
func (e *Executor) Run(ctx context.Context, id model.Identity, phase model.Phase, steps []model.Step, env *sandbox.Environment) (res *Result, err error) {
	logger := ctxlog.FromContext(ctx).With("formula", id.String(), "phase", string(phase))
	start := time.Now()

	out := NewTailBuffer(e.opts.OutputCap)
	var w io.Writer = out
	logPath, closeLog, err := e.openLog(id, phase, env)
	if err != nil {
		return nil, err
	}
	if closeLog != nil {
		w = io.MultiWriter(out, closeLog.w)
		defer func() {
			if cerr := closeLog.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("writing build log: %w", cerr)
			}
		}()
	}

	state := newStepState(env)
	for i, step := range steps {
		stepLogger := logger.With("step", i+1, "kind", step.Kind())
		fail := func(reason Reason, status int, cause error) error {
			return &StepFailedError{
				Formula:    id,
				Phase:      phase,
				Index:      i + 1,
				Step:       step.Describe(),
				Output:     out.String(),
				Truncated:  out.Truncated(),
				ExitStatus: status,
				Reason:     reason,
				Err:        cause,
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, fail(ReasonCanceled, -1, err)
		}
		if err := step.Validate(); err != nil {
			return nil, fail(ReasonInvalid, 0, err)
		}

		fmt.Fprintf(w, "==> [%d/%d] %s\n", i+1, len(steps), step.Describe())
		stepLogger.Debug("Running step.", "description", step.Describe())

		status, reason, err := e.runStep(ctx, state, step, w)
		if err != nil || reason != "" {
			stepLogger.Warn("Step failed.", "reason", string(reason), "exit_status", status, "error", err)
			return nil, fail(reason, status, err)
		}
	}

	res = &Result{
		Formula:   id,
		Phase:     phase,
		Steps:     len(steps),
		Output:    out.String(),
		Truncated: out.Truncated(),
		LogPath:   logPath,
		Duration:  time.Since(start),
	}
	if res.Truncated {
		logger.Info("Captured output exceeded the cap; kept the tail.", "dropped_bytes", out.Dropped())
	}
	logger.Debug("Phase finished.", "steps", len(steps), "duration", res.Duration)
	return res, nil
}

// runStep carries out one step. A non-empty reason means failure.
func (e *Executor) runStep(ctx context.Context, s *stepState, step model.Step, w io.Writer) (int, Reason, error) {
	switch st := step.(type) {
	case model.RunCommand:
		return e.runCommand(ctx, s, st, w)

	case model.SetEnv:
		for _, k := range slices.Sorted(maps.Keys(st.Vars)) {
			s.vars[k] = s.expand(st.Vars[k])
		}

	case model.ChangeDir:
		dir := s.resolve(st.Dir)
		if !s.env.Contains(dir) && !fsutil.Within(s.env.PrefixDir, dir) {
			return 0, ReasonInvalid, fmt.Errorf("%s is outside the sandbox", dir)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return 0, ReasonError, err
		}
		if !info.IsDir() {
			return 0, ReasonError, fmt.Errorf("%s is not a directory", dir)
		}
		s.cwd = dir

	case model.RemovePath:
		for _, p := range st.Paths {
			target := s.resolve(p)
			if !s.writable(target) || target == s.env.Root {
				return 0, ReasonInvalid, fmt.Errorf("refusing to remove %s", target)
			}
			if err := os.RemoveAll(target); err != nil {
				return 0, ReasonError, err
			}
		}

	case model.WriteFile:
		target := s.resolve(st.Path)
		if !s.writable(target) {
			return 0, ReasonInvalid, fmt.Errorf("refusing to write %s outside the sandbox", target)
		}
		mode := st.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, ReasonError, err
		}
		if err := os.WriteFile(target, []byte(st.Content), mode); err != nil {
			return 0, ReasonError, err
		}
		if err := os.Chmod(target, mode); err != nil {
			return 0, ReasonError, err
		}

	case model.CopyPath:
		from, to := s.resolve(st.From), s.resolve(st.To)
		if !s.writable(to) {
			return 0, ReasonInvalid, fmt.Errorf("refusing to copy into %s outside the sandbox", to)
		}
		if info, err := os.Stat(to); err == nil && info.IsDir() {
			to = filepath.Join(to, filepath.Base(from))
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return 0, ReasonError, err
		}
		if err := fsutil.CopyTree(from, to); err != nil {
			return 0, ReasonError, err
		}

	default:
		return 0, ReasonInvalid, fmt.Errorf("unsupported step type %T", step)
	}
	return 0, "", nil
}

func (e *Executor) runCommand(ctx context.Context, s *stepState, st model.RunCommand, w io.Writer) (int, Reason, error) {
	args := make([]string, len(st.Args))
	for i, a := range st.Args {
		args[i] = s.expand(a)
	}
	dir := s.cwd
	if st.Workdir != "" {
		dir = s.resolve(st.Workdir)
	}

	timeout := st.Timeout
	if timeout == 0 {
		timeout = e.opts.StepTimeout
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.runner.Run(stepCtx, procexec.Command{
		Args:   args,
		Dir:    dir,
		Env:    sandbox.Environ(s.scoped(st.Env)),
		Output: w,
	})
	switch {
	case ctx.Err() != nil:
		return -1, ReasonCanceled, ctx.Err()
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		fmt.Fprintf(w, "==> step killed after %s\n", timeout)
		return -1, ReasonTimeout, context.DeadlineExceeded
	case err != nil:
		return -1, ReasonError, err
	case res.ExitCode != st.ExpectExit:
		return res.ExitCode, ReasonExitStatus, nil
	}
	return res.ExitCode, "", nil
}

// buildLog is an open compressed log file.
type buildLog struct {
	f *os.File
	w *pgzip.Writer
}

func (l *buildLog) Close() error {
	werr := l.w.Close()
	ferr := l.f.Close()
	return errors.Join(werr, ferr)
}

func (e *Executor) openLog(id model.Identity, phase model.Phase, env *sandbox.Environment) (string, *buildLog, error) {
	if e.opts.LogDir == "" {
		return "", nil, nil
	}
	if err := os.MkdirAll(e.opts.LogDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.%s.log.gz", id.Name, id.Version, shortID(env.ID), phase)
	path := filepath.Join(e.opts.LogDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("creating build log: %w", err)
	}
	return path, &buildLog{f: f, w: pgzip.NewWriter(f)}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
