package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/procexec"
	"github.com/vk/cellar/internal/sandbox"
)

func sh(script string) model.RunCommand {
	return model.RunCommand{Args: []string{"sh", "-c", script}}
}

func newEnv(t *testing.T, name string) *sandbox.Environment {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	m := sandbox.NewManager(sandbox.Options{Dir: t.TempDir()})
	env, err := m.Acquire(context.Background(), sandbox.Request{
		Formula: &model.Formula{Name: name, Version: "1.0"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func run(t *testing.T, ex *Executor, env *sandbox.Environment, steps ...model.Step) (*Result, error) {
	t.Helper()
	f := &model.Formula{Name: env.Formula.Name, Version: "1.0", Steps: steps}
	return ex.Build(context.Background(), f, env)
}

func TestBuildStopsAtFirstFailingStep(t *testing.T) {
	// --- Arrange ---
	env := newEnv(t, "three")
	ex := New(procexec.OS{}, Options{})

	// --- Act ---
	_, err := run(t, ex, env,
		sh("echo one; touch step1"),
		sh("echo two; exit 7"),
		sh("echo three; touch step3"),
	)

	// --- Assert ---
	var stepErr *StepFailedError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, 7, stepErr.ExitStatus)
	assert.Equal(t, ReasonExitStatus, stepErr.Reason)
	assert.Equal(t, model.PhaseBuild, stepErr.Phase)
	assert.Equal(t, "three@1.0", stepErr.Formula.String())
	assert.Contains(t, stepErr.Output, "one")
	assert.Contains(t, stepErr.Output, "two")
	assert.NotContains(t, stepErr.Output, "three\n")
	assert.NotContains(t, stepErr.Output, "[3/3]")

	assert.FileExists(t, filepath.Join(env.WorkDir, "step1"))
	assert.NoFileExists(t, filepath.Join(env.WorkDir, "step3"))
	assert.EqualError(t, err, "build step 2 of three@1.0 failed with exit status 7: sh -c echo two; exit 7")
}

// countingRunner fails every command and counts invocations.
type countingRunner struct{ calls atomic.Int32 }

func (r *countingRunner) Run(context.Context, procexec.Command) (procexec.Result, error) {
	r.calls.Add(1)
	return procexec.Result{ExitCode: 1}, nil
}

func TestFailedStepIsNotRetried(t *testing.T) {
	env := newEnv(t, "retry")
	runner := &countingRunner{}

	_, err := run(t, New(runner, Options{}), env, sh("flaky"), sh("never"))

	require.Error(t, err)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestStepStateAndFileSteps(t *testing.T) {
	// --- Arrange ---
	env := newEnv(t, "state")
	require.NoError(t, os.MkdirAll(filepath.Join(env.WorkDir, "src", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.WorkDir, "src", "bin", "tool"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(env.WorkDir, "src", "junk"), 0o755))
	ex := New(procexec.OS{}, Options{})

	// --- Act ---
	res, err := run(t, ex, env,
		model.SetEnv{Vars: map[string]string{"GREETING": "hello", "TARGET": "$PREFIX/etc"}},
		model.ChangeDir{Dir: "src"},
		model.RunCommand{
			Args: []string{"sh", "-c", `echo "$GREETING $SCOPED" > greeting`},
			Env:  map[string]string{"SCOPED": "only-here-${GREETING}"},
		},
		sh(`echo "[$SCOPED]" > scoped`),
		model.WriteFile{Path: "${TARGET}/tool.conf", Content: "mode=fast\n", Mode: 0o600},
		model.RemovePath{Paths: []string{"junk", "does-not-exist"}},
		model.CopyPath{From: "bin", To: "$PREFIX"},
	)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 7, res.Steps)
	assert.Equal(t, env.PrefixDir, res.OutputDir)

	greeting, err := os.ReadFile(filepath.Join(env.WorkDir, "src", "greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello only-here-hello\n", string(greeting))

	scoped, err := os.ReadFile(filepath.Join(env.WorkDir, "src", "scoped"))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(scoped), "per-step env must not persist")

	info, err := os.Stat(filepath.Join(env.PrefixDir, "etc", "tool.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.NoDirExists(t, filepath.Join(env.WorkDir, "src", "junk"))
	assert.FileExists(t, filepath.Join(env.PrefixDir, "bin", "tool"))
}

func TestStepsMayNotEscapeSandbox(t *testing.T) {
	env := newEnv(t, "escape")
	outside := t.TempDir()
	ex := New(procexec.OS{}, Options{})

	tests := []struct {
		name string
		step model.Step
	}{
		{"write", model.WriteFile{Path: filepath.Join(outside, "x")}},
		{"remove", model.RemovePath{Paths: []string{outside}}},
		{"copy", model.CopyPath{From: "work", To: outside}},
		{"cd", model.ChangeDir{Dir: outside}},
		{"relative escape", model.RemovePath{Paths: []string{"../../.."}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := run(t, ex, env, tc.step)
			var stepErr *StepFailedError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, ReasonInvalid, stepErr.Reason)
		})
	}
	assert.DirExists(t, outside)
}

func TestStepTimeout(t *testing.T) {
	env := newEnv(t, "slow")
	ex := New(procexec.OS{}, Options{StepTimeout: 150 * time.Millisecond})

	start := time.Now()
	_, err := run(t, ex, env, sh("echo started; sleep 10"))

	var stepErr *StepFailedError
	require.True(t, errors.As(err, &stepErr))
	assert.True(t, stepErr.Timeout())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, stepErr.Output, "started")
	assert.Less(t, time.Since(start), 5*time.Second)

	// A step's own timeout wins over the default.
	ex = New(procexec.OS{}, Options{StepTimeout: time.Millisecond})
	_, err = run(t, ex, env, model.RunCommand{Args: []string{"sh", "-c", "sleep 0.2"}, Timeout: 5 * time.Second})
	assert.NoError(t, err)
}

func TestCancellationStopsInFlightStep(t *testing.T) {
	env := newEnv(t, "cancel")
	ex := New(procexec.OS{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(150*time.Millisecond, cancel)

	f := &model.Formula{Name: "cancel", Version: "1.0", Steps: []model.Step{sh("sleep 10"), sh("touch after")}}
	_, err := ex.Build(ctx, f, env)

	var stepErr *StepFailedError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, ReasonCanceled, stepErr.Reason)
	assert.Equal(t, 1, stepErr.Index)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(env.WorkDir, "after"))
}

func TestOutputCap(t *testing.T) {
	env := newEnv(t, "chatty")
	ex := New(procexec.OS{}, Options{OutputCap: 64})

	res, err := run(t, ex, env, sh(`i=0; while [ $i -lt 100 ]; do echo "line $i"; i=$((i+1)); done`))

	require.NoError(t, err, "exceeding the cap is not a failure")
	assert.True(t, res.Truncated)
	assert.Len(t, res.Output, 64)
	assert.True(t, strings.HasSuffix(res.Output, "line 99\n"))
}

func TestExpectExit(t *testing.T) {
	env := newEnv(t, "expect")
	ex := New(procexec.OS{}, Options{})

	_, err := run(t, ex, env, model.RunCommand{Args: []string{"sh", "-c", "exit 2"}, ExpectExit: 2})
	assert.NoError(t, err)

	_, err = run(t, ex, env, model.RunCommand{Args: []string{"true"}, ExpectExit: 2})
	var stepErr *StepFailedError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 0, stepErr.ExitStatus)
}

func TestBuildLogIsPersisted(t *testing.T) {
	env := newEnv(t, "logged")
	logDir := t.TempDir()
	ex := New(procexec.OS{}, Options{LogDir: logDir, OutputCap: 8})

	res, err := run(t, ex, env, sh("echo the-complete-output"))
	require.NoError(t, err)
	require.FileExists(t, res.LogPath)

	f, err := os.Open(res.LogPath)
	require.NoError(t, err)
	defer f.Close()
	r, err := pgzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(content), "the-complete-output")
	assert.True(t, res.Truncated)
}

func TestTailBuffer(t *testing.T) {
	b := NewTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	assert.False(t, b.Truncated())
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", b.String())
	assert.True(t, b.Truncated())
	assert.Equal(t, int64(2), b.Dropped())
}
