// Package procexec runs external processes for build steps. A command gets
// exactly the environment it is given, runs in its own process group, and
// the whole group is killed when the context ends.
package procexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command describes one process invocation.
type Command struct {
	Args []string
	Dir  string
	// Env is the complete environment. A nil Env means an empty one; the
	// calling process's environment is never inherited.
	Env []string
	// Output receives combined stdout and stderr.
	Output io.Writer
}

// Result describes a process that ran to completion.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner runs commands. A non-zero exit status is reported in Result, not
// as an error; errors mean the process could not run or was killed because
// ctx ended.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OS runs commands as child processes of the current process.
type OS struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process group was killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r OS) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, errors.New("procexec: empty command")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	path, err := lookPath(c.Args[0], c.Env)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.Command(path, c.Args[1:]...)
	cmd.Args[0] = c.Args[0]
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", c.Args[0], err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// The negative pid addresses the whole process group, so
			// grandchildren spawned by make or a shell die too.
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		case <-done:
		}
	}()

	err = cmd.Wait()
	close(done)
	res := Result{Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("running %s: %w", c.Args[0], err)
	}
	return res, nil
}
