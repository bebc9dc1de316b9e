package model

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Phase names the step list a step belongs to.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Step is one typed action of a build or test recipe. Executors switch on
// the concrete type.
type Step interface {
	// Kind is the name formula files use for the step type.
	Kind() string
	// Describe returns a short human-readable summary for logs and errors.
	Describe() string
	// Validate checks the step without touching the file system.
	Validate() error
}

// RunCommand runs a program with explicit arguments. No shell is involved.
type RunCommand struct {
	Args []string
	// Env overrides variables for this command only.
	Env map[string]string
	// Workdir overrides the working directory for this command only.
	Workdir string
	// ExpectExit is the exit status treated as success.
	ExpectExit int
	// Timeout overrides the executor's per-step timeout when non-zero.
	Timeout time.Duration
}

func (RunCommand) Kind() string { return "run" }

func (s RunCommand) Describe() string { return strings.Join(s.Args, " ") }

func (s RunCommand) Validate() error {
	if len(s.Args) == 0 || s.Args[0] == "" {
		return errors.New("run: args must name a program")
	}
	if err := validateEnvNames(s.Env); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if s.Workdir != "" {
		if err := validatePath(s.Workdir); err != nil {
			return fmt.Errorf("run: workdir: %w", err)
		}
	}
	if s.ExpectExit < 0 || s.ExpectExit > 255 {
		return fmt.Errorf("run: expect_exit %d out of range", s.ExpectExit)
	}
	if s.Timeout < 0 {
		return errors.New("run: timeout must not be negative")
	}
	return nil
}

// SetEnv sets variables for every later step of the phase.
type SetEnv struct {
	Vars map[string]string
}

func (SetEnv) Kind() string { return "env" }

func (s SetEnv) Describe() string {
	return "set " + strings.Join(slices.Sorted(maps.Keys(s.Vars)), ", ")
}

func (s SetEnv) Validate() error {
	if len(s.Vars) == 0 {
		return errors.New("env: vars must not be empty")
	}
	if err := validateEnvNames(s.Vars); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// ChangeDir changes the working directory for every later step of the phase.
type ChangeDir struct {
	Dir string
}

func (ChangeDir) Kind() string { return "cd" }

func (s ChangeDir) Describe() string { return "cd " + s.Dir }

func (s ChangeDir) Validate() error {
	if err := validatePath(s.Dir); err != nil {
		return fmt.Errorf("cd: %w", err)
	}
	return nil
}

// RemovePath removes files or whole trees. Missing paths are not an error.
type RemovePath struct {
	Paths []string
}

func (RemovePath) Kind() string { return "remove" }

func (s RemovePath) Describe() string { return "rm -rf " + strings.Join(s.Paths, " ") }

func (s RemovePath) Validate() error {
	if len(s.Paths) == 0 {
		return errors.New("remove: paths must not be empty")
	}
	for _, p := range s.Paths {
		if err := validatePath(p); err != nil {
			return fmt.Errorf("remove: %w", err)
		}
	}
	return nil
}

// WriteFile writes Content to Path, creating parent directories.
type WriteFile struct {
	Path    string
	Content string
	Mode    fs.FileMode
}

func (WriteFile) Kind() string { return "write" }

func (s WriteFile) Describe() string { return "write " + s.Path }

func (s WriteFile) Validate() error {
	if err := validatePath(s.Path); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if s.Mode&^fs.ModePerm != 0 {
		return fmt.Errorf("write: mode %o has non-permission bits", s.Mode)
	}
	return nil
}

// CopyPath copies a file or a directory tree.
type CopyPath struct {
	From string
	To   string
}

func (CopyPath) Kind() string { return "copy" }

func (s CopyPath) Describe() string { return "cp -R " + s.From + " " + s.To }

func (s CopyPath) Validate() error {
	if err := validatePath(s.From); err != nil {
		return fmt.Errorf("copy: from: %w", err)
	}
	if err := validatePath(s.To); err != nil {
		return fmt.Errorf("copy: to: %w", err)
	}
	return nil
}

// InvalidStepError reports a step that failed static validation.
type InvalidStepError struct {
	Phase Phase
	// Index is 1-based.
	Index int
	Kind  string
	Err   error
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("%s step %d (%s): %v", e.Phase, e.Index, e.Kind, e.Err)
}

func (e *InvalidStepError) Unwrap() error { return e.Err }

// ValidateSteps validates every step of a phase and reports the first
// invalid one.
func ValidateSteps(phase Phase, steps []Step) error {
	for i, s := range steps {
		if s == nil {
			return &InvalidStepError{Phase: phase, Index: i + 1, Kind: "nil", Err: errors.New("missing step")}
		}
		if err := s.Validate(); err != nil {
			return &InvalidStepError{Phase: phase, Index: i + 1, Kind: s.Kind(), Err: err}
		}
	}
	return nil
}

// validatePath rejects empty paths and relative paths that climb out of the
// directory they are resolved against. Paths starting with a variable
// reference are checked after expansion by the executor.
func validatePath(p string) error {
	if p == "" {
		return errors.New("path must not be empty")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "$") {
		return nil
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the sandbox", p)
	}
	return nil
}

func validateEnvNames(vars map[string]string) error {
	for k := range vars {
		if !envNameRe.MatchString(k) {
			return fmt.Errorf("invalid variable name %q", k)
		}
	}
	return nil
}
