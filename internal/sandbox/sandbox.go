// Package sandbox creates the per-build environment: an exclusive temporary
// directory tree and the exact set of variables a build's processes see.
// Nothing from the calling process's environment leaks in unless it is part
// of the configured base variables.
package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vk/cellar/internal/checksum"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/fsutil"
	"github.com/vk/cellar/internal/model"
)

// DefaultPath is used when the base variables do not define PATH.
const DefaultPath = "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

// SetupError is returned when an environment cannot be prepared.
type SetupError struct {
	Formula model.Identity
	Reason  string
	Err     error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sandbox setup for %s failed: %s", e.Formula, e.Reason)
	}
	return fmt.Sprintf("sandbox setup for %s failed: %s: %v", e.Formula, e.Reason, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Options configure a Manager.
type Options struct {
	// Dir is where sandboxes are created. Empty means os.TempDir().
	Dir string
	// BaseEnv seeds every environment, e.g. PATH, LANG or proxy settings.
	BaseEnv map[string]string
}

// Request describes the environment one build or test run needs.
type Request struct {
	Formula *model.Formula
	Host    model.HostContext
	// Deps are the installed dependencies the run may use, in plan order.
	Deps []model.Installation
	// Prefix, when set, is an existing installation used as $PREFIX instead
	// of a fresh output directory. The formula source is not copied.
	Prefix string
}

// Manager hands out environments.
type Manager struct {
	opts Options
}

// NewManager returns a Manager using opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Environment is an acquired sandbox. It is owned by exactly one build and
// must be closed.
type Environment struct {
	ID      string
	Formula model.Identity

	Root      string
	WorkDir   string
	PrefixDir string
	HomeDir   string
	TmpDir    string

	vars map[string]string

	closeOnce sync.Once
	closeErr  error
}

// With acquires an environment, runs fn, and removes the environment on
// every exit path including panics.
func (m *Manager) With(ctx context.Context, req Request, fn func(*Environment) error) (err error) {
	env, err := m.Acquire(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(env)
}

// Acquire prepares a new environment. The caller must Close it.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Environment, error) {
	id := req.Formula.Identity()
	fail := func(reason string, err error) error {
		return &SetupError{Formula: id, Reason: reason, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail("canceled", err)
	}
	for _, dep := range req.Deps {
		if err := requireDir(dep.Path); err != nil {
			return nil, fail(fmt.Sprintf("dependency %s path missing", dep.Name), err)
		}
	}
	if req.Prefix != "" {
		if err := requireDir(req.Prefix); err != nil {
			return nil, fail("installed prefix missing", err)
		}
	}

	base := m.opts.Dir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fail("cannot create sandbox directory", err)
	}
	root, err := os.MkdirTemp(base, req.Formula.Name+"-")
	if err != nil {
		return nil, fail("cannot create temp directory", err)
	}

	env := &Environment{
		ID:        uuid.NewString(),
		Formula:   id,
		Root:      root,
		WorkDir:   filepath.Join(root, "work"),
		PrefixDir: filepath.Join(root, "prefix"),
		HomeDir:   filepath.Join(root, "home"),
		TmpDir:    filepath.Join(root, "tmp"),
	}
	dirs := []string{env.WorkDir, env.HomeDir, env.TmpDir}
	if req.Prefix != "" {
		env.PrefixDir = req.Prefix
	} else {
		dirs = append(dirs, env.PrefixDir)
	}
	for _, dir := range dirs {
		if err := os.Mkdir(dir, 0o755); err != nil {
			env.Close()
			return nil, fail("cannot create sandbox layout", err)
		}
	}

	if req.Prefix == "" && req.Formula.Source != "" {
		if err := stageSource(req.Formula, env.WorkDir); err != nil {
			env.Close()
			return nil, fail("cannot stage source", err)
		}
	}

	env.vars = m.buildVars(env, req)
	ctxlog.FromContext(ctx).Debug("Sandbox acquired.", "formula", id.String(), "sandbox", env.ID, "root", root)
	return env, nil
}

func (m *Manager) buildVars(env *Environment, req Request) map[string]string {
	vars := maps.Clone(m.opts.BaseEnv)
	if vars == nil {
		vars = make(map[string]string)
	}

	var bins, includes, libs, pkgconfigs []string
	if req.Prefix != "" {
		bins = appendIfDir(bins, filepath.Join(req.Prefix, "bin"))
	}
	for _, dep := range req.Deps {
		vars["CELLAR_DEP_"+envName(dep.Name)] = dep.Path
		bins = appendIfDir(bins, filepath.Join(dep.Path, "bin"))
		includes = appendIfDir(includes, filepath.Join(dep.Path, "include"))
		libs = appendIfDir(libs, filepath.Join(dep.Path, "lib"))
		pkgconfigs = appendIfDir(pkgconfigs, filepath.Join(dep.Path, "lib", "pkgconfig"))
	}

	basePath := vars["PATH"]
	if basePath == "" {
		basePath = DefaultPath
	}
	vars["PATH"] = strings.Join(append(bins, basePath), string(os.PathListSeparator))
	setList(vars, "CPATH", includes)
	setList(vars, "LIBRARY_PATH", libs)
	setList(vars, "PKG_CONFIG_PATH", pkgconfigs)

	vars["PREFIX"] = env.PrefixDir
	vars["HOME"] = env.HomeDir
	vars["TMPDIR"] = env.TmpDir
	vars["CELLAR_NAME"] = env.Formula.Name
	vars["CELLAR_VERSION"] = env.Formula.Version
	vars["CELLAR_BUILD_ID"] = env.ID
	vars["CELLAR_HOST_OS"] = req.Host.OS
	vars["CELLAR_HOST_ARCH"] = req.Host.Arch
	vars["CELLAR_HOST_PLATFORM"] = req.Host.Platform
	return vars
}

// Vars returns a copy of the environment's variables.
func (e *Environment) Vars() map[string]string {
	return maps.Clone(e.vars)
}

// Get returns one variable.
func (e *Environment) Get(name string) string {
	return e.vars[name]
}

// Environ returns the variables as sorted KEY=VALUE pairs.
func (e *Environment) Environ() []string {
	return Environ(e.vars)
}

// Contains reports whether path lies inside the sandbox root.
func (e *Environment) Contains(path string) bool {
	return fsutil.Within(e.Root, path)
}

// Close removes the sandbox tree. It is safe to call more than once.
func (e *Environment) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = removeAll(e.Root)
	})
	return e.closeErr
}

// Environ formats a variable map as sorted KEY=VALUE pairs.
func Environ(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func stageSource(f *model.Formula, workDir string) error {
	if f.SourceChecksum != "" {
		if err := checksum.Verify(f.Source, f.SourceChecksum); err != nil {
			return err
		}
	}
	return fsutil.CopyTree(f.Source, workDir)
}

// removeAll removes a tree, making directories writable first when a build
// left read-only entries behind.
func removeAll(root string) error {
	if err := os.RemoveAll(root); err == nil {
		return nil
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(root)
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func appendIfDir(list []string, dir string) []string {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return append(list, dir)
	}
	return list
}

func setList(vars map[string]string, name string, dirs []string) {
	if len(dirs) == 0 {
		return
	}
	if existing := vars[name]; existing != "" {
		dirs = append(dirs, existing)
	}
	vars[name] = strings.Join(dirs, string(os.PathListSeparator))
}

// envName maps a formula name to a variable name suffix.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
