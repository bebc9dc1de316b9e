package executor

import (
	"maps"
	"os"
	"path/filepath"

	"github.com/vk/cellar/internal/sandbox"
)

// stepState is what a phase's steps can change for the steps after them:
// the working directory and the variables. Per-step overrides are layered on
// top with scoped and never stored.
type stepState struct {
	env  *sandbox.Environment
	cwd  string
	vars map[string]string
}

func newStepState(env *sandbox.Environment) *stepState {
	return &stepState{env: env, cwd: env.WorkDir, vars: env.Vars()}
}

// expand substitutes $VAR and ${VAR} from the persistent variables.
func (s *stepState) expand(v string) string {
	return os.Expand(v, func(name string) string { return s.vars[name] })
}

// scoped returns the persistent variables overlaid with overrides, whose
// values may reference the persistent ones.
func (s *stepState) scoped(overrides map[string]string) map[string]string {
	out := maps.Clone(s.vars)
	for k, v := range overrides {
		out[k] = s.expand(v)
	}
	return out
}

// resolve expands p and makes it absolute relative to the working directory.
func (s *stepState) resolve(p string) string {
	p = s.expand(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.cwd, p)
	}
	return filepath.Clean(p)
}

// writable reports whether steps may modify path.
func (s *stepState) writable(path string) bool {
	return s.env.Contains(path)
}
