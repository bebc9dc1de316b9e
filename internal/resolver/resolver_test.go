package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/cellar/internal/model"
)

// repo is an in-memory Lookup.
type repo map[string]*model.Formula

func (r repo) Lookup(_ context.Context, name string) (*model.Formula, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, model.ErrFormulaNotFound)
	}
	return f, nil
}

func (r repo) add(name, version string, deps ...model.Dependency) {
	r[name] = &model.Formula{Name: name, Version: version, Dependencies: deps}
}

type installed map[string]string

func (i installed) Installed(name string) (model.Installation, bool) {
	v, ok := i[name]
	return model.Installation{Name: name, Version: v, Path: "/store/" + name}, ok
}

func dep(name string) model.Dependency { return model.Dependency{Name: name} }

func names(fs []*model.Formula) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

func TestResolveOrder(t *testing.T) {
	t.Run("dependencies precede dependents", func(t *testing.T) {
		// --- Arrange ---
		r := repo{}
		r.add("A", "1", dep("B"), dep("C"))
		r.add("B", "1", dep("C"))
		r.add("C", "1")

		// --- Act ---
		plan, err := New(r, model.HostContext{}).Resolve(context.Background(), "A", Options{})

		// --- Assert ---
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "B", "A"}, names(plan.Order))
		assert.Equal(t, "A", plan.Root.Name)
	})

	t.Run("independent nodes keep declaration order", func(t *testing.T) {
		r := repo{}
		r.add("app", "1", dep("zlib"), dep("openssl"), dep("curl"))
		r.add("zlib", "1")
		r.add("openssl", "1")
		r.add("curl", "1", dep("openssl"))

		plan, err := New(r, model.HostContext{}).Resolve(context.Background(), "app", Options{})

		require.NoError(t, err)
		assert.Equal(t, []string{"zlib", "openssl", "curl", "app"}, names(plan.Order))
	})

	t.Run("repeated runs are identical", func(t *testing.T) {
		r := repo{}
		r.add("root", "1", dep("x"), dep("y"), dep("z"))
		r.add("x", "1", dep("w"))
		r.add("y", "1", dep("w"))
		r.add("z", "1")
		r.add("w", "1")

		first, err := New(r, model.HostContext{}).Resolve(context.Background(), "root", Options{})
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			again, err := New(r, model.HostContext{}).Resolve(context.Background(), "root", Options{})
			require.NoError(t, err)
			assert.Equal(t, names(first.Order), names(again.Order))
		}
	})
}

func TestResolveRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 0; n < 50; n++ {
		// Edges only point from lower to higher indexes, so the graph is acyclic.
		size := 2 + rng.Intn(15)
		r := repo{}
		for i := size - 1; i >= 0; i-- {
			var deps []model.Dependency
			for j := i + 1; j < size; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, dep(fmt.Sprintf("n%d", j)))
				}
			}
			r.add(fmt.Sprintf("n%d", i), "1", deps...)
		}

		plan, err := New(r, model.HostContext{}).Resolve(context.Background(), "n0", Options{})
		require.NoError(t, err)

		index := make(map[string]int)
		for i, f := range plan.Order {
			index[f.Name] = i
		}
		for _, f := range plan.Order {
			for _, d := range f.Dependencies {
				assert.Less(t, index[d.Name], index[f.Name], "%s must precede %s", d.Name, f.Name)
			}
		}
		assert.Equal(t, "n0", plan.Order[len(plan.Order)-1].Name)
	}
}

func TestResolveCycle(t *testing.T) {
	r := repo{}
	r.add("app", "1", dep("a"))
	r.add("a", "1", dep("b"))
	r.add("b", "1", dep("c"))
	r.add("c", "1", dep("a"))

	_, err := New(r, model.HostContext{}).Resolve(context.Background(), "app", Options{})

	var cycleErr *CyclicDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycleErr.Path)
	assert.EqualError(t, err, "cyclic dependency: a -> b -> c -> a")
}

func TestResolveUnknownDependency(t *testing.T) {
	r := repo{}
	r.add("app", "1", dep("ghost"))

	_, err := New(r, model.HostContext{}).Resolve(context.Background(), "app", Options{})

	var unknown *UnknownDependencyError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "ghost", unknown.Name)
	assert.Equal(t, "app", unknown.RequiredBy)
	assert.ErrorIs(t, err, model.ErrFormulaNotFound)

	_, err = New(r, model.HostContext{}).Resolve(context.Background(), "nope", Options{})
	require.True(t, errors.As(err, &unknown))
	assert.Empty(t, unknown.RequiredBy)
}

func TestResolveConditionalDependencies(t *testing.T) {
	onLinux := func(h model.HostContext) (bool, error) { return h.OS == "linux", nil }
	r := repo{}
	r.add("chapel", "1.27.0",
		dep("gmp"),
		model.Dependency{Name: "llvm", Kind: model.Build, When: onLinux},
		model.Dependency{Name: "doxygen", Kind: model.Optional},
		model.Dependency{Name: "graphviz", Kind: model.Optional, When: onLinux},
	)
	r.add("gmp", "6")
	r.add("llvm", "15")
	r.add("doxygen", "1.9")
	r.add("graphviz", "2")

	t.Run("linux host", func(t *testing.T) {
		plan, err := New(r, model.HostContext{OS: "linux"}).Resolve(context.Background(), "chapel", Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"gmp", "llvm", "graphviz", "chapel"}, names(plan.Order))
		require.Len(t, plan.Excluded, 1)
		assert.Equal(t, "doxygen", plan.Excluded[0].Dependency)
	})

	t.Run("darwin host with doxygen installed", func(t *testing.T) {
		host := model.HostContext{OS: "darwin", Packages: installed{"doxygen": "1.9"}}
		plan, err := New(r, host).Resolve(context.Background(), "chapel", Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"gmp", "doxygen", "chapel"}, names(plan.Order))
		assert.True(t, plan.IsSatisfied("doxygen"))
		assert.Equal(t, []string{"gmp", "chapel"}, names(plan.Pending()))
	})

	t.Run("predicate error", func(t *testing.T) {
		bad := repo{}
		bad.add("x", "1", model.Dependency{Name: "y", When: func(model.HostContext) (bool, error) {
			return false, errors.New("no such attribute")
		}})
		_, err := New(bad, model.HostContext{}).Resolve(context.Background(), "x", Options{})
		var predErr *PredicateError
		require.True(t, errors.As(err, &predErr))
		assert.Equal(t, "y", predErr.Dependency)
	})
}

func TestResolveConstraint(t *testing.T) {
	r := repo{}
	r.add("app", "1", model.Dependency{Name: "python", Constraint: model.Constraint{Op: model.OpGe, Version: "3.9"}})
	r.add("python", "3.8.10")

	_, err := New(r, model.HostContext{}).Resolve(context.Background(), "app", Options{})

	var cErr *ConstraintError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "3.8.10", cErr.Found)
	assert.ErrorContains(t, err, `"app" requires python >= 3.9`)
}

func TestResolveInstalledFormulas(t *testing.T) {
	r := repo{}
	r.add("app", "2", dep("lib"), model.Dependency{Name: "cmake", Kind: model.Build})
	r.add("lib", "1", model.Dependency{Name: "autoconf", Kind: model.Build})
	r.add("cmake", "3")
	r.add("autoconf", "2.71")

	t.Run("build deps of installed formulas are skipped", func(t *testing.T) {
		host := model.HostContext{Packages: installed{"lib": "1"}}
		plan, err := New(r, host).Resolve(context.Background(), "app", Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"lib", "cmake", "app"}, names(plan.Order))
		assert.True(t, plan.IsSatisfied("lib"))
		assert.False(t, plan.IsSatisfied("app"))
	})

	t.Run("other installed version is rebuilt", func(t *testing.T) {
		host := model.HostContext{Packages: installed{"app": "1"}}
		plan, err := New(r, host).Resolve(context.Background(), "app", Options{})
		require.NoError(t, err)
		assert.False(t, plan.IsSatisfied("app"))
	})

	t.Run("reinstall ignores root record", func(t *testing.T) {
		host := model.HostContext{Packages: installed{"app": "2", "lib": "1"}}

		plan, err := New(r, host).Resolve(context.Background(), "app", Options{})
		require.NoError(t, err)
		assert.True(t, plan.IsSatisfied("app"))

		plan, err = New(r, host).Resolve(context.Background(), "app", Options{Reinstall: true})
		require.NoError(t, err)
		assert.False(t, plan.IsSatisfied("app"))
		assert.True(t, plan.IsSatisfied("lib"))
	})
}

func TestResolveFailsWith(t *testing.T) {
	// --- Arrange ---
	brokenGCC := func(h model.HostContext) (bool, error) {
		gcc, ok := h.Installed("gcc")
		return ok && model.CompareVersions(gcc.Version, "6") < 0, nil
	}
	r := repo{}
	r.add("app", "1", dep("lib"))
	r.add("lib", "1")
	r["lib"].FailsWith = []model.Incompatibility{{When: brokenGCC, Condition: "gcc < 6", Reason: "internal compiler error"}}

	t.Run("formula to build is rejected", func(t *testing.T) {
		// --- Act ---
		_, err := New(r, model.HostContext{Packages: installed{"gcc": "5.4"}}).Resolve(context.Background(), "app", Options{})

		// --- Assert ---
		var incErr *IncompatibleError
		require.True(t, errors.As(err, &incErr))
		assert.Equal(t, "lib", incErr.Formula)
		assert.EqualError(t, err, `"lib" does not build on this host (fails_with gcc < 6): internal compiler error`)
	})

	t.Run("installed formula is not rebuilt", func(t *testing.T) {
		// --- Act ---
		host := model.HostContext{Packages: installed{"gcc": "5.4", "lib": "1"}}
		plan, err := New(r, host).Resolve(context.Background(), "app", Options{})

		// --- Assert ---
		require.NoError(t, err)
		assert.True(t, plan.IsSatisfied("lib"))
	})

	t.Run("other hosts are unaffected", func(t *testing.T) {
		// --- Act ---
		_, err := New(r, model.HostContext{Packages: installed{"gcc": "12"}}).Resolve(context.Background(), "app", Options{})

		// --- Assert ---
		assert.NoError(t, err)
	})
}
