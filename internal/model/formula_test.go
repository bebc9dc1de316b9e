package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstalled map[string]Installation

func (f fakeInstalled) Installed(name string) (Installation, bool) {
	i, ok := f[name]
	return i, ok
}

func TestFormulaIdentity(t *testing.T) {
	f := &Formula{Name: "chapel", Version: "1.27.0"}
	assert.Equal(t, Identity{Name: "chapel", Version: "1.27.0"}, f.Identity())

	f.Revision = 1
	assert.Equal(t, "chapel@1.27.0_1", f.Identity().String())
}

func TestFormulaValidate(t *testing.T) {
	valid := func() *Formula {
		return &Formula{
			Name:    "chapel",
			Version: "1.27.0",
			Dependencies: []Dependency{
				{Name: "gmp"},
				{Name: "python", Kind: Build},
			},
			Steps: []Step{
				SetEnv{Vars: map[string]string{"CHPL_GMP": "system"}},
				RunCommand{Args: []string{"make"}},
			},
			Test: []Step{RunCommand{Args: []string{"${PREFIX}/bin/chpl", "--version"}}},
		}
	}

	t.Run("valid formula", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("bad name", func(t *testing.T) {
		f := valid()
		f.Name = "Bad Name"
		assert.ErrorContains(t, f.Validate(), "invalid formula name")
	})

	t.Run("missing version", func(t *testing.T) {
		f := valid()
		f.Version = ""
		assert.ErrorContains(t, f.Validate(), "version is required")
	})

	t.Run("self dependency", func(t *testing.T) {
		f := valid()
		f.Dependencies = append(f.Dependencies, Dependency{Name: "chapel"})
		assert.ErrorContains(t, f.Validate(), "depends on itself")
	})

	t.Run("duplicate dependency", func(t *testing.T) {
		f := valid()
		f.Dependencies = append(f.Dependencies, Dependency{Name: "gmp"})
		assert.ErrorContains(t, f.Validate(), "declared twice")
	})

	t.Run("invalid step reports 1-based index", func(t *testing.T) {
		f := valid()
		f.Steps = append(f.Steps, RemovePath{Paths: []string{"../outside"}})

		err := f.Validate()

		var stepErr *InvalidStepError
		require.True(t, errors.As(err, &stepErr))
		assert.Equal(t, 3, stepErr.Index)
		assert.Equal(t, PhaseBuild, stepErr.Phase)
		assert.Equal(t, "remove", stepErr.Kind)
		assert.ErrorContains(t, err, "escapes the sandbox")
	})
}

func TestStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{"run ok", RunCommand{Args: []string{"make", "install"}}, ""},
		{"run empty", RunCommand{}, "must name a program"},
		{"run bad env", RunCommand{Args: []string{"true"}, Env: map[string]string{"1X": "y"}}, "invalid variable name"},
		{"run bad exit", RunCommand{Args: []string{"true"}, ExpectExit: 300}, "out of range"},
		{"env empty", SetEnv{}, "must not be empty"},
		{"cd escape", ChangeDir{Dir: "a/../../b"}, "escapes the sandbox"},
		{"cd variable", ChangeDir{Dir: "${PREFIX}/libexec"}, ""},
		{"write mode", WriteFile{Path: "cfg", Mode: 0o4755}, "non-permission bits"},
		{"copy ok", CopyPath{From: "bin", To: "${PREFIX}/bin"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.step.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDependencyApplies(t *testing.T) {
	linux := HostContext{OS: "linux", Packages: fakeInstalled{"llvm": {Name: "llvm", Version: "15"}}}
	onLinux := func(h HostContext) (bool, error) { return h.OS == "linux", nil }

	t.Run("unconditional", func(t *testing.T) {
		ok, err := Dependency{Name: "gmp"}.Applies(linux)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("predicate false excludes", func(t *testing.T) {
		ok, err := Dependency{Name: "gmp", When: onLinux}.Applies(HostContext{OS: "darwin"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("optional without predicate follows installed state", func(t *testing.T) {
		ok, err := Dependency{Name: "llvm", Kind: Optional}.Applies(linux)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = Dependency{Name: "doxygen", Kind: Optional}.Applies(linux)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("predicate error surfaces", func(t *testing.T) {
		boom := func(HostContext) (bool, error) { return false, errors.New("boom") }
		_, err := Dependency{Name: "x", When: boom}.Applies(linux)
		assert.ErrorContains(t, err, "boom")
	})
}
