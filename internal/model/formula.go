package model

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrFormulaNotFound is returned (wrapped) by formula sources when no
// formula with the requested name exists.
var ErrFormulaNotFound = errors.New("formula not found")

var formulaNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9+._@-]*$`)

// Identity names one buildable version of a formula. Version includes the
// revision suffix, so a revision bump is a new identity.
type Identity struct {
	Name    string
	Version string
}

func (i Identity) String() string {
	return i.Name + "@" + i.Version
}

// Formula is a declarative build recipe. It is immutable once loaded.
type Formula struct {
	Name     string
	Version  string
	Revision int

	Desc     string
	Homepage string
	License  string

	// Source is a directory copied into the build work dir before the first
	// step runs. Relative paths are resolved against the formula file.
	Source string
	// SourceChecksum is an optional "<algorithm>:<hex>" tree checksum of Source.
	SourceChecksum string

	Dependencies []Dependency
	// FailsWith lists host conditions under which the formula is known not
	// to build.
	FailsWith []Incompatibility
	Steps     []Step
	Test      []Step

	// File is the path the formula was loaded from.
	File string
}

// Identity returns the formula's identity, with the revision appended to the
// version as "_N" when it is non-zero.
func (f *Formula) Identity() Identity {
	v := f.Version
	if f.Revision > 0 {
		v = fmt.Sprintf("%s_%d", v, f.Revision)
	}
	return Identity{Name: f.Name, Version: v}
}

// Dependency returns the declared dependency with the given name.
func (f *Formula) Dependency(name string) (Dependency, bool) {
	for _, d := range f.Dependencies {
		if d.Name == name {
			return d, true
		}
	}
	return Dependency{}, false
}

// Incompatibility is a host condition under which a formula does not build,
// e.g. a broken toolchain version.
type Incompatibility struct {
	When Predicate
	// Condition is the source text of When, kept for diagnostics.
	Condition string
	Reason    string
}

// Incompatible returns the first FailsWith entry whose condition holds on
// host, or nil.
func (f *Formula) Incompatible(host HostContext) (*Incompatibility, error) {
	for i := range f.FailsWith {
		inc := &f.FailsWith[i]
		if inc.When == nil {
			continue
		}
		ok, err := inc.When(host)
		if err != nil {
			return nil, fmt.Errorf("formula %q: fails_with %s: %w", f.Name, inc.Condition, err)
		}
		if ok {
			return inc, nil
		}
	}
	return nil, nil
}

// Validate statically checks the formula: identity fields, dependency
// declarations and every step of both phases.
func (f *Formula) Validate() error {
	if !formulaNameRe.MatchString(f.Name) {
		return fmt.Errorf("invalid formula name %q", f.Name)
	}
	if f.Version == "" {
		return fmt.Errorf("formula %q: version is required", f.Name)
	}
	if f.Revision < 0 {
		return fmt.Errorf("formula %q: revision must not be negative", f.Name)
	}

	seen := make(map[string]struct{}, len(f.Dependencies))
	for _, d := range f.Dependencies {
		if d.Name == f.Name {
			return fmt.Errorf("formula %q depends on itself", f.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("formula %q: dependency %q declared twice", f.Name, d.Name)
		}
		seen[d.Name] = struct{}{}
		if !formulaNameRe.MatchString(d.Name) {
			return fmt.Errorf("formula %q: invalid dependency name %q", f.Name, d.Name)
		}
	}

	if err := ValidateSteps(PhaseBuild, f.Steps); err != nil {
		return fmt.Errorf("formula %q: %w", f.Name, err)
	}
	if err := ValidateSteps(PhaseTest, f.Test); err != nil {
		return fmt.Errorf("formula %q: %w", f.Name, err)
	}
	return nil
}
