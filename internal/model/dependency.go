package model

import "fmt"

// DepKind classifies how a dependency participates in a build.
type DepKind int

const (
	// Runtime dependencies are needed to build and to run the installed formula.
	Runtime DepKind = iota
	// Build dependencies are needed only while building.
	Build
	// Optional dependencies are used when their predicate holds.
	Optional
)

func (k DepKind) String() string {
	switch k {
	case Runtime:
		return "runtime"
	case Build:
		return "build"
	case Optional:
		return "optional"
	default:
		return fmt.Sprintf("DepKind(%d)", int(k))
	}
}

// ParseDepKind parses the textual kind used by formula files. The empty
// string means Runtime.
func ParseDepKind(s string) (DepKind, error) {
	switch s {
	case "", "runtime":
		return Runtime, nil
	case "build":
		return Build, nil
	case "optional":
		return Optional, nil
	default:
		return Runtime, fmt.Errorf("unknown dependency kind %q (want runtime, build or optional)", s)
	}
}

// Predicate decides from the host context whether a dependency applies.
// It must be pure.
type Predicate func(HostContext) (bool, error)

// Dependency is a reference from one formula to another.
type Dependency struct {
	Name       string
	Constraint Constraint
	Kind       DepKind
	// When gates the dependency. A nil predicate is unconditional.
	When Predicate
	// Condition is the source text of When, kept for diagnostics.
	Condition string
}

// Applies reports whether the dependency is part of a resolution on host.
// Optional dependencies without a predicate apply only when the host already
// has them installed.
func (d Dependency) Applies(host HostContext) (bool, error) {
	if d.When != nil {
		ok, err := d.When(host)
		if err != nil {
			return false, fmt.Errorf("evaluating condition of dependency %q: %w", d.Name, err)
		}
		return ok, nil
	}
	if d.Kind == Optional {
		_, ok := host.Installed(d.Name)
		return ok, nil
	}
	return true, nil
}

func (d Dependency) String() string {
	s := d.Name
	if !d.Constraint.IsAny() {
		s += " " + d.Constraint.String()
	}
	if d.Kind != Runtime {
		s += " (" + d.Kind.String() + ")"
	}
	return s
}
