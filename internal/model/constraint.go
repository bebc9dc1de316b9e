package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Op is a version comparison operator.
type Op string

const (
	OpAny Op = ""
	OpEq  Op = "=="
	OpGe  Op = ">="
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpLt  Op = "<"
)

// Constraint restricts the acceptable versions of a dependency.
type Constraint struct {
	Op      Op
	Version string
}

// ParseConstraint parses expressions such as ">= 3.9", "==1.2.0" or "1.2".
// A bare version means an exact match; the empty string matches anything.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, nil
	}
	// Two-character operators must be tried before their prefixes.
	for _, op := range []Op{OpGe, OpLe, OpEq, OpGt, OpLt} {
		if rest, ok := strings.CutPrefix(s, string(op)); ok {
			v := strings.TrimSpace(rest)
			if v == "" {
				return Constraint{}, fmt.Errorf("constraint %q has no version", s)
			}
			return Constraint{Op: op, Version: v}, nil
		}
	}
	if strings.ContainsAny(s, "<>=! ") {
		return Constraint{}, fmt.Errorf("malformed constraint %q", s)
	}
	return Constraint{Op: OpEq, Version: s}, nil
}

// IsAny reports whether the constraint accepts every version.
func (c Constraint) IsAny() bool {
	return c.Op == OpAny
}

func (c Constraint) String() string {
	if c.IsAny() {
		return "*"
	}
	return string(c.Op) + " " + c.Version
}

// Satisfies reports whether version meets the constraint.
func (c Constraint) Satisfies(version string) bool {
	if c.IsAny() {
		return true
	}
	cmp := CompareVersions(version, c.Version)
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpGe:
		return cmp >= 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	}
	return false
}

// CompareVersions compares two dotted versions component by component.
// Components that are both numeric compare numerically, others lexically;
// missing components count as zero. "_" and "-" separate components too, so
// a revision suffix sorts after the bare version.
func CompareVersions(a, b string) int {
	split := func(v string) []string {
		return strings.FieldsFunc(v, func(r rune) bool {
			return r == '.' || r == '_' || r == '-'
		})
	}
	pa, pb := split(a), split(b)
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(pa) {
			sa = pa[i]
		}
		if i < len(pb) {
			sb = pb[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		default:
			if c := strings.Compare(sa, sb); c != 0 {
				return c
			}
		}
	}
	return 0
}
