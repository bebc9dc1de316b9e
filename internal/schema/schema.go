// Package schema holds the HCL decoding targets for formula files. The
// structs mirror the file syntax one to one; translation into the domain
// model happens in package hcl.
package schema

import (
	"github.com/hashicorp/hcl/v2"
)

// File is the top-level structure of a formula file. A file may declare
// several formulas.
type File struct {
	Formulas []*Formula `hcl:"formula,block"`
	Remain   hcl.Body   `hcl:",remain"`
}

// Formula represents a `formula "<name>"` block.
type Formula struct {
	Name           string       `hcl:"name,label"`
	Version        string       `hcl:"version"`
	Revision       int          `hcl:"revision,optional"`
	Desc           string       `hcl:"desc,optional"`
	Homepage       string       `hcl:"homepage,optional"`
	License        string       `hcl:"license,optional"`
	Source         string       `hcl:"source,optional"`
	SourceChecksum string       `hcl:"source_checksum,optional"`
	DependsOn      []*DependsOn `hcl:"depends_on,block"`
	FailsWith      []*FailsWith `hcl:"fails_with,block"`
	Build          *Phase       `hcl:"build,block"`
	Test           *Phase       `hcl:"test,block"`
}

// DependsOn represents a `depends_on "<name>"` block. When is kept as an
// expression and evaluated against the host at resolution time.
type DependsOn struct {
	Name    string         `hcl:"name,label"`
	Version string         `hcl:"version,optional"`
	Kind    string         `hcl:"kind,optional"`
	When    hcl.Expression `hcl:"when,optional"`
}

// FailsWith represents a `fails_with` block: a host condition under which the
// formula is known not to build.
type FailsWith struct {
	When   hcl.Expression `hcl:"when"`
	Reason string         `hcl:"reason,optional"`
}

// Phase is a `build` or `test` block: an ordered list of steps.
type Phase struct {
	Steps []*Step `hcl:"step,block"`
}

// Step is a `step "<kind>"` block. The body is decoded into one of the
// kind-specific structs below once the kind is known.
type Step struct {
	Kind string   `hcl:"kind,label"`
	Body hcl.Body `hcl:",remain"`
}

// RunStep is the body of `step "run"`.
type RunStep struct {
	Args       []string          `hcl:"args"`
	Env        map[string]string `hcl:"env,optional"`
	Workdir    string            `hcl:"workdir,optional"`
	ExpectExit int               `hcl:"expect_exit,optional"`
	Timeout    string            `hcl:"timeout,optional"`
}

// EnvStep is the body of `step "env"`.
type EnvStep struct {
	Vars map[string]string `hcl:"vars"`
}

// CdStep is the body of `step "cd"`.
type CdStep struct {
	Dir string `hcl:"dir"`
}

// RemoveStep is the body of `step "remove"`.
type RemoveStep struct {
	Paths []string `hcl:"paths"`
}

// WriteStep is the body of `step "write"`. Mode is an octal string.
type WriteStep struct {
	Path    string `hcl:"path"`
	Content string `hcl:"content"`
	Mode    string `hcl:"mode,optional"`
}

// CopyStep is the body of `step "copy"`.
type CopyStep struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}
