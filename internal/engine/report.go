package engine

import (
	"slices"
	"time"

	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/resolver"
	"github.com/vk/cellar/internal/store"
	"github.com/vk/cellar/internal/verify"
)

// Outcome is what happened to one formula of a plan.
type Outcome string

const (
	// OutcomeSatisfied: already installed at the planned identity.
	OutcomeSatisfied Outcome = "satisfied"
	// OutcomeInstalled: built and installed by this run.
	OutcomeInstalled Outcome = "installed"
	// OutcomeBuilt: built but deliberately not installed.
	OutcomeBuilt Outcome = "built"
	// OutcomeFailed: sandbox, build or install failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped: a dependency failed.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCanceled: the run stopped before the formula finished.
	OutcomeCanceled Outcome = "canceled"
)

// NodeReport is the result for one formula.
type NodeReport struct {
	Formula model.Identity
	Outcome Outcome
	// Record is set for installed and satisfied formulas.
	Record *store.Record
	// OutputDir is set for built formulas.
	OutputDir string
	// LogPath is the compressed build log, when logs are kept.
	LogPath  string
	Duration time.Duration
	Err      error
}

// Report is the result of an Install or Build run.
type Report struct {
	Plan *resolver.Plan
	// Nodes follows plan order.
	Nodes []NodeReport
	// Verification is set when the root was verified.
	Verification *verify.Report
	// VerifyErr is the verification failure. The installation is kept.
	VerifyErr error
}

// Node returns the report of the named formula.
func (r *Report) Node(name string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Formula.Name == name {
			return n, true
		}
	}
	return NodeReport{}, false
}

// Count returns how many formulas ended with outcome.
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, node := range r.Nodes {
		if node.Outcome == outcome {
			n++
		}
	}
	return n
}

// Failed returns the reports of formulas that did not finish successfully,
// in plan order.
func (r *Report) Failed() []NodeReport {
	var out []NodeReport
	for _, n := range r.Nodes {
		if slices.Contains([]Outcome{OutcomeFailed, OutcomeSkipped, OutcomeCanceled}, n.Outcome) {
			out = append(out, n)
		}
	}
	return out
}
