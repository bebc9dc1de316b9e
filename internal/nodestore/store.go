// Package nodestore defines where the scheduler keeps the mutable execution
// state of plan nodes during one run.
//
// The plan graph itself (formulas and their edges) is immutable once
// resolved and lives in the resolver's Plan. What changes while a run is in
// flight, namely each node's status, its outcome and the error that ended
// it, is kept here, so that workers can update state without touching the
// graph and the engine can build its report from a single place.
//
// # Lifecycle
//
// A store is created per run, seeded with every node as Pending, mutated by
// the scheduler's workers and read once at the end to build the report.
//
//	Pending → Running → Succeeded (with outcome) | Failed (with error)
//	Pending → Skipped (a dependency failed) | Canceled (the run stopped first)
package nodestore

import (
	"context"
)

// Status is the execution state of one node.
type Status int

const (
	// StatusPending: not started yet. This is the zero value.
	StatusPending Status = iota
	// StatusRunning: a worker is executing the node.
	StatusRunning
	// StatusSucceeded: the node's task returned without error.
	StatusSucceeded
	// StatusFailed: the node's task returned an error.
	StatusFailed
	// StatusSkipped: a dependency failed, so the node was never attempted.
	StatusSkipped
	// StatusCanceled: the run was canceled before the node started.
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusRunning
}

// Store tracks per-node state keyed by node id (the formula name).
//
// Implementations must be safe for concurrent use: every worker writes the
// state of the node it owns while others read the state of theirs.
type Store interface {
	// SetStatus records a status transition.
	SetStatus(ctx context.Context, id string, status Status) error
	// GetStatus returns StatusPending for unknown ids.
	GetStatus(ctx context.Context, id string) (Status, error)

	// SetOutput records what a succeeded node produced, e.g. the
	// installation record or build output directory.
	SetOutput(ctx context.Context, id string, output any) error
	// GetOutput returns nil when nothing was recorded.
	GetOutput(ctx context.Context, id string) (any, error)

	// SetError records why a node failed, was skipped or was canceled.
	SetError(ctx context.Context, id string, nodeErr error) error
	// GetError returns nil when nothing was recorded.
	GetError(ctx context.Context, id string) (error, error)
}
