package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/dag"
	"github.com/vk/cellar/internal/nodestore"
	"golang.org/x/sync/errgroup"
)

// Policy decides what happens to unrelated work after a node fails.
type Policy string

const (
	// PolicyContinue lets independent nodes keep running and starting.
	PolicyContinue Policy = "continue"
	// PolicyCancel cancels in-flight nodes and starts nothing new.
	PolicyCancel Policy = "cancel"
)

// ParsePolicy validates a policy name. Empty means PolicyContinue.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyContinue:
		return PolicyContinue, nil
	case PolicyCancel:
		return PolicyCancel, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want %q or %q)", s, PolicyContinue, PolicyCancel)
}

// Task executes one node. Its output is recorded in the node store.
type Task func(ctx context.Context, id string) (any, error)

// Options configure a Scheduler.
type Options struct {
	// Workers bounds concurrently running nodes. Zero means GOMAXPROCS.
	Workers int
	Policy  Policy
}

// SkippedError is recorded for nodes that were never attempted because a
// dependency failed.
type SkippedError struct {
	Node       string
	Dependency string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("skipped %s: dependency %s failed", e.Node, e.Dependency)
}

// Scheduler runs one graph.
type Scheduler struct {
	graph  *dag.Graph
	states nodestore.Store
	opts   Options
}

// New returns a Scheduler for g that records node state in states.
func New(g *dag.Graph, states nodestore.Store, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Policy == "" {
		opts.Policy = PolicyContinue
	}
	return &Scheduler{graph: g, states: states, opts: opts}
}

// item is the per-run bookkeeping of one graph node.
type item struct {
	id         string
	dependents []*item
	pending    atomic.Int32
	doneOnce   sync.Once
	// status and err are written once by finish and read after the pool drains.
	status nodestore.Status
	err    error
}

// run is the state of one Run call.
type run struct {
	s      *Scheduler
	task   Task
	items  []*item
	ready  chan *item
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Run executes every node of the graph with task. It returns nil when all
// nodes succeeded; otherwise an error naming the failed nodes and wrapping
// the first failure in graph order. Per-node results are in the node store.
func (s *Scheduler) Run(ctx context.Context, task Task) error {
	logger := ctxlog.FromContext(ctx)
	r, err := s.prepare(task)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	r.wg.Add(len(r.items))
	roots := 0
	for _, it := range r.items {
		if err := s.states.SetStatus(ctx, it.id, nodestore.StatusPending); err != nil {
			return err
		}
		if it.pending.Load() == 0 {
			r.ready <- it
			roots++
		}
	}
	logger.Debug("Starting worker pool.", "workers", s.opts.Workers, "nodes", len(r.items), "roots", roots)

	var eg errgroup.Group
	for i := range s.opts.Workers {
		eg.Go(func() error {
			r.worker(runCtx, i)
			return nil
		})
	}

	r.wg.Wait()
	close(r.ready)
	eg.Wait()
	logger.Debug("All nodes reached a final state.")

	return r.result(ctx)
}

func (s *Scheduler) prepare(task Task) (*run, error) {
	ids := s.graph.Nodes()
	r := &run{
		s:     s,
		task:  task,
		items: make([]*item, len(ids)),
		ready: make(chan *item, len(ids)),
	}
	byID := make(map[string]*item, len(ids))
	for i, id := range ids {
		r.items[i] = &item{id: id}
		byID[id] = r.items[i]
	}
	for _, it := range r.items {
		deps, err := s.graph.Dependencies(it.id)
		if err != nil {
			return nil, err
		}
		it.pending.Store(int32(len(deps)))
		dependents, err := s.graph.Dependents(it.id)
		if err != nil {
			return nil, err
		}
		for _, d := range dependents {
			it.dependents = append(it.dependents, byID[d])
		}
	}
	return r, nil
}

func (r *run) worker(ctx context.Context, workerID int) {
	ctx = ctxlog.With(ctx, "workerID", workerID)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.")

	for it := range r.ready {
		nodeLogger := logger.With("node", it.id)
		if err := ctx.Err(); err != nil {
			nodeLogger.Debug("Run canceled, not starting node.")
			r.finish(ctx, it, nodestore.StatusCanceled, err)
			r.propagate(ctx, it, nodestore.StatusCanceled)
			continue
		}

		r.stored(ctx, it, r.s.states.SetStatus(ctx, it.id, nodestore.StatusRunning))
		nodeCtx := ctxlog.WithLogger(ctx, nodeLogger)
		output, err := r.task(nodeCtx, it.id)

		if err != nil {
			status := nodestore.StatusFailed
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				status = nodestore.StatusCanceled
				nodeLogger.Warn("Node canceled.", "error", err)
			} else {
				nodeLogger.Error("Node failed.", "error", err)
				if r.s.opts.Policy == PolicyCancel {
					r.cancel()
				}
			}
			r.finish(ctx, it, status, err)
			r.propagate(ctx, it, status)
			continue
		}

		r.stored(ctx, it, r.s.states.SetOutput(ctx, it.id, output))
		r.finish(ctx, it, nodestore.StatusSucceeded, nil)
		for _, dep := range it.dependents {
			if dep.pending.Add(-1) == 0 {
				nodeLogger.Debug("Unlocking dependent node.", "dependent", dep.id)
				r.ready <- dep
			}
		}
	}
	logger.Debug("Worker finished.")
}

// finish records the final state of it exactly once.
func (r *run) finish(ctx context.Context, it *item, status nodestore.Status, err error) bool {
	done := false
	it.doneOnce.Do(func() {
		it.status, it.err = status, err
		r.stored(ctx, it, r.s.states.SetStatus(ctx, it.id, status))
		if err != nil {
			r.stored(ctx, it, r.s.states.SetError(ctx, it.id, err))
		}
		r.wg.Done()
		done = true
	})
	return done
}

// stored logs a failed node store write. The run keeps going: the final
// result is computed from the scheduler's own bookkeeping.
func (r *run) stored(ctx context.Context, it *item, err error) {
	if err != nil {
		ctxlog.FromContext(ctx).Error("Recording node state failed.", "node", it.id, "error", err)
	}
}

// propagate marks every transitive dependent of it as never attempted:
// skipped after a failure, canceled after a cancellation.
func (r *run) propagate(ctx context.Context, it *item, cause nodestore.Status) {
	logger := ctxlog.FromContext(ctx)
	for _, dep := range it.dependents {
		status := nodestore.StatusSkipped
		var err error = &SkippedError{Node: dep.id, Dependency: it.id}
		if cause == nodestore.StatusCanceled {
			status = nodestore.StatusCanceled
			err = context.Canceled
		}
		if r.finish(ctx, dep, status, err) {
			logger.Warn("Not attempting dependent node.", "node", dep.id, "dependency", it.id, "status", status.String())
			r.propagate(ctx, dep, cause)
		}
	}
}

func (r *run) result(ctx context.Context) error {
	var failed []string
	var rootCause error
	for _, it := range r.items {
		if it.status != nodestore.StatusFailed {
			continue
		}
		failed = append(failed, it.id)
		if rootCause == nil {
			rootCause = it.err
		}
	}
	if rootCause != nil {
		return fmt.Errorf("execution failed for %s: %w", strings.Join(failed, ", "), rootCause)
	}
	return ctx.Err()
}
