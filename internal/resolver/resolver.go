// Package resolver turns a root formula into a build plan: the set of
// formulas it needs on this host, in an order where every dependency comes
// before its dependents.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/dag"
	"github.com/vk/cellar/internal/model"
)

// Lookup finds formulas by name. Implementations return an error wrapping
// model.ErrFormulaNotFound for unknown names.
type Lookup interface {
	Lookup(ctx context.Context, name string) (*model.Formula, error)
}

// Options tune a single resolution.
type Options struct {
	// Reinstall treats the root as unsatisfied even when the same identity
	// is already installed.
	Reinstall bool
}

// Exclusion records a declared dependency left out of the plan.
type Exclusion struct {
	Formula    string
	Dependency string
	Reason     string
}

// Plan is the result of a resolution.
type Plan struct {
	Root *model.Formula
	// Order lists every formula of the plan, dependencies first, root last.
	Order []*model.Formula
	// Graph holds the dependency edges between the formulas in Order.
	Graph *dag.Graph
	// Satisfied maps formulas that are already installed at the planned
	// identity to their installation.
	Satisfied map[string]model.Installation
	Excluded  []Exclusion
}

// Formula returns the planned formula with the given name, or nil.
func (p *Plan) Formula(name string) *model.Formula {
	for _, f := range p.Order {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// IsSatisfied reports whether name needs no build.
func (p *Plan) IsSatisfied(name string) bool {
	_, ok := p.Satisfied[name]
	return ok
}

// Pending returns the formulas that must be built, in plan order.
func (p *Plan) Pending() []*model.Formula {
	var out []*model.Formula
	for _, f := range p.Order {
		if !p.IsSatisfied(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

// Resolver computes plans against one host context.
type Resolver struct {
	lookup Lookup
	host   model.HostContext
}

// New returns a Resolver. The host context is consulted for predicates and
// for what is already installed.
func New(lookup Lookup, host model.HostContext) *Resolver {
	return &Resolver{lookup: lookup, host: host}
}

// Resolve looks up the root formula by name and resolves it.
func (r *Resolver) Resolve(ctx context.Context, root string, opts Options) (*Plan, error) {
	f, err := r.lookup.Lookup(ctx, root)
	if err != nil {
		if errors.Is(err, model.ErrFormulaNotFound) {
			return nil, &UnknownDependencyError{Name: root, Err: err}
		}
		return nil, fmt.Errorf("looking up %q: %w", root, err)
	}
	return r.ResolveFormula(ctx, f, opts)
}

// ResolveFormula resolves the dependency graph of root. Dependencies are
// visited depth-first in declaration order, which also fixes the order
// among formulas that do not depend on each other.
func (r *Resolver) ResolveFormula(ctx context.Context, root *model.Formula, opts Options) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Resolving dependency graph.", "formula", root.Name)

	w := &walk{
		ctx:       ctx,
		r:         r,
		opts:      opts,
		root:      root.Name,
		graph:     dag.New(),
		formulas:  make(map[string]*model.Formula),
		onPath:    make(map[string]int),
		satisfied: make(map[string]model.Installation),
	}
	if err := w.visit(root); err != nil {
		return nil, err
	}

	names, err := w.graph.TopologicalSort()
	if err != nil {
		var cycleErr *dag.CycleError
		if errors.As(err, &cycleErr) {
			return nil, &CyclicDependencyError{Path: cycleErr.Path}
		}
		return nil, err
	}

	plan := &Plan{
		Root:      root,
		Graph:     w.graph,
		Satisfied: w.satisfied,
		Excluded:  w.excluded,
		Order:     make([]*model.Formula, 0, len(names)),
	}
	for _, name := range names {
		plan.Order = append(plan.Order, w.formulas[name])
	}
	logger.Debug("Dependency graph resolved.", "formula", root.Name, "nodes", len(plan.Order), "satisfied", len(plan.Satisfied))
	return plan, nil
}

// walk is the state of one depth-first traversal.
type walk struct {
	ctx  context.Context
	r    *Resolver
	opts Options
	root string

	graph     *dag.Graph
	formulas  map[string]*model.Formula
	path      []string
	onPath    map[string]int
	satisfied map[string]model.Installation
	excluded  []Exclusion
}

func (w *walk) visit(f *model.Formula) error {
	if pos, ok := w.onPath[f.Name]; ok {
		cycle := append(slices.Clone(w.path[pos:]), f.Name)
		return &CyclicDependencyError{Path: cycle}
	}
	if _, done := w.formulas[f.Name]; done {
		return nil
	}

	w.graph.AddNode(f.Name)
	w.formulas[f.Name] = f

	installed := w.isInstalled(f)
	if installed {
		w.satisfied[f.Name], _ = w.r.host.Installed(f.Name)
	} else {
		inc, err := f.Incompatible(w.r.host)
		if err != nil {
			return err
		}
		if inc != nil {
			return &IncompatibleError{Formula: f.Name, Condition: inc.Condition, Reason: inc.Reason}
		}
	}

	w.onPath[f.Name] = len(w.path)
	w.path = append(w.path, f.Name)
	defer func() {
		w.path = w.path[:len(w.path)-1]
		delete(w.onPath, f.Name)
	}()

	for _, d := range f.Dependencies {
		ok, err := d.Applies(w.r.host)
		if err != nil {
			return &PredicateError{Formula: f.Name, Dependency: d.Name, Err: err}
		}
		if !ok {
			w.exclude(f.Name, d, "condition not met on this host")
			continue
		}
		if installed && d.Kind == model.Build {
			w.exclude(f.Name, d, "build dependency of an installed formula")
			continue
		}

		dep, err := w.r.lookup.Lookup(w.ctx, d.Name)
		if err != nil {
			if errors.Is(err, model.ErrFormulaNotFound) {
				return &UnknownDependencyError{Name: d.Name, RequiredBy: f.Name, Err: err}
			}
			return fmt.Errorf("looking up %q for %q: %w", d.Name, f.Name, err)
		}
		if !d.Constraint.Satisfies(dep.Version) {
			return &ConstraintError{Formula: f.Name, Dependency: d.Name, Constraint: d.Constraint, Found: dep.Version}
		}

		if err := w.visit(dep); err != nil {
			return err
		}
		if err := w.graph.AddEdge(dep.Name, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// isInstalled reports whether the host has exactly this identity installed.
func (w *walk) isInstalled(f *model.Formula) bool {
	if w.opts.Reinstall && f.Name == w.root {
		return false
	}
	inst, ok := w.r.host.Installed(f.Name)
	return ok && inst.Version == f.Identity().Version
}

func (w *walk) exclude(formula string, d model.Dependency, reason string) {
	ctxlog.FromContext(w.ctx).Debug("Dependency excluded.", "formula", formula, "dependency", d.Name, "reason", reason)
	w.excluded = append(w.excluded, Exclusion{Formula: formula, Dependency: d.Name, Reason: reason})
}
