package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/executor"
	"github.com/vk/cellar/internal/fsutil"
	"github.com/vk/cellar/internal/inmemorystore"
	"github.com/vk/cellar/internal/installer"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/nodestore"
	"github.com/vk/cellar/internal/resolver"
	"github.com/vk/cellar/internal/sandbox"
	"github.com/vk/cellar/internal/scheduler"
	"github.com/vk/cellar/internal/store"
	"github.com/vk/cellar/internal/verify"
)

// Records is the installation store as the engine uses it.
type Records interface {
	installer.Records
	model.InstalledLookup
	History(name string) []store.Record
	Compact(ctx context.Context) error
}

// Config holds the collaborators of an Engine.
type Config struct {
	Formulas  resolver.Lookup
	Host      model.HostContext
	Records   Records
	Sandboxes *sandbox.Manager
	Executor  *executor.Executor
	Installer *installer.Installer
	Verifier  *verify.Runner
	Workers   int
	Policy    scheduler.Policy
}

// Options tune a single Install or Build run.
type Options struct {
	// Force replaces unmanaged files occupying a formula's link path.
	Force bool
	// Reinstall rebuilds the root even when it is already installed.
	Reinstall bool
	// Test verifies the root after it is installed.
	Test bool
	// OnNode is called as each formula reaches a final state. It may be
	// called from several goroutines at once.
	OnNode func(NodeReport)
}

// Engine runs plans.
type Engine struct {
	cfg      Config
	resolver *resolver.Resolver
}

// New returns an Engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, resolver: resolver.New(cfg.Formulas, cfg.Host)}
}

// Resolve computes the plan for name without building anything.
func (e *Engine) Resolve(ctx context.Context, name string, reinstall bool) (*resolver.Plan, error) {
	return e.resolver.Resolve(ctx, name, resolver.Options{Reinstall: reinstall})
}

// Install builds and installs name and every dependency that is not
// installed yet. Dependencies of a failed formula are reported as skipped;
// unrelated subtrees are handled according to the configured policy.
func (e *Engine) Install(ctx context.Context, name string, opts Options) (*Report, error) {
	plan, err := e.Resolve(ctx, name, opts.Reinstall)
	if err != nil {
		return nil, err
	}
	report, err := e.execute(ctx, plan, opts, false, "")
	if err != nil || !opts.Test {
		return report, err
	}

	root, _ := report.Node(plan.Root.Name)
	deps, err := e.testDependencies(plan.Root)
	if err != nil {
		return report, err
	}
	report.Verification, report.VerifyErr = e.cfg.Verifier.Verify(ctx, plan.Root, *root.Record, sandbox.Request{
		Host: e.cfg.Host,
		Deps: deps,
	})
	return report, report.VerifyErr
}

// Build installs the dependencies of name, builds name itself and copies
// its output to outDir instead of installing it. An empty outDir discards
// the output.
func (e *Engine) Build(ctx context.Context, name, outDir string, opts Options) (*Report, error) {
	plan, err := e.Resolve(ctx, name, true)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, plan, opts, true, outDir)
}

// Test verifies the installed version of name.
func (e *Engine) Test(ctx context.Context, name string) (*verify.Report, error) {
	f, err := e.cfg.Formulas.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	rec, err := e.cfg.Records.Get(name)
	if err != nil {
		return nil, err
	}
	if rec.Version != f.Identity().Version {
		ctxlog.FromContext(ctx).Warn("Installed version differs from the formula.", "formula", name, "installed", rec.Version, "available", f.Identity().Version)
	}

	deps, err := e.testDependencies(f)
	if err != nil {
		return nil, err
	}
	return e.cfg.Verifier.Verify(ctx, f, rec, sandbox.Request{Host: e.cfg.Host, Deps: deps})
}

// List returns every installation, ordered by name.
func (e *Engine) List() []store.Record {
	return e.cfg.Records.All()
}

// History returns the installation log entries of name, oldest first.
func (e *Engine) History(name string) []store.Record {
	return e.cfg.Records.History(name)
}

// Uninstall removes name. Unless force is set it refuses while another
// installed formula declares name as a runtime dependency.
func (e *Engine) Uninstall(ctx context.Context, name string, force bool) error {
	if !force {
		dependents, err := e.dependents(ctx, name)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			return fmt.Errorf("refusing to uninstall %s: required by %v", name, dependents)
		}
	}
	return e.cfg.Installer.Uninstall(ctx, name)
}

// Recover removes leftovers of interrupted runs and compacts the
// installation log.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	removed, err := e.cfg.Installer.Recover(ctx)
	if err != nil {
		return removed, err
	}
	return removed, e.cfg.Records.Compact(ctx)
}

func (e *Engine) dependents(ctx context.Context, name string) ([]string, error) {
	var out []string
	for _, rec := range e.cfg.Records.All() {
		if rec.Name == name {
			continue
		}
		f, err := e.cfg.Formulas.Lookup(ctx, rec.Name)
		if errors.Is(err, model.ErrFormulaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d, ok := f.Dependency(name); ok && d.Kind == model.Runtime {
			out = append(out, rec.Name)
		}
	}
	return out, nil
}

// execute schedules every node of plan. With buildOnly the root is built
// but not installed.
func (e *Engine) execute(ctx context.Context, plan *resolver.Plan, opts Options, buildOnly bool, outDir string) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("Executing plan.", "formula", plan.Root.Identity().String(), "nodes", len(plan.Order), "pending", len(plan.Pending()))

	states := inmemorystore.New()
	sched := scheduler.New(plan.Graph, states, scheduler.Options{Workers: e.cfg.Workers, Policy: e.cfg.Policy})
	runErr := sched.Run(ctx, func(ctx context.Context, id string) (any, error) {
		node, err := e.runNode(ctx, plan, id, opts, buildOnly && id == plan.Root.Name, outDir)
		if err != nil {
			if opts.OnNode != nil {
				opts.OnNode(NodeReport{Formula: plan.Formula(id).Identity(), Outcome: OutcomeFailed, Err: err})
			}
			return nil, err
		}
		if opts.OnNode != nil {
			opts.OnNode(node)
		}
		return node, nil
	})

	report := &Report{Plan: plan}
	for _, f := range plan.Order {
		node, err := e.nodeReport(ctx, plan, states, f)
		if err != nil {
			return report, err
		}
		if opts.OnNode != nil && (node.Outcome == OutcomeSkipped || node.Outcome == OutcomeCanceled) {
			opts.OnNode(node)
		}
		report.Nodes = append(report.Nodes, node)
	}
	logger.Info("Plan finished.",
		"installed", report.Count(OutcomeInstalled),
		"satisfied", report.Count(OutcomeSatisfied),
		"failed", report.Count(OutcomeFailed),
		"skipped", report.Count(OutcomeSkipped),
	)
	return report, runErr
}

func (e *Engine) runNode(ctx context.Context, plan *resolver.Plan, id string, opts Options, buildOnly bool, outDir string) (NodeReport, error) {
	f := plan.Formula(id)
	node := NodeReport{Formula: f.Identity()}
	logger := ctxlog.FromContext(ctx).With("formula", node.Formula.String())
	start := time.Now()

	if plan.IsSatisfied(id) {
		rec, err := e.cfg.Records.Get(id)
		if err != nil {
			return node, err
		}
		logger.Debug("Already installed.", "path", rec.Path)
		node.Outcome = OutcomeSatisfied
		node.Record = &rec
		return node, nil
	}

	deps, err := e.dependencies(plan, id)
	if err != nil {
		return node, err
	}
	req := sandbox.Request{Formula: f, Host: e.cfg.Host, Deps: deps}
	err = e.cfg.Sandboxes.With(ctx, req, func(env *sandbox.Environment) error {
		res, err := e.cfg.Executor.Build(ctx, f, env)
		if err != nil {
			return err
		}
		node.LogPath = res.LogPath

		if buildOnly {
			node.Outcome = OutcomeBuilt
			if outDir == "" {
				return nil
			}
			if err := fsutil.CopyTree(res.OutputDir, outDir); err != nil {
				return fmt.Errorf("copying build output of %s: %w", node.Formula, err)
			}
			node.OutputDir = outDir
			return nil
		}

		rec, err := e.cfg.Installer.Install(ctx, f, res.OutputDir, installer.Options{Force: opts.Force})
		if err != nil {
			return err
		}
		node.Outcome = OutcomeInstalled
		node.Record = rec
		return nil
	})
	node.Duration = time.Since(start)
	return node, err
}

// dependencies returns the installations of the direct dependencies of id
// in plan order.
func (e *Engine) dependencies(plan *resolver.Plan, id string) ([]model.Installation, error) {
	names, err := plan.Graph.Dependencies(id)
	if err != nil {
		return nil, err
	}
	deps := make([]model.Installation, 0, len(names))
	for _, name := range names {
		if inst, ok := plan.Satisfied[name]; ok {
			deps = append(deps, inst)
			continue
		}
		inst, ok := e.cfg.Records.Installed(name)
		if !ok {
			return nil, fmt.Errorf("dependency %s of %s is not installed", name, id)
		}
		deps = append(deps, inst)
	}
	return deps, nil
}

// testDependencies returns the installed dependencies a verification of f
// sees: build-only dependencies and those whose condition does not hold on
// the host are left out.
func (e *Engine) testDependencies(f *model.Formula) ([]model.Installation, error) {
	var deps []model.Installation
	for _, d := range f.Dependencies {
		if d.Kind == model.Build {
			continue
		}
		ok, err := d.Applies(e.cfg.Host)
		if err != nil {
			return nil, &resolver.PredicateError{Formula: f.Name, Dependency: d.Name, Err: err}
		}
		if !ok {
			continue
		}
		if inst, ok := e.cfg.Records.Installed(d.Name); ok {
			deps = append(deps, inst)
		}
	}
	return deps, nil
}

func (e *Engine) nodeReport(ctx context.Context, plan *resolver.Plan, states nodestore.Store, f *model.Formula) (NodeReport, error) {
	node := NodeReport{Formula: f.Identity()}
	status, err := states.GetStatus(ctx, f.Name)
	if err != nil {
		return node, err
	}
	nodeErr, err := states.GetError(ctx, f.Name)
	if err != nil {
		return node, err
	}

	switch status {
	case nodestore.StatusSucceeded:
		out, err := states.GetOutput(ctx, f.Name)
		if err != nil {
			return node, err
		}
		return out.(NodeReport), nil
	case nodestore.StatusFailed:
		node.Outcome = OutcomeFailed
		node.Err = nodeErr
	case nodestore.StatusSkipped:
		node.Outcome = OutcomeSkipped
		node.Err = nodeErr
		var skipped *scheduler.SkippedError
		if errors.As(nodeErr, &skipped) {
			if dep := plan.Formula(skipped.Dependency); dep != nil {
				node.Err = &SkippedError{Identity: node.Formula, Dependency: dep.Identity()}
			}
		}
	default:
		node.Outcome = OutcomeCanceled
		node.Err = nodeErr
		if node.Err == nil {
			node.Err = context.Canceled
		}
	}
	return node, nil
}
