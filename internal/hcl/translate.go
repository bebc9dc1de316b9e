package hcl

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/schema"
	"github.com/zclconf/go-cty/cty"
)

// translateFormula converts a decoded formula block into the domain model
// and validates it.
func translateFormula(ctx context.Context, file string, src []byte, s *schema.Formula) (*model.Formula, error) {
	f := &model.Formula{
		Name:           s.Name,
		Version:        s.Version,
		Revision:       s.Revision,
		Desc:           s.Desc,
		Homepage:       s.Homepage,
		License:        s.License,
		Source:         s.Source,
		SourceChecksum: s.SourceChecksum,
		File:           file,
	}
	if f.Source != "" && !filepath.IsAbs(f.Source) {
		f.Source = filepath.Join(filepath.Dir(file), f.Source)
	}

	for _, d := range s.DependsOn {
		dep, err := translateDependency(ctx, src, d)
		if err != nil {
			return nil, fmt.Errorf("formula %q: %w", s.Name, err)
		}
		f.Dependencies = append(f.Dependencies, dep)
	}
	for _, fw := range s.FailsWith {
		f.FailsWith = append(f.FailsWith, model.Incompatibility{
			When:      newPredicate(fw.When),
			Condition: string(fw.When.Range().SliceBytes(src)),
			Reason:    fw.Reason,
		})
	}

	var err error
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"formula": cty.ObjectVal(map[string]cty.Value{
				"name":     cty.StringVal(f.Name),
				"version":  cty.StringVal(f.Version),
				"revision": cty.NumberIntVal(int64(f.Revision)),
			}),
		},
	}
	if f.Steps, err = translatePhase(model.PhaseBuild, s.Build, evalCtx); err != nil {
		return nil, fmt.Errorf("formula %q: %w", s.Name, err)
	}
	if f.Test, err = translatePhase(model.PhaseTest, s.Test, evalCtx); err != nil {
		return nil, fmt.Errorf("formula %q: %w", s.Name, err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func translateDependency(ctx context.Context, src []byte, d *schema.DependsOn) (model.Dependency, error) {
	constraint, err := model.ParseConstraint(d.Version)
	if err != nil {
		return model.Dependency{}, fmt.Errorf("dependency %q: %w", d.Name, err)
	}
	kind, err := model.ParseDepKind(d.Kind)
	if err != nil {
		return model.Dependency{}, fmt.Errorf("dependency %q: %w", d.Name, err)
	}

	dep := model.Dependency{Name: d.Name, Constraint: constraint, Kind: kind}
	if isExprDefined(ctx, d.When, "when") {
		dep.When = newPredicate(d.When)
		dep.Condition = string(d.When.Range().SliceBytes(src))
	}
	return dep, nil
}

func translatePhase(phase model.Phase, p *schema.Phase, evalCtx *hcl.EvalContext) ([]model.Step, error) {
	if p == nil {
		return nil, nil
	}
	steps := make([]model.Step, 0, len(p.Steps))
	for i, s := range p.Steps {
		step, err := decodeStep(s, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("%s step %d: %w", phase, i+1, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// decodeStep decodes a step body according to its kind label.
func decodeStep(s *schema.Step, evalCtx *hcl.EvalContext) (model.Step, error) {
	decode := func(target any) error {
		if diags := gohcl.DecodeBody(s.Body, evalCtx, target); diags.HasErrors() {
			return diags
		}
		return nil
	}

	switch s.Kind {
	case "run":
		var rs schema.RunStep
		if err := decode(&rs); err != nil {
			return nil, err
		}
		step := model.RunCommand{Args: rs.Args, Env: rs.Env, Workdir: rs.Workdir, ExpectExit: rs.ExpectExit}
		if rs.Timeout != "" {
			d, err := time.ParseDuration(rs.Timeout)
			if err != nil {
				return nil, fmt.Errorf("run: invalid timeout: %w", err)
			}
			step.Timeout = d
		}
		return step, nil
	case "env":
		var es schema.EnvStep
		if err := decode(&es); err != nil {
			return nil, err
		}
		return model.SetEnv{Vars: es.Vars}, nil
	case "cd":
		var cs schema.CdStep
		if err := decode(&cs); err != nil {
			return nil, err
		}
		return model.ChangeDir{Dir: cs.Dir}, nil
	case "remove":
		var rs schema.RemoveStep
		if err := decode(&rs); err != nil {
			return nil, err
		}
		return model.RemovePath{Paths: rs.Paths}, nil
	case "write":
		var ws schema.WriteStep
		if err := decode(&ws); err != nil {
			return nil, err
		}
		mode := fs.FileMode(0o644)
		if ws.Mode != "" {
			m, err := strconv.ParseUint(ws.Mode, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("write: invalid mode %q: %w", ws.Mode, err)
			}
			mode = fs.FileMode(m)
		}
		return model.WriteFile{Path: ws.Path, Content: ws.Content, Mode: mode}, nil
	case "copy":
		var cs schema.CopyStep
		if err := decode(&cs); err != nil {
			return nil, err
		}
		return model.CopyPath{From: cs.From, To: cs.To}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q (want run, env, cd, remove, write or copy)", s.Kind)
	}
}

// isExprDefined checks if an HCL expression was actually present in the source
// code. The decoder populates omitted optional attributes with zero-width
// placeholder expressions, so a nil check is not enough.
func isExprDefined(ctx context.Context, expr hcl.Expression, attrName string) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	defined := r.End.Byte > r.Start.Byte
	ctxlog.FromContext(ctx).Debug("Checking if HCL attribute was explicitly defined.",
		"attribute", attrName, "hcl_range", r.String(), "is_defined", defined)
	return defined
}
