package hcl

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/cellar/internal/model"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
)

// newPredicate wraps a `when` expression as a model.Predicate. The
// expression sees a `host` object and the functions from hostFunctions.
func newPredicate(expr hcl.Expression) model.Predicate {
	return func(h model.HostContext) (bool, error) {
		evalCtx := &hcl.EvalContext{
			Variables: map[string]cty.Value{"host": hostObject(h)},
			Functions: hostFunctions(h),
		}
		v, diags := expr.Value(evalCtx)
		if diags.HasErrors() {
			return false, diags
		}
		v, err := convert.Convert(v, cty.Bool)
		if err != nil {
			return false, fmt.Errorf("condition must be a bool: %w", err)
		}
		if v.IsNull() || !v.IsKnown() {
			return false, errors.New("condition evaluated to null")
		}
		return v.True(), nil
	}
}

func hostObject(h model.HostContext) cty.Value {
	return cty.ObjectVal(map[string]cty.Value{
		"os":         cty.StringVal(h.OS),
		"arch":       cty.StringVal(h.Arch),
		"platform":   cty.StringVal(h.Platform),
		"os_version": cty.StringVal(h.OSVersion),
	})
}

func hostFunctions(h model.HostContext) map[string]function.Function {
	return map[string]function.Function{
		"installed":         installedFunc(h),
		"installed_version": installedVersionFunc(h),
		"version_compare":   versionCompareFunc,
		"version_satisfies": versionSatisfiesFunc,
	}
}

// installedFunc reports whether a formula is installed on the host.
func installedFunc(h model.HostContext) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			_, ok := h.Installed(args[0].AsString())
			return cty.BoolVal(ok), nil
		},
	})
}

// installedVersionFunc returns the installed version of a formula, or ""
// when it is not installed.
func installedVersionFunc(h model.HostContext) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			inst, _ := h.Installed(args[0].AsString())
			return cty.StringVal(inst.Version), nil
		},
	})
}

// versionCompareFunc returns -1, 0 or 1 like model.CompareVersions.
var versionCompareFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "a", Type: cty.String},
		{Name: "b", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.NumberIntVal(int64(model.CompareVersions(args[0].AsString(), args[1].AsString()))), nil
	},
})

// versionSatisfiesFunc checks a version against a constraint expression.
var versionSatisfiesFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "version", Type: cty.String},
		{Name: "constraint", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		c, err := model.ParseConstraint(args[1].AsString())
		if err != nil {
			return cty.False, function.NewArgError(1, err)
		}
		return cty.BoolVal(c.Satisfies(args[0].AsString())), nil
	},
})
