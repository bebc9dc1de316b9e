package hcl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/fsutil"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/schema"
)

// Repository holds every formula found under a set of paths. It is
// read-only after Load and safe for concurrent use.
type Repository struct {
	formulas map[string]*model.Formula
}

// Load parses all .hcl files under the given files or directories. Paths
// that do not exist are skipped. Two files declaring the same formula name
// is an error.
func Load(ctx context.Context, paths ...string) (*Repository, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Formula loader started.", "path_count", len(paths))

	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered formula files.", "count", len(files))

	repo := &Repository{formulas: make(map[string]*model.Formula)}
	parser := hclparse.NewParser()

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root schema.File
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		for _, block := range root.Formulas {
			f, err := translateFormula(ctx, file, hclFile.Bytes, block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if prev, dup := repo.formulas[f.Name]; dup {
				return nil, fmt.Errorf("formula %q declared in both %s and %s", f.Name, prev.File, file)
			}
			repo.formulas[f.Name] = f
		}
	}

	logger.Debug("Formula loading complete.", "formulas", len(repo.formulas))
	return repo, nil
}

// Lookup returns the formula with the given name. It implements
// resolver.Lookup.
func (r *Repository) Lookup(_ context.Context, name string) (*model.Formula, error) {
	f, ok := r.formulas[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, model.ErrFormulaNotFound)
	}
	return f, nil
}

// Names returns all formula names in lexical order.
func (r *Repository) Names() []string {
	names := make([]string, 0, len(r.formulas))
	for name := range r.formulas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl files found.
func findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})

	for _, path := range paths {
		found, err := fsutil.FindFiles(path, ".hcl")
		if errors.Is(err, fs.ErrNotExist) {
			continue // It's not an error if a configured path doesn't exist.
		}
		if err != nil {
			return nil, fmt.Errorf("error reading formula path %s: %w", path, err)
		}
		for _, f := range found {
			if _, wasSeen := seen[f]; !wasSeen {
				seen[f] = struct{}{}
				allFiles = append(allFiles, f)
			}
		}
	}
	return slices.Clip(allFiles), nil
}
