package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/cellar/internal/model"
)

// Catalog is an in-memory formula source.
type Catalog struct {
	mu       sync.RWMutex
	formulas map[string]*model.Formula
}

// NewCatalog returns a catalog holding formulas.
func NewCatalog(formulas ...*model.Formula) *Catalog {
	c := &Catalog{formulas: make(map[string]*model.Formula)}
	c.Add(formulas...)
	return c
}

// Add registers formulas, replacing any with the same name.
func (c *Catalog) Add(formulas ...*model.Formula) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range formulas {
		c.formulas[f.Name] = f
	}
}

// Lookup implements resolver.Lookup.
func (c *Catalog) Lookup(_ context.Context, name string) (*model.Formula, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.formulas[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, model.ErrFormulaNotFound)
	}
	return f, nil
}

// Formula returns a formula with runtime dependencies on deps.
func Formula(name, version string, deps ...string) *model.Formula {
	f := &model.Formula{Name: name, Version: version}
	for _, d := range deps {
		f.Dependencies = append(f.Dependencies, model.Dependency{Name: d})
	}
	return f
}

// Sh returns a step running script with /bin/sh.
func Sh(script string) model.RunCommand {
	return model.RunCommand{Args: []string{"sh", "-c", script}}
}

// InstallsBinary returns build steps that install an executable
// $PREFIX/bin/<name> printing text.
func InstallsBinary(name, text string) []model.Step {
	return []model.Step{
		Sh(`mkdir -p "$PREFIX/bin"`),
		model.WriteFile{Path: "$PREFIX/bin/" + name, Content: "#!/bin/sh\necho " + text + "\n", Mode: 0o755},
	}
}

// WriteFiles writes files, keyed by slash-separated relative path, under root.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// SkipWithoutShell skips tests that need a POSIX shell.
func SkipWithoutShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}
