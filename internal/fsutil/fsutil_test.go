package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func TestFindFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.hcl"), "", 0o644)
	writeFile(t, filepath.Join(root, "sub", "a.hcl"), "", 0o644)
	writeFile(t, filepath.Join(root, ".git", "c.hcl"), "", 0o644)
	writeFile(t, filepath.Join(root, "notes.txt"), "", 0o644)

	testCases := []struct {
		name string
		path string
		want []string
	}{
		{name: "directory", path: root, want: []string{filepath.Join(root, "b.hcl"), filepath.Join(root, "sub", "a.hcl")}},
		{name: "file", path: filepath.Join(root, "b.hcl"), want: []string{filepath.Join(root, "b.hcl")}},
		{name: "other extension", path: filepath.Join(root, "notes.txt"), want: nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			files, err := FindFiles(tc.path, ".hcl")
			require.NoError(t, err)
			assert.Equal(t, tc.want, files)
		})
	}

	_, err := FindFiles(filepath.Join(root, "missing"), ".hcl")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/tmp/box", "/tmp/box"))
	assert.True(t, Within("/tmp/box", "/tmp/box/work/../prefix"))
	assert.False(t, Within("/tmp/box", "/tmp/box/../other"))
	assert.False(t, Within("/tmp/box", "/tmp/boxer"))
	assert.False(t, Within("/tmp/box", "/etc"))
}

func TestCopyTree(t *testing.T) {
	// --- Arrange ---
	src := filepath.Join(t.TempDir(), "src")
	writeFile(t, filepath.Join(src, "bin", "tool"), "#!/bin/sh\n", 0o755)
	writeFile(t, filepath.Join(src, "share", "doc.txt"), "docs", 0o644)
	require.NoError(t, os.Symlink("tool", filepath.Join(src, "bin", "alias")))
	dst := filepath.Join(t.TempDir(), "dst")

	// --- Act ---
	require.NoError(t, CopyTree(src, dst))

	// --- Assert ---
	info, err := os.Stat(filepath.Join(dst, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	content, err := os.ReadFile(filepath.Join(dst, "share", "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "docs", string(content))

	target, err := os.Readlink(filepath.Join(dst, "bin", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "tool", target)
}

func TestCopyTreeSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "x", 0o600)

	require.NoError(t, CopyTree(filepath.Join(dir, "a"), filepath.Join(dir, "b")))

	content, err := os.ReadFile(filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))
}
