// Package fsutil provides file system helpers shared by the formula loader,
// the sandbox and the installer.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FindFiles returns the files with the given extension found at path. A
// file path is returned as is when it has the extension; a directory is
// walked recursively, skipping hidden subdirectories such as .git. The
// result is in lexical order.
func FindFiles(path, ext string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if filepath.Ext(path) != ext {
			return nil, nil
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() && p != path && strings.HasPrefix(d.Name(), "."):
			return filepath.SkipDir
		case !d.IsDir() && filepath.Ext(p) == ext:
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// Within reports whether path is root itself or lies below it. Both paths
// are cleaned first; symlinks are not resolved.
func Within(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
