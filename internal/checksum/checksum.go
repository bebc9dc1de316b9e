// Package checksum computes content checksums of directory trees. Installed
// slots are addressed by an OCI-style sha256 digest; formula sources may be
// pinned with either sha256 or blake3.
package checksum

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"lukechampine.com/blake3"
)

// Algorithm names a supported checksum algorithm.
type Algorithm string

const (
	SHA256 Algorithm = Algorithm(digest.SHA256)
	BLAKE3 Algorithm = "blake3"
)

// MismatchError is returned by Verify when a tree does not match.
type MismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Path, e.Want, e.Got)
}

// Digest returns the sha256 digest of the tree rooted at root.
func Digest(root string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	if err := writeTree(d.Hash(), root); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// Tree returns the "<algorithm>:<hex>" checksum of the tree rooted at root.
func Tree(root string, alg Algorithm) (string, error) {
	switch alg {
	case SHA256:
		d, err := Digest(root)
		return d.String(), err
	case BLAKE3:
		h := blake3.New(32, nil)
		if err := writeTree(h, root); err != nil {
			return "", err
		}
		return string(BLAKE3) + ":" + hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", alg)
	}
}

// Verify checks root against a "<algorithm>:<hex>" checksum.
func Verify(root, want string) error {
	alg, encoded, ok := strings.Cut(want, ":")
	if !ok || encoded == "" {
		return fmt.Errorf("malformed checksum %q: want <algorithm>:<hex>", want)
	}
	got, err := Tree(root, Algorithm(strings.ToLower(alg)))
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, want) {
		return &MismatchError{Path: root, Want: want, Got: got}
	}
	return nil
}

// Short returns the first n hex characters of a checksum's encoded part.
func Short(sum string, n int) string {
	_, encoded, ok := strings.Cut(sum, ":")
	if !ok {
		encoded = sum
	}
	if len(encoded) > n {
		return encoded[:n]
	}
	return encoded
}

// writeTree feeds a canonical serialization of the tree to h: one header
// per entry in lexical order followed by file contents. Modification times
// and ownership are ignored so identical builds hash identically.
func writeTree(h hash.Hash, root string) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return writeEntry(h, root, ".", info)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return writeEntry(h, path, filepath.ToSlash(rel), info)
	})
}

func writeEntry(h hash.Hash, path, rel string, info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		fmt.Fprintf(h, "d %s %o\n", rel, mode.Perm())
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "l %s %s\n", rel, target)
	case mode.IsRegular():
		fmt.Fprintf(h, "f %s %o %d\n", rel, mode.Perm(), info.Size())
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s: unsupported file type %s", path, mode.Type())
	}
	return nil
}
