// Package installer is the Artifact Installer. It moves build output into a
// versioned, content-addressed slot under the store directory and points the
// formula's link in the active prefix at it with a single atomic rename.
//
// On-disk layout:
//
//	<store>/<name>/<version>-<digest prefix>/   installed slots
//	<store>/.staging/                           in-flight copies
//	<prefix>/opt/<name> -> slot                 active link
//
// The previous slot is removed only after the link swap and the record
// update both succeeded, so a crash at any point leaves the previous
// installation intact.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/vk/cellar/internal/checksum"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/fsutil"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/store"
)

const stagingDir = ".staging"

// Records is the subset of the installation store the installer needs.
type Records interface {
	Get(name string) (store.Record, error)
	All() []store.Record
	Put(ctx context.Context, rec store.Record) error
	Delete(ctx context.Context, name string) error
}

// Options configure one installation.
type Options struct {
	// Force replaces a link path occupied by something unmanaged.
	Force bool
}

// Installer installs build outputs.
type Installer struct {
	storeDir  string
	prefixDir string
	records   Records
	now       func() time.Time
}

// New returns an Installer placing slots under storeDir and links under
// prefixDir/opt.
func New(storeDir, prefixDir string, records Records) *Installer {
	return &Installer{
		storeDir:  absPath(storeDir),
		prefixDir: absPath(prefixDir),
		records:   records,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// absPath anchors a relative directory at the working directory. Links
// store their target verbatim, so a relative slot would resolve against
// <prefix>/opt instead.
func absPath(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// LinkPath returns where the active link of a formula lives.
func (in *Installer) LinkPath(name string) string {
	return filepath.Join(in.prefixDir, "opt", name)
}

// Install copies outputDir into the store and activates it for f.
func (in *Installer) Install(ctx context.Context, f *model.Formula, outputDir string, opts Options) (*store.Record, error) {
	id := f.Identity()
	logger := ctxlog.FromContext(ctx).With("formula", id.String())
	wrap := func(op string, err error) error {
		return &Error{Op: op, Formula: id, Err: err}
	}

	link := in.LinkPath(f.Name)
	previous, err := in.checkLink(id, link, opts.Force)
	if err != nil {
		return nil, err
	}

	slot, sum, err := in.stage(ctx, id, outputDir)
	if err != nil {
		return nil, wrap("stage", err)
	}
	logger.Debug("Build output staged.", "slot", slot, "checksum", sum.String())

	if err := ctx.Err(); err != nil {
		return nil, wrap("swap", err)
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return nil, wrap("swap", err)
	}
	if opts.Force {
		if err := clearOccupant(link); err != nil {
			return nil, wrap("swap", err)
		}
	}
	if err := renameio.Symlink(slot, link); err != nil {
		return nil, wrap("swap", err)
	}
	logger.Debug("Active link swapped.", "link", link, "slot", slot)

	rec := store.Record{
		Name:        f.Name,
		Version:     id.Version,
		Path:        slot,
		Checksum:    sum,
		InstalledAt: in.now(),
	}
	if err := in.records.Put(ctx, rec); err != nil {
		rbErr := in.rollback(link, previous)
		return nil, wrap("record", errors.Join(err, rbErr))
	}

	if previous != "" && previous != slot {
		if err := os.RemoveAll(previous); err != nil {
			logger.Warn("Could not remove previous slot.", "slot", previous, "error", err)
		}
	}
	logger.Info("Formula installed.", "path", slot)
	return &rec, nil
}

// checkLink inspects the link path. It returns the slot the link currently
// points at, or a *ConflictError when the path holds something unmanaged.
func (in *Installer) checkLink(id model.Identity, link string, force bool) (string, error) {
	info, err := os.Lstat(link)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &Error{Op: "inspect", Formula: id, Err: err}
	}

	var occupant string
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(link)
		if err != nil {
			return "", &Error{Op: "inspect", Formula: id, Err: err}
		}
		if in.managed(id.Name, target) {
			return target, nil
		}
		occupant = "a link to " + target
	case info.IsDir():
		occupant = "a directory"
	default:
		occupant = "a file"
	}

	if !force {
		return "", &ConflictError{Formula: id, Path: link, Occupant: occupant}
	}
	return "", nil
}

// managed reports whether target is a slot of the named formula.
func (in *Installer) managed(name, target string) bool {
	return filepath.Dir(target) == filepath.Join(in.storeDir, name)
}

// stage copies outputDir into a staging directory, hashes it and renames it
// into its content-addressed slot. An identical existing slot is reused.
func (in *Installer) stage(ctx context.Context, id model.Identity, outputDir string) (string, digest.Digest, error) {
	info, err := os.Stat(outputDir)
	if err != nil {
		return "", "", err
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%s is not a directory", outputDir)
	}

	staging := filepath.Join(in.storeDir, stagingDir, id.Name+"-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return "", "", err
	}
	if err := fsutil.CopyTree(outputDir, staging); err != nil {
		os.RemoveAll(staging)
		return "", "", err
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(staging)
		return "", "", err
	}

	sum, err := checksum.Digest(staging)
	if err != nil {
		os.RemoveAll(staging)
		return "", "", err
	}

	slot := filepath.Join(in.storeDir, id.Name, id.Version+"-"+checksum.Short(sum.String(), 12))
	if _, err := os.Stat(slot); err == nil {
		// Same identity and same content: a previous attempt got this far.
		os.RemoveAll(staging)
		return slot, sum, nil
	}
	if err := os.MkdirAll(filepath.Dir(slot), 0o755); err != nil {
		os.RemoveAll(staging)
		return "", "", err
	}
	if err := os.Rename(staging, slot); err != nil {
		os.RemoveAll(staging)
		return "", "", err
	}
	return slot, sum, nil
}

// rollback points the link back at previous, or removes it when there was
// no previous installation.
func (in *Installer) rollback(link, previous string) error {
	if previous == "" {
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rollback: %w", err)
		}
		return nil
	}
	if err := renameio.Symlink(previous, link); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func clearOccupant(link string) error {
	info, err := os.Lstat(link)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// renameio replaces symlinks atomically.
		return nil
	}
	return os.RemoveAll(link)
}

// Current returns the slot the active link of name points at.
func (in *Installer) Current(name string) (string, error) {
	target, err := os.Readlink(in.LinkPath(name))
	if err != nil {
		return "", err
	}
	return target, nil
}

// Uninstall removes the active link, the slot and the record of name.
func (in *Installer) Uninstall(ctx context.Context, name string) error {
	rec, err := in.records.Get(name)
	if err != nil {
		return err
	}
	id := rec.Identity()
	link := in.LinkPath(name)
	if target, err := os.Readlink(link); err == nil && in.managed(name, target) {
		if err := os.Remove(link); err != nil {
			return &Error{Op: "unlink", Formula: id, Err: err}
		}
	}
	if err := in.records.Delete(ctx, name); err != nil {
		return &Error{Op: "record", Formula: id, Err: err}
	}
	if err := os.RemoveAll(rec.Path); err != nil {
		return &Error{Op: "remove", Formula: id, Err: err}
	}
	ctxlog.FromContext(ctx).Info("Formula uninstalled.", "formula", id.String())
	return nil
}

// Recover removes leftovers of interrupted installs. Active links are first
// brought back in line with the records, then staging directories and slots
// that neither a record nor a link references are removed. It returns the
// removed paths.
func (in *Installer) Recover(ctx context.Context) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	referenced := make(map[string]bool)
	for _, rec := range in.records.All() {
		referenced[filepath.Clean(rec.Path)] = true
	}
	linked, err := in.reconcileLinks(ctx)
	if err != nil {
		return nil, err
	}
	for _, target := range linked {
		referenced[filepath.Clean(target)] = true
	}
	var removed []string

	stale, err := os.ReadDir(filepath.Join(in.storeDir, stagingDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, e := range stale {
		path := filepath.Join(in.storeDir, stagingDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, err
		}
		removed = append(removed, path)
	}

	names, err := os.ReadDir(in.storeDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return removed, err
	}
	for _, n := range names {
		if !n.IsDir() || n.Name()[0] == '.' {
			continue
		}
		slots, err := os.ReadDir(filepath.Join(in.storeDir, n.Name()))
		if err != nil {
			return removed, err
		}
		for _, s := range slots {
			path := filepath.Join(in.storeDir, n.Name(), s.Name())
			if !s.IsDir() || referenced[path] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if err := os.RemoveAll(path); err != nil {
				return removed, err
			}
			removed = append(removed, path)
		}
	}
	for _, path := range removed {
		logger.Info("Removed stale install data.", "path", path)
	}
	return removed, nil
}

// reconcileLinks points every managed link at the slot its record names. A
// crash between the link swap and the record append leaves the link ahead
// of the record; the record wins. Links without a record are removed. It
// returns the targets of the links that remain.
func (in *Installer) reconcileLinks(ctx context.Context) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	optDir := filepath.Join(in.prefixDir, "opt")
	entries, err := os.ReadDir(optDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var targets []string
	for _, e := range entries {
		name := e.Name()
		link := filepath.Join(optDir, name)
		target, err := os.Readlink(link)
		if err != nil || !in.managed(name, target) {
			continue
		}

		rec, err := in.records.Get(name)
		switch {
		case errors.Is(err, store.ErrNotInstalled):
			if err := os.Remove(link); err != nil {
				return targets, &Error{Op: "unlink", Formula: model.Identity{Name: name}, Err: err}
			}
			logger.Warn("Removed link without installation record.", "link", link, "slot", target)
			continue
		case err != nil:
			return targets, err
		}

		if filepath.Clean(rec.Path) == filepath.Clean(target) {
			targets = append(targets, target)
			continue
		}
		if _, err := os.Stat(rec.Path); err != nil {
			// The recorded slot is gone; keep what the link points at.
			logger.Warn("Recorded slot is missing, keeping active link.", "link", link, "slot", target, "recorded", rec.Path)
			targets = append(targets, target)
			continue
		}
		if err := renameio.Symlink(rec.Path, link); err != nil {
			return targets, &Error{Op: "swap", Formula: rec.Identity(), Err: err}
		}
		logger.Warn("Active link restored to recorded slot.", "link", link, "slot", rec.Path, "was", target)
		targets = append(targets, rec.Path)
	}
	return targets, nil
}
