// Package store persists InstallationRecords: which version of each formula
// is installed, where, and with what content digest.
//
// The log is an append-only JSON-lines file. The latest entry for a formula
// name wins; a tombstone entry marks an uninstall. Appends are serialized
// within the process by a mutex and across processes by a file lock, and the
// log is re-read under the lock so concurrent writers never lose updates.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/opencontainers/go-digest"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/model"
)

// ErrNotInstalled is returned when a formula has no live record.
var ErrNotInstalled = errors.New("formula is not installed")

const lockRetryDelay = 100 * time.Millisecond

// Record is one InstallationRecord entry.
type Record struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Path        string        `json:"path,omitempty"`
	Checksum    digest.Digest `json:"checksum,omitempty"`
	InstalledAt time.Time     `json:"installed_at"`
	// Removed marks a tombstone written on uninstall.
	Removed bool `json:"removed,omitempty"`
}

// Identity returns the formula identity the record describes.
func (r Record) Identity() model.Identity {
	return model.Identity{Name: r.Name, Version: r.Version}
}

func (r Record) validate() error {
	if r.Name == "" || r.Version == "" {
		return errors.New("record requires name and version")
	}
	if r.Removed {
		return nil
	}
	if r.Path == "" {
		return fmt.Errorf("record for %s has no path", r.Identity())
	}
	if err := r.Checksum.Validate(); err != nil {
		return fmt.Errorf("record for %s: %w", r.Identity(), err)
	}
	return nil
}

// Store is the installation record log. It is safe for concurrent use.
type Store struct {
	path string
	lock *flock.Flock

	mu      sync.RWMutex
	history []Record
	latest  map[string]Record
	// size is the byte length of the log's intact prefix.
	size int64
}

// Open loads the log at path, creating its directory if needed. A missing
// log is an empty store.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	s := &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the log file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the live record for a formula name.
func (s *Store) Get(name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.latest[name]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	return rec, nil
}

// Installed implements model.InstalledLookup.
func (s *Store) Installed(name string) (model.Installation, bool) {
	rec, err := s.Get(name)
	if err != nil {
		return model.Installation{}, false
	}
	return model.Installation{Name: rec.Name, Version: rec.Version, Path: rec.Path}, true
}

// All returns every live record ordered by name.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.latest))
	for _, rec := range s.latest {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// History returns every entry ever written for name, oldest first,
// tombstones included.
func (s *Store) History(name string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.history {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

// Put appends rec, superseding any earlier entry for the same name.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now().UTC()
	}
	if err := rec.validate(); err != nil {
		return err
	}
	return s.append(ctx, rec)
}

// Delete appends a tombstone for name. The live record is looked up under
// the lock, so a formula another process already removed is reported as not
// installed.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.locked(ctx, func() error {
		rec, ok := s.latest[name]
		if !ok {
			return fmt.Errorf("%s: %w", name, ErrNotInstalled)
		}
		return s.appendLocked(ctx, Record{
			Name:        name,
			Version:     rec.Version,
			InstalledAt: time.Now().UTC(),
			Removed:     true,
		})
	})
}

// Compact atomically rewrites the log to hold only the live records.
func (s *Store) Compact(ctx context.Context) error {
	return s.locked(ctx, func() error {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, rec := range s.liveLocked() {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		if err := renameio.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("compacting installation log: %w", err)
		}
		ctxlog.FromContext(ctx).Debug("Installation log compacted.", "path", s.path, "records", len(s.latest))
		return s.reloadLocked()
	})
}

func (s *Store) append(ctx context.Context, rec Record) error {
	return s.locked(ctx, func() error {
		return s.appendLocked(ctx, rec)
	})
}

func (s *Store) appendLocked(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening installation log: %w", err)
	}
	if err := f.Truncate(s.size); err != nil {
		f.Close()
		return fmt.Errorf("truncating torn installation log entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("writing installation log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing installation log: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.applyLocked(rec)
	s.size += int64(len(line)) + 1
	ctxlog.FromContext(ctx).Debug("Installation record written.", "formula", rec.Name, "version", rec.Version, "removed", rec.Removed)
	return nil
}

// locked runs fn holding both the in-process and the cross-process lock,
// after refreshing the in-memory view from disk.
func (s *Store) locked(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking installation log: %w", err)
	}
	if !ok {
		return errors.New("locking installation log: lock not acquired")
	}
	defer s.lock.Unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}
	return fn()
}

func (s *Store) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	s.history = nil
	s.latest = make(map[string]Record)
	s.size = 0

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading installation log: %w", err)
	}

	var offset int64
	for entry := 1; len(data) > 0; entry++ {
		line, rest, complete := bytes.Cut(data, []byte{'\n'})
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || !complete {
			// A torn final line is what a crash mid-append leaves behind;
			// the next append truncates it.
			if !complete {
				break
			}
			if len(bytes.TrimSpace(line)) == 0 {
				offset += int64(len(line)) + 1
				data = rest
				continue
			}
			return fmt.Errorf("%s: entry %d: %w", s.path, entry, err)
		}
		s.applyLocked(rec)
		offset += int64(len(line)) + 1
		data = rest
	}
	s.size = offset
	return nil
}

func (s *Store) applyLocked(rec Record) {
	s.history = append(s.history, rec)
	if rec.Removed {
		delete(s.latest, rec.Name)
		return
	}
	s.latest[rec.Name] = rec
}

func (s *Store) liveLocked() []Record {
	last := make(map[string]int, len(s.latest))
	for i, rec := range s.history {
		last[rec.Name] = i
	}
	out := make([]Record, 0, len(s.latest))
	for i, rec := range s.history {
		if last[rec.Name] == i && !rec.Removed {
			out = append(out, rec)
		}
	}
	return out
}
