package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(name, version string) Record {
	return Record{
		Name:     name,
		Version:  version,
		Path:     filepath.Join("/store", name, version),
		Checksum: digest.FromString(name + version),
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "installed.jsonl"))
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Get("zlib")
	assert.ErrorIs(t, err, ErrNotInstalled)

	require.NoError(t, s.Put(ctx, record("zlib", "1.3")))

	rec, err := s.Get("zlib")
	require.NoError(t, err)
	assert.Equal(t, "1.3", rec.Version)
	assert.False(t, rec.InstalledAt.IsZero())

	inst, ok := s.Installed("zlib")
	require.True(t, ok)
	assert.Equal(t, rec.Path, inst.Path)
}

func TestLatestWins(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.Put(ctx, record("a", "1")))
	require.NoError(t, s.Put(ctx, record("b", "1")))

	// --- Act ---
	require.NoError(t, s.Put(ctx, record("a", "2")))

	// --- Assert ---
	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", rec.Version)
	assert.Len(t, s.History("a"), 2)

	// A fresh Open replays the log to the same view.
	reopened, err := Open(s.Path())
	require.NoError(t, err)
	assert.Equal(t, s.All(), reopened.All())
}

func TestPutRejectsInvalidRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, Record{Name: "a"}))
	assert.ErrorContains(t, s.Put(ctx, Record{Name: "a", Version: "1", Checksum: digest.FromString("x")}), "no path")
	assert.Error(t, s.Put(ctx, Record{Name: "a", Version: "1", Path: "/x", Checksum: "sha256:nothex"}))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.Put(ctx, record("a", "1")))

	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get("a")
	assert.True(t, errors.Is(err, ErrNotInstalled))
	history := s.History("a")
	require.Len(t, history, 2)
	assert.True(t, history[1].Removed)

	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrNotInstalled)
}

func TestDeleteSeesRemovalByAnotherProcess(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "installed.jsonl")
	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, record("a", "1")))
	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Delete(ctx, "a"))

	// --- Act ---
	err = b.Delete(ctx, "a")

	// --- Assert ---
	assert.ErrorIs(t, err, ErrNotInstalled)
	fresh, err := Open(path)
	require.NoError(t, err)
	history := fresh.History("a")
	require.Len(t, history, 2)
	assert.True(t, history[1].Removed)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.Put(ctx, record("a", "1")))
	require.NoError(t, s.Put(ctx, record("a", "2")))
	require.NoError(t, s.Put(ctx, record("b", "1")))
	require.NoError(t, s.Delete(ctx, "b"))

	require.NoError(t, s.Compact(ctx))

	assert.Len(t, s.History("a"), 1)
	assert.Empty(t, s.History("b"))
	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", rec.Version)
}

func TestTornFinalEntryIsIgnoredAndRepaired(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.Put(ctx, record("a", "1")))
	f, err := os.OpenFile(s.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"name":"b","vers`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// --- Act ---
	reopened, err := Open(s.Path())
	require.NoError(t, err)
	require.NoError(t, reopened.Put(ctx, record("c", "1")))

	// --- Assert ---
	final, err := Open(s.Path())
	require.NoError(t, err)
	names := []string{}
	for _, rec := range final.All() {
		names = append(names, rec.Name)
	}
	assert.Equal(t, []string{"a", "c"}, names)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	// --- Arrange ---
	// Two Store values on one log behave like two processes.
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "installed.jsonl")
	s1, err := Open(path)
	require.NoError(t, err)
	s2, err := Open(path)
	require.NoError(t, err)

	// --- Act ---
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := s1
			if i%2 == 1 {
				s = s2
			}
			assert.NoError(t, s.Put(ctx, record(fmt.Sprintf("pkg%02d", i), "1")))
		}(i)
	}
	wg.Wait()

	// --- Assert ---
	final, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, final.All(), 20)
}
