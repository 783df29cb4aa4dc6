package chaindb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFilename(t *testing.T) {
	assert.Equal(t, ":memory:", mustResolve(t, ":memory:"))

	var dir = t.TempDir()
	var path = filepath.Join(dir, "db.sqlite")
	var resolved = mustResolve(t, path)
	assert.True(t, filepath.IsAbs(resolved))
	assert.Equal(t, "db.sqlite", filepath.Base(resolved))

	// Relative paths resolve against the working directory.
	var wd, err = os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "x.db"), mustResolve(t, "x.db"))
}

func mustResolve(t *testing.T, filename string) string {
	var resolved, err = resolveFilename(filename)
	require.NoError(t, err)
	return resolved
}

func TestSharedStateSeededFromJournal(t *testing.T) {
	var cfg = testConfig(t)

	var h, err = New(NewManager(), cfg)
	require.NoError(t, err)

	require.NoError(t, h.Begin(TransactionShared))
	require.NoError(t, h.Write("CREATE TABLE t (id INTEGER PRIMARY KEY);"))
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Commit())

	require.NoError(t, h.Begin(TransactionShared))
	require.NoError(t, h.Write("INSERT INTO t VALUES (1);"))
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Commit())

	var commits, hash = h.CommitCount(), h.CommittedHash()
	require.NoError(t, h.Close())

	// A fresh Manager re-seeds its state from the journal tables on disk.
	reopened, err := New(NewManager(), cfg)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, commits, reopened.CommitCount())
	assert.Equal(t, hash, reopened.CommittedHash())
}

func TestHandlesOfSameFileShareState(t *testing.T) {
	var m = NewManager()
	var cfg = testConfig(t)

	var a, err = New(m, cfg)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Fork()
	require.NoError(t, err)
	defer b.Close()

	require.Same(t, a.shared, b.shared)

	// Commits through either handle advance the shared counter.
	require.NoError(t, a.Begin(TransactionShared))
	require.NoError(t, a.Write("CREATE TABLE t (id INTEGER PRIMARY KEY);"))
	require.NoError(t, a.Prepare())
	require.NoError(t, a.Commit())

	assert.Equal(t, uint64(1), b.CommitCount())
	assert.Equal(t, a.CommittedHash(), b.CommittedHash())
}

func TestDistinctFilesHaveDistinctState(t *testing.T) {
	var m = NewManager()

	var a, err = New(m, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	b, err := New(m, testConfig(t))
	require.NoError(t, err)
	defer b.Close()

	require.NotSame(t, a.shared, b.shared)
}

func TestCloseRollsBackOpenTransaction(t *testing.T) {
	var cfg = testConfig(t)

	var h, err = New(NewManager(), cfg)
	require.NoError(t, err)

	require.NoError(t, h.Begin(TransactionShared))
	require.NoError(t, h.Write("CREATE TABLE t (id INTEGER PRIMARY KEY);"))
	require.NoError(t, h.Close())

	// The uncommitted transaction left no trace.
	reopened, err := New(NewManager(), cfg)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(0), reopened.CommitCount())
}
