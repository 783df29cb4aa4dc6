package chaindb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalTableName(t *testing.T) {
	assert.Equal(t, "journal", journalTableName(-1))
	assert.Equal(t, "journal0000", journalTableName(0))
	assert.Equal(t, "journal0042", journalTableName(42))
}

func TestJournalQueryComposition(t *testing.T) {
	var names = []string{"journal", "journal0000"}

	assert.Equal(t,
		"SELECT MAX(id) as m FROM journal"+
			" UNION SELECT MAX(id) as m FROM journal0000",
		journalQuery(names, []string{"SELECT MAX(id) as m FROM"}, true))

	assert.Equal(t,
		"SELECT query, hash FROM journal WHERE id = 7"+
			" UNION SELECT query, hash FROM journal0000 WHERE id = 7",
		journalQuery(names, []string{"SELECT query, hash FROM", "WHERE id = 7"}, false))
}

func TestJournalDiscovery(t *testing.T) {
	var h = newTestHandle(t)

	// MinJournalTables of 2 creates "journal" plus suffixed tables 0..2.
	require.Equal(t,
		[]string{"journal", "journal0000", "journal0001", "journal0002"},
		h.journalNames)
	assert.Equal(t, "journal", h.JournalTable())
}

func TestForkRotatesSuffixedJournals(t *testing.T) {
	var h = newTestHandle(t)

	var want = []string{"journal0000", "journal0001", "journal0002", "journal0000"}
	for _, expect := range want {
		var fork, err = h.Fork()
		require.NoError(t, err)
		assert.Equal(t, expect, fork.JournalTable())
		require.NoError(t, fork.Close())
	}
}

func TestForkWithSingleSuffixedJournal(t *testing.T) {
	var cfg = testConfig(t)
	cfg.MinJournalTables = 0

	var h, err = New(NewManager(), cfg)
	require.NoError(t, err)
	defer h.Close()

	// With only "journal" and "journal0000" discovered, forks rotate over
	// the single suffixed table.
	fork, err := h.Fork()
	require.NoError(t, err)
	defer fork.Close()
	assert.Equal(t, "journal0000", fork.JournalTable())
}

func TestJournalTrimBoundsGrowth(t *testing.T) {
	var cfg = testConfig(t)
	cfg.MaxJournalSize = 5

	var h, err = New(NewManager(), cfg)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Begin(TransactionShared))
	require.NoError(t, h.Write("CREATE TABLE t (id INTEGER PRIMARY KEY);"))
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Commit())

	for i := 0; i != 30; i++ {
		require.NoError(t, h.Begin(TransactionShared))
		require.NoError(t, h.Write(fmt.Sprintf("INSERT INTO t VALUES (%d);", i)))
		require.NoError(t, h.Prepare())
		require.NoError(t, h.Commit())
	}

	// The id span is bounded by MaxJournalSize plus the trim batch.
	assert.LessOrEqual(t, h.journalSize, uint64(5+10))

	var result *Result
	result, err = h.Read("SELECT COUNT(*) FROM " + h.JournalTable() + ";")
	require.NoError(t, err)
	assert.LessOrEqual(t, mustParseUint(result.FirstValue()), uint64(5+10))

	// The most recent commits are still present for replication.
	var _, _, ok = h.GetCommit(h.CommitCount())
	assert.True(t, ok)
}

func TestGetCommitsRange(t *testing.T) {
	var h = newTestHandle(t)

	require.NoError(t, h.Begin(TransactionShared))
	require.NoError(t, h.Write("CREATE TABLE t (id INTEGER PRIMARY KEY);"))
	require.NoError(t, h.Prepare())
	require.NoError(t, h.Commit())

	for i := 0; i != 5; i++ {
		require.NoError(t, h.Begin(TransactionShared))
		require.NoError(t, h.Write(fmt.Sprintf("INSERT INTO t VALUES (%d);", i)))
		require.NoError(t, h.Prepare())
		require.NoError(t, h.Commit())
	}

	var result, err = h.GetCommits(2, 4)
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "2", result.Rows[0][0])
	assert.Equal(t, "4", result.Rows[2][0])
}
