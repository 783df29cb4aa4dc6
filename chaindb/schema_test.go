package chaindb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyTableCreatesAndVerifies(t *testing.T) {
	var h = newTestHandle(t)
	var ddl = "CREATE TABLE users ( id INTEGER PRIMARY KEY, name TEXT )"

	require.NoError(t, h.Begin(TransactionShared))

	var ok, created, err = h.VerifyTable("users", ddl)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, created)

	// Verifying again, with differing whitespace, is not a recreation.
	ok, created, err = h.VerifyTable("users", "CREATE TABLE users (  id INTEGER PRIMARY KEY,  name TEXT )")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, created)

	// A mismatched schema is reported, not migrated.
	ok, created, err = h.VerifyTable("users", "CREATE TABLE users ( id INTEGER PRIMARY KEY, name TEXT, age INTEGER )")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, created)

	require.NoError(t, h.Rollback())
}

func TestVerifyTableRejectsTrailingSemicolon(t *testing.T) {
	var h = newTestHandle(t)

	require.NoError(t, h.Begin(TransactionShared))
	var _, _, err = h.VerifyTable("users", "CREATE TABLE users ( id INTEGER PRIMARY KEY );")
	require.Error(t, err)
	require.NoError(t, h.Rollback())
}

func TestVerifyIndex(t *testing.T) {
	var h = newTestHandle(t)

	require.NoError(t, h.Begin(TransactionShared))
	_, _, err := h.VerifyTable("users", "CREATE TABLE users ( id INTEGER PRIMARY KEY, name TEXT )")
	require.NoError(t, err)

	// Absent, and not created without createIfMissing.
	ok, err := h.VerifyIndex("usersName", "users", "( name )", false, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.VerifyIndex("usersName", "users", "( name )", false, true)
	require.NoError(t, err)
	assert.True(t, ok)

	// Present and matching.
	ok, err = h.VerifyIndex("usersName", "users", "( name )", false, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Present with a differing definition.
	ok, err = h.VerifyIndex("usersName", "users", "( name, id )", false, false)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Rollback())
}

func TestAddColumn(t *testing.T) {
	var h = newTestHandle(t)

	require.NoError(t, h.Begin(TransactionShared))
	_, _, err := h.VerifyTable("users", "CREATE TABLE users ( id INTEGER PRIMARY KEY, name TEXT )")
	require.NoError(t, err)

	added, err := h.AddColumn("users", "age", "INTEGER")
	require.NoError(t, err)
	assert.True(t, added)

	// Adding again is a no-op.
	added, err = h.AddColumn("users", "age", "INTEGER")
	require.NoError(t, err)
	assert.False(t, added)

	var value, rerr = h.ReadValue("SELECT COUNT(*) FROM pragma_table_info('users') WHERE name = 'age';")
	require.NoError(t, rerr)
	assert.Equal(t, "1", value)

	require.NoError(t, h.Rollback())
}

func TestCollapseWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", collapseWhitespace("  a \t b\n\n c "))
	assert.Equal(t, "", collapseWhitespace("   "))
}
