package chaindb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Journal tables record every committed transaction as (id, query, hash).
// Multiple tables exist so that concurrent Handles insert into distinct
// b-trees; the union of all tables, ordered by id, is the replication log.

const journalTableDDL = " ( id INTEGER PRIMARY KEY, query TEXT, hash TEXT )"

// journalTableName renders the name of journal table |n|. Table -1 is the
// unsuffixed "journal", reserved for the first Handle of a file.
func journalTableName(n int) string {
	if n < 0 {
		return "journal"
	}
	return fmt.Sprintf("journal%04d", n)
}

// initJournal creates journal tables through |minJournalTables| if absent,
// then discovers the contiguous set which actually exists (which may be
// larger, if the file was previously opened with a higher minimum).
func initJournal(conn *sqlite3.SQLiteConn, minJournalTables int) ([]string, error) {
	if minJournalTables >= 10000 {
		return nil, errors.Errorf("cannot name %d journal tables", minJournalTables)
	}

	for n := -1; n <= minJournalTables; n++ {
		var name = journalTableName(n)
		var exists, err = tableExists(conn, name)
		if err != nil {
			return nil, errors.WithMessagef(err, "probing table %s", name)
		}
		if !exists {
			if err = execConn(context.Background(), conn,
				"CREATE TABLE "+name+journalTableDDL); err != nil {
				return nil, errors.WithMessagef(err, "creating table %s", name)
			}
			log.WithField("table", name).Info("created journal table")
		}
	}

	var names []string
	for n := -1; ; n++ {
		var name = journalTableName(n)
		if exists, err := tableExists(conn, name); err != nil {
			return nil, errors.WithMessagef(err, "probing table %s", name)
		} else if !exists {
			return names, nil
		}
		names = append(names, name)
	}
}

func tableExists(conn *sqlite3.SQLiteConn, name string) (bool, error) {
	var result, err = queryConn(context.Background(), conn,
		"SELECT name FROM sqlite_master WHERE type='table' AND name="+sq(name))
	if err != nil {
		return false, err
	}
	return !result.Empty(), nil
}

// journalQuery composes a query to run against every journal table, as the
// UNION over |parts| joined around each table name. With |appendName| the
// table name is also appended, eg for trailing FROM clauses:
//
//	journalQuery(names, []string{"SELECT MAX(id) as m FROM"}, true)
//	  => "SELECT MAX(id) as m FROM journal UNION ..."
func journalQuery(names []string, parts []string, appendName bool) string {
	var stmts = make([]string, 0, len(names))
	for _, name := range names {
		var s = strings.Join(parts, " "+name+" ")
		if appendName {
			s += " " + name
		}
		stmts = append(stmts, s)
	}
	return strings.Join(stmts, " UNION ")
}

// initJournalSize computes MAX(id) - MIN(id) across all journal tables.
func initJournalSize(conn *sqlite3.SQLiteConn, names []string) (uint64, error) {
	var minQuery = "SELECT MIN(id) AS id FROM (" +
		journalQuery(names, []string{"SELECT MIN(id) AS id FROM"}, true) + ")"
	var maxQuery = "SELECT MAX(id) AS id FROM (" +
		journalQuery(names, []string{"SELECT MAX(id) AS id FROM"}, true) + ")"

	var minResult, err = queryConn(context.Background(), conn, minQuery)
	if err != nil {
		return 0, errors.WithMessage(err, "reading journal minimum id")
	}
	maxResult, err := queryConn(context.Background(), conn, maxQuery)
	if err != nil {
		return 0, errors.WithMessage(err, "reading journal maximum id")
	}
	if minResult.FirstValue() == "" {
		return 0, nil
	}
	return mustParseUint(maxResult.FirstValue()) - mustParseUint(minResult.FirstValue()), nil
}

// getCommit reads the (query, hash) of journal id |id| across all tables.
func getCommit(conn *sqlite3.SQLiteConn, names []string, id uint64) (query, hash string) {
	var q = journalQuery(names, []string{
		"SELECT query, hash FROM",
		"WHERE id = " + strconv.FormatUint(id, 10),
	}, false)
	var result, err = queryConn(context.Background(), conn, q)
	if err != nil {
		log.WithFields(log.Fields{"id": id, "err": err}).Fatal("failed to read journal commit")
	}
	if result.Empty() {
		return "", ""
	}
	return result.Rows[0][0], result.Rows[0][1]
}

// GetCommit returns the journal query and hash of commit |id|, and whether a
// journal row for it exists.
func (h *Handle) GetCommit(id uint64) (query, hash string, ok bool) {
	query, hash = getCommit(h.conn, h.journalNames, id)
	return query, hash, hash != ""
}

// GetCommits reads journal rows with fromID <= id <= toID (or all rows at or
// above fromID, when toID is zero), ordered by id. Columns are (id, hash,
// query).
func (h *Handle) GetCommits(fromID, toID uint64) (*Result, error) {
	var bound = "WHERE id >= " + strconv.FormatUint(fromID, 10)
	if toID != 0 {
		bound += " AND id <= " + strconv.FormatUint(toID, 10)
	}
	var q = "SELECT id, hash, query FROM (" +
		journalQuery(h.journalNames, []string{"SELECT id, hash, query FROM", bound}, false) +
		") ORDER BY id"
	var result, err = queryConn(context.Background(), h.conn, q)
	return result, errors.WithMessage(err, "reading journal commits")
}

// trimJournal deletes a batch of the oldest rows of this Handle's journal
// table when the journal has outgrown maxJournalSize, and stores the
// recomputed size in journalSize. Each Handle trims only its own table, so the bound is
// soft: global growth is limited but not strictly monotonic across tables.
func (h *Handle) trimJournal() error {
	var query = "DELETE FROM " + h.journalName + " WHERE id IN (" +
		"SELECT id FROM " + h.journalName +
		" WHERE id < (SELECT MAX(id) FROM " + h.journalName + ") - " +
		strconv.FormatUint(h.maxJournalSize, 10) + " ORDER BY id LIMIT 10)"
	if err := execConn(context.Background(), h.conn, query); err != nil {
		return errors.WithMessage(err, "deleting oldest journal rows")
	}

	var minResult, err = queryConn(context.Background(), h.conn,
		"SELECT MIN(id) AS id FROM "+h.journalName)
	if err != nil {
		return errors.WithMessage(err, "reading journal minimum id")
	}
	maxResult, err := queryConn(context.Background(), h.conn,
		"SELECT MAX(id) AS id FROM "+h.journalName)
	if err != nil {
		return errors.WithMessage(err, "reading journal maximum id")
	}
	if minResult.FirstValue() == "" {
		h.journalSize = 0
	} else {
		h.journalSize = mustParseUint(maxResult.FirstValue()) - mustParseUint(minResult.FirstValue())
	}
	return nil
}

func mustParseUint(s string) uint64 {
	var v, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		log.WithFields(log.Fields{"value": s, "err": err}).Fatal("expected integer from engine")
	}
	return v
}
