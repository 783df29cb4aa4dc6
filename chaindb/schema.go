package chaindb

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Schema helpers. These execute through Write and so participate in (and are
// replicated with) the current transaction.

var whitespaceRE = regexp.MustCompile(`\s+`)

// collapseWhitespace folds runs of whitespace into single spaces, so DDL can
// be compared against the engine's stored copy.
func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

// VerifyTable ensures |tableName| exists with the given DDL, creating it if
// absent. It returns ok=false when the table exists with a different schema
// (no automatic migration is attempted), and created=true when this call
// created the table. The DDL must not end with a semicolon: the engine trims
// it from its stored copy, which would confuse the comparison.
func (h *Handle) VerifyTable(tableName, ddl string) (ok, created bool, err error) {
	if strings.HasSuffix(ddl, ";") {
		return false, false, errors.New("table DDL must not end with a semicolon")
	}

	var result *Result
	if result, err = h.Read(
		"SELECT sql FROM sqlite_master WHERE type='table' AND tbl_name=" + sq(tableName) + ";"); err != nil {
		return false, false, err
	}
	var collapsedDDL = collapseWhitespace(ddl)

	if result.Empty() {
		log.WithFields(log.Fields{"table": tableName, "sql": collapsedDDL}).Info("creating table")
		if err = h.Write(collapsedDDL + ";"); err != nil {
			return false, false, err
		}
		return true, true, nil
	}

	if stripSpaces(collapseWhitespace(result.FirstValue())) == stripSpaces(collapsedDDL) {
		return true, false, nil
	}
	log.WithFields(log.Fields{
		"table":    tableName,
		"have":     collapseWhitespace(result.FirstValue()),
		"expected": collapsedDDL,
	}).Warn("table exists with unexpected schema")
	return false, false, nil
}

// VerifyIndex ensures |indexName| exists on |tableName| with the given
// definition (the part after "ON table"), optionally creating it. It returns
// false when the index is absent and createIfMissing is unset, or present
// with a different definition.
func (h *Handle) VerifyIndex(indexName, tableName, indexDDL string, unique, createIfMissing bool) (bool, error) {
	var result, err = h.Read(
		"SELECT sql FROM sqlite_master WHERE type='index' AND tbl_name=" + sq(tableName) +
			" AND name=" + sq(indexName) + ";")
	if err != nil {
		return false, err
	}

	var uniqueSQL = " "
	if unique {
		uniqueSQL = " UNIQUE "
	}
	var createSQL = "CREATE" + uniqueSQL + "INDEX " + indexName + " ON " + tableName + " " + indexDDL

	if result.Empty() {
		if !createIfMissing {
			log.WithFields(log.Fields{"index": indexName, "table": tableName}).
				Info("index does not exist")
			return false, nil
		}
		log.WithFields(log.Fields{"index": indexName, "table": tableName, "sql": createSQL}).
			Info("creating index")
		if err = h.Write(createSQL + ";"); err != nil {
			return false, err
		}
		return true, nil
	}
	return strings.EqualFold(stripSpaces(createSQL), stripSpaces(result.FirstValue())), nil
}

// AddColumn adds |column| of |columnType| to |tableName| if the stored table
// DDL does not already mention it.
func (h *Handle) AddColumn(tableName, column, columnType string) (bool, error) {
	var result, err = h.Read(
		"SELECT sql FROM sqlite_master WHERE type='table' AND tbl_name=" + sq(tableName) + ";")
	if err != nil {
		return false, err
	}
	var ddl = collapseWhitespace(result.FirstValue())
	if ddl == "" {
		return false, errors.Errorf("no such table %q", tableName)
	}
	if strings.Contains(ddl, " "+column+" ") {
		log.WithFields(log.Fields{"table": tableName, "column": column}).
			Warn("column already present; not adding")
		return false, nil
	}
	log.WithFields(log.Fields{"table": tableName, "column": column, "type": columnType}).
		Info("adding column")
	if err = h.Write("ALTER TABLE " + tableName + " ADD COLUMN " + column + " " + columnType + ";"); err != nil {
		return false, err
	}
	return true, nil
}
