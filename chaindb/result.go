package chaindb

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Result holds the rows of a read query. All values are rendered as strings;
// NULL renders as the empty string. Results are shared by the query cache and
// must not be mutated by callers.
type Result struct {
	Columns []string
	Rows    [][]string
}

// Empty returns whether the Result has no rows.
func (r *Result) Empty() bool { return len(r.Rows) == 0 }

// FirstValue returns the first column of the first row, or "".
func (r *Result) FirstValue() string {
	if len(r.Rows) == 0 || len(r.Rows[0]) == 0 {
		return ""
	}
	return r.Rows[0][0]
}

func valueToString(v driver.Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(t)
	}
}

func traceStmt(query string) {
	if EnableTrace.Load() {
		log.WithField("sql", strings.TrimSpace(query)).Info("statement trace")
	}
}

// execConn runs |query| (which may hold multiple statements) on the raw
// engine connection, discarding any rows.
func execConn(ctx context.Context, conn *sqlite3.SQLiteConn, query string) error {
	traceStmt(query)
	var _, err = conn.ExecContext(ctx, query, nil)
	return err
}

// queryConn runs a single read statement and collects its full result.
func queryConn(ctx context.Context, conn *sqlite3.SQLiteConn, query string) (*Result, error) {
	traceStmt(query)
	var rows, err = conn.QueryContext(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out = &Result{Columns: rows.Columns()}
	var dest = make([]driver.Value, len(out.Columns))
	for {
		if err = rows.Next(dest); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		var row = make([]string, len(dest))
		for i, v := range dest {
			row[i] = valueToString(v)
		}
		out.Rows = append(out.Rows, row)
	}
}

// sq renders a string as a single-quoted SQL literal.
func sq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
