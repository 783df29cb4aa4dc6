package chaindb

import (
	"strings"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// RewriteHandler inspects a statement parse action and may substitute a
// rewritten statement for the one being executed. It returns the rewritten
// query text and true to trigger substitution: the original statement is then
// denied by the authorizer, and the write path re-executes the rewritten
// text.
type RewriteHandler func(actionCode int, detail string) (rewritten string, ok bool)

// EnableRewrite toggles rewrite handling for this Handle.
func (h *Handle) EnableRewrite(enable bool) { h.rewriteEnabled = enable }

// SetRewriteHandler installs the per-handle rewrite handler.
func (h *Handle) SetRewriteHandler(fn RewriteHandler) { h.rewriteHandler = fn }

// SetColumnWhitelist installs a table -> columns whitelist enforced on reads.
// While installed, schema mutation and DML are denied outright, and reads of
// columns outside the whitelist are nulled out (the engine substitutes NULL
// for ignored columns). A nil map clears the whitelist.
func (h *Handle) SetColumnWhitelist(whitelist map[string][]string) {
	// Cached results reflect the old policy.
	h.queryCache.Purge()

	if whitelist == nil {
		h.whitelist = nil
		return
	}
	h.whitelist = make(map[string]map[string]struct{}, len(whitelist))
	for table, columns := range whitelist {
		var set = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			set[c] = struct{}{}
		}
		h.whitelist[table] = set
	}
}

// SQLITE_RECURSIVE is not exported by the driver.
const sqliteActionRecursive = 33

// Functions whose results depend on more than their inputs. A query invoking
// any of these is never cached.
var nonDeterministicFuncs = map[string]struct{}{
	"random":            {},
	"date":              {},
	"time":              {},
	"datetime":          {},
	"julianday":         {},
	"strftime":          {},
	"changes":           {},
	"last_insert_rowid": {},
	"sqlite3_version":   {},
}

// authorize is invoked by the engine once per statement parse action. It
// drives three policies: rewrite substitution, non-deterministic query
// classification, and the column whitelist.
func (h *Handle) authorize(action int, detail1, detail2, detail3 string) int {
	if h.rewriteEnabled && !h.currentlyRunningRewritten && h.rewriteHandler != nil {
		if rewritten, ok := h.rewriteHandler(action, detail1); ok {
			h.rewrittenQuery = rewritten
			return sqlite3.SQLITE_DENY
		}
	}

	if action == sqlite3.SQLITE_FUNCTION && detail2 != "" {
		if _, ok := nonDeterministicFuncs[detail2]; ok {
			h.isDeterministicQuery = false
		}
	}

	if h.whitelist == nil {
		return sqlite3.SQLITE_OK
	}

	switch action {
	case sqlite3.SQLITE_CREATE_INDEX,
		sqlite3.SQLITE_CREATE_TABLE,
		sqlite3.SQLITE_CREATE_TEMP_INDEX,
		sqlite3.SQLITE_CREATE_TEMP_TABLE,
		sqlite3.SQLITE_CREATE_TEMP_TRIGGER,
		sqlite3.SQLITE_CREATE_TEMP_VIEW,
		sqlite3.SQLITE_CREATE_TRIGGER,
		sqlite3.SQLITE_CREATE_VIEW,
		sqlite3.SQLITE_DELETE,
		sqlite3.SQLITE_DROP_INDEX,
		sqlite3.SQLITE_DROP_TABLE,
		sqlite3.SQLITE_DROP_TEMP_INDEX,
		sqlite3.SQLITE_DROP_TEMP_TABLE,
		sqlite3.SQLITE_DROP_TEMP_TRIGGER,
		sqlite3.SQLITE_DROP_TEMP_VIEW,
		sqlite3.SQLITE_DROP_TRIGGER,
		sqlite3.SQLITE_DROP_VIEW,
		sqlite3.SQLITE_INSERT,
		sqlite3.SQLITE_TRANSACTION,
		sqlite3.SQLITE_UPDATE,
		sqlite3.SQLITE_ATTACH,
		sqlite3.SQLITE_DETACH,
		sqlite3.SQLITE_ALTER_TABLE,
		sqlite3.SQLITE_REINDEX,
		sqlite3.SQLITE_CREATE_VTABLE,
		sqlite3.SQLITE_DROP_VTABLE,
		sqlite3.SQLITE_SAVEPOINT,
		sqlite3.SQLITE_COPY,
		sqliteActionRecursive:
		return sqlite3.SQLITE_DENY

	case sqlite3.SQLITE_SELECT,
		sqlite3.SQLITE_ANALYZE,
		sqlite3.SQLITE_FUNCTION:
		return sqlite3.SQLITE_OK

	case sqlite3.SQLITE_PRAGMA:
		// schema_version reads are required by the write path itself. A
		// non-empty detail2 means the caller is assigning the pragma, which
		// can corrupt the database and is always denied.
		if strings.ToLower(detail1) == "schema_version" && detail2 == "" {
			return sqlite3.SQLITE_OK
		}
		return sqlite3.SQLITE_DENY

	case sqlite3.SQLITE_READ:
		if columns, ok := h.whitelist[detail1]; ok {
			if _, ok = columns[detail2]; ok {
				return sqlite3.SQLITE_OK
			}
		}
		log.WithFields(log.Fields{"table": detail1, "column": detail2}).
			Warn("[security] read of non-whitelisted column")
		return sqlite3.SQLITE_IGNORE
	}
	return sqlite3.SQLITE_DENY
}
