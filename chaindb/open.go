package chaindb

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config are the construction parameters of a Handle. Fork copies the Config
// of the forked Handle.
type Config struct {
	// Filename of the database, created if absent. The literal ":memory:" is
	// legal only with a single Handle (not enforced).
	Filename string
	// CacheSizeKB is the engine page-cache size, in kilobytes.
	CacheSizeKB int
	// MaxJournalSize is the soft cap on journal rows, above which each
	// committing Handle trims its own journal table.
	MaxJournalSize uint64
	// MinJournalTables is the highest suffix of the journal tables to create:
	// "journal" and "journal0000" through journal%04d of MinJournalTables.
	MinJournalTables int
	// Synchronous, when non-empty, is applied as PRAGMA synchronous.
	Synchronous string
	// MmapSizeGB enables memory-mapped I/O of that size. Zero disables.
	MmapSizeGB int64
	// PageLogging enables verbose per-commit page and WAL statistics.
	PageLogging bool
}

// resolveFilename canonicalizes the database filename, which keys the shared
// state registry. ":memory:" passes through: a memory database has no shared
// file and is legal only with a single Handle.
func resolveFilename(filename string) (string, error) {
	if filename == ":memory:" {
		return filename, nil
	}
	var abs, err = filepath.Abs(filename)
	if err != nil {
		return "", errors.WithMessagef(err, "resolving path %q", filename)
	}
	// The file may not exist yet. Canonicalize its directory instead.
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", errors.WithMessagef(err, "resolving directory of %q", filename)
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

var sqliteDriver = &sqlite3.SQLiteDriver{}

// openEngine opens one raw engine connection to |filename|, applying the
// Config's pragmas. The connection has no internal mutex: a Handle is used by
// one goroutine at a time.
func openEngine(filename string, cfg Config) (*sqlite3.SQLiteConn, error) {
	if filename != ":memory:" {
		if _, err := os.Stat(filename); err == nil {
			log.WithField("path", filename).Info("opening database")
		} else {
			log.WithField("path", filename).Info("creating database")
		}
	}

	var v = url.Values{
		"_mutex":        {"no"},
		"_busy_timeout": {"10000"},
	}
	var dsn = "file:" + filename + "?" + v.Encode()

	var dc, err = sqliteDriver.Open(dsn)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening database %q", filename)
	}
	var conn = dc.(*sqlite3.SQLiteConn)

	var closeOnErr = func(err error) (*sqlite3.SQLiteConn, error) {
		_ = conn.Close()
		return nil, err
	}

	// legacy_file_format=OFF sets the default for new databases, and must run
	// before any table is created to be effective.
	var pragmas = []string{
		"PRAGMA legacy_file_format = OFF;",
		"PRAGMA journal_mode = WAL;",
	}
	if cfg.MmapSizeGB != 0 {
		pragmas = append(pragmas,
			"PRAGMA mmap_size = "+strconv.FormatInt(cfg.MmapSizeGB<<30, 10)+";")
	}
	// Negative cache_size is interpreted by the engine as KB rather than pages.
	pragmas = append(pragmas,
		"PRAGMA cache_size = -"+strconv.Itoa(cfg.CacheSizeKB)+";")
	if cfg.Synchronous != "" {
		pragmas = append(pragmas, "PRAGMA synchronous = "+cfg.Synchronous+";")
	} else {
		log.WithField("path", filename).Info("using engine default PRAGMA synchronous")
	}

	// Pragmas such as journal_mode return a row; run them all as queries and
	// discard the result.
	for _, p := range pragmas {
		if _, err = queryConn(context.Background(), conn, p); err != nil {
			return closeOnErr(errors.WithMessagef(err, "applying %q", p))
		}
	}
	return conn, nil
}

// enginePageSize reads the database page size, needed to derive WAL frame
// counts from the size of the -wal file.
func enginePageSize(conn *sqlite3.SQLiteConn) (int64, error) {
	var result, err = queryConn(context.Background(), conn, "PRAGMA page_size;")
	if err != nil || result.Empty() {
		return 0, errors.WithMessage(err, "reading page_size")
	}
	return int64(mustParseUint(result.FirstValue())), nil
}
