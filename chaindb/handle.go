package chaindb

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// queryCacheSize bounds the per-transaction result cache. The cache is purged
// on every write and transaction completion, so the bound only matters for
// pathological read-heavy transactions.
const queryCacheSize = 4096

// Handle is a per-goroutine wrapper of one engine connection. Handles of the
// same database file, built from the same Manager, coordinate commits through
// shared state. A Handle is not safe for concurrent use.
type Handle struct {
	manager  *Manager
	cfg      Config
	filename string
	conn     *sqlite3.SQLiteConn
	shared   *sharedState
	pageSize int64

	journalNames   []string
	journalName    string
	journalSize    uint64
	maxJournalSize uint64

	// Transaction state.
	insideTransaction bool
	uncommittedQuery  string
	uncommittedHash   string
	mutexLocked       bool
	preparedCommitID  uint64
	dbCountAtStart    uint64
	autoRolledBack    bool

	// Query cache and counters.
	queryCache           *lru.Cache
	queryCount           int
	cacheHits            int
	isDeterministicQuery bool

	// Modes and policy hooks.
	noopUpdateMode            bool
	rewriteEnabled            bool
	rewriteHandler            RewriteHandler
	rewrittenQuery            string
	currentlyRunningRewritten bool
	whitelist                 map[string]map[string]struct{}

	// Interrupt state, shared with per-statement watcher goroutines.
	abandonForCheckpoint      atomic.Bool
	enableCheckpointInterrupt atomic.Bool
	timeoutStart              time.Time
	timeoutLimit              time.Time
	timeoutErrorUS            atomic.Int64

	// Per-transaction timing.
	beginElapsed    time.Duration
	readElapsed     time.Duration
	writeElapsed    time.Duration
	prepareElapsed  time.Duration
	commitElapsed   time.Duration
	rollbackElapsed time.Duration

	// destructorMu is co-held by a restart checkpoint worker which captured
	// this Handle. Close takes it first, so the connection cannot be closed
	// out from under the worker.
	destructorMu sync.Mutex

	// commitExec, when set, replaces the COMMIT statement. Tests use it to
	// exercise engine conflict outcomes which a stock engine build (plain
	// BEGIN fallback) cannot reach at commit time.
	commitExec func() error

	// beginConcurrentUnsupported is latched when the engine rejects
	// BEGIN CONCURRENT (a build without the begin-concurrent patch); plain
	// BEGIN is then used, trading commit-time conflict detection for
	// write-time blocking.
	beginConcurrentUnsupported bool
}

// New opens a Handle of |cfg.Filename|, creating the database and its journal
// tables as needed. The first Handle of a file writes to the unsuffixed
// "journal" table; use Fork for further Handles.
func New(m *Manager, cfg Config) (*Handle, error) {
	if cfg.Filename == "" {
		return nil, errors.New("a database filename is required")
	}
	if cfg.CacheSizeKB <= 0 {
		return nil, errors.New("CacheSizeKB must be positive")
	}
	if cfg.MaxJournalSize == 0 {
		return nil, errors.New("MaxJournalSize must be positive")
	}
	return newHandle(m, cfg, -1)
}

// Fork opens another Handle of the same database. The new Handle writes to a
// suffixed journal table chosen round-robin, so concurrent committers insert
// into distinct tables.
func (h *Handle) Fork() (*Handle, error) {
	var n = int(h.shared.nextJournalCount.Add(1) - 1)
	var idx = 0
	if len(h.journalNames) > 1 {
		// Rotate over the suffixed tables only; table 0 ("journal") belongs
		// to the first Handle.
		idx = n%(len(h.journalNames)-1) + 1
	}
	return newHandle(h.manager, h.cfg, idx)
}

func newHandle(m *Manager, cfg Config, journalIndex int) (*Handle, error) {
	var filename, err = resolveFilename(cfg.Filename)
	if err != nil {
		return nil, err
	}
	conn, err := openEngine(filename, cfg)
	if err != nil {
		return nil, err
	}
	journalNames, err := initJournal(conn, cfg.MinJournalTables)
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithMessage(err, "initializing journal tables")
	}

	var shared = m.sharedStateFor(filename, conn, journalNames)

	journalSize, err := initJournalSize(conn, journalNames)
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithMessage(err, "sizing journal")
	}
	pageSize, err := enginePageSize(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if journalIndex < 0 {
		journalIndex = 0
	}
	if journalIndex >= len(journalNames) {
		journalIndex = 0
	}

	var cache, _ = lru.New(queryCacheSize)
	var h = &Handle{
		manager:        m,
		cfg:            cfg,
		filename:       filename,
		conn:           conn,
		shared:         shared,
		pageSize:       pageSize,
		journalNames:   journalNames,
		journalName:    journalNames[journalIndex],
		journalSize:    journalSize,
		maxJournalSize: cfg.MaxJournalSize,
		queryCache:     cache,
	}
	h.enableCheckpointInterrupt.Store(true)

	conn.RegisterAuthorizer(h.authorize)

	log.WithFields(log.Fields{
		"path":    filename,
		"journal": h.journalName,
		"commits": shared.commitCount.Load(),
	}).Info("database handle ready")
	return h, nil
}

// Close rolls back any open transaction and closes the engine connection.
// It blocks while a restart checkpoint worker is using this Handle.
func (h *Handle) Close() error {
	h.destructorMu.Lock()
	defer h.destructorMu.Unlock()

	if h.uncommittedQuery != "" || h.insideTransaction {
		log.WithField("path", h.filename).Info("rolling back open transaction on close")
		if err := h.Rollback(); err != nil {
			log.WithFields(log.Fields{"path": h.filename, "err": err}).
				Warn("rollback on close failed")
		}
	}
	log.WithField("path", h.filename).Info("closing database")
	return errors.WithMessage(h.conn.Close(), "closing engine connection")
}

// Filename returns the canonical database path of this Handle.
func (h *Handle) Filename() string { return h.filename }

// JournalTable returns the journal table this Handle inserts into.
func (h *Handle) JournalTable() string { return h.journalName }

// InsideTransaction returns whether a transaction is open.
func (h *Handle) InsideTransaction() bool { return h.insideTransaction }

// CommitCount returns the highest committed journal id of the database.
func (h *Handle) CommitCount() uint64 { return h.shared.commitCount.Load() }

// CommittedHash returns the hash of the last committed transaction.
func (h *Handle) CommittedHash() string { return h.shared.committedHash() }

// DBCountAtStart returns the commit count observed when the open transaction
// began.
func (h *Handle) DBCountAtStart() uint64 { return h.dbCountAtStart }

// PopCommittedTransactions returns and clears the committed-transaction
// records accumulated since the last pop, keyed by commit id.
func (h *Handle) PopCommittedTransactions() map[uint64]CommittedTransaction {
	return h.shared.popCommittedTransactions()
}

// AddCheckpointListener registers |l| for restart checkpoint notifications.
func (h *Handle) AddCheckpointListener(l CheckpointListener) {
	h.shared.addCheckpointListener(l)
}

// RemoveCheckpointListener removes |l|.
func (h *Handle) RemoveCheckpointListener(l CheckpointListener) {
	h.shared.removeCheckpointListener(l)
}

// SetCheckpointInterrupt controls whether a restart checkpoint may interrupt
// this Handle's transaction. It is re-armed (true) on every commit or
// rollback; disable it per-command for work that must not be interrupted.
func (h *Handle) SetCheckpointInterrupt(enabled bool) {
	h.enableCheckpointInterrupt.Store(enabled)
}

// LastTransactionTiming reports the phase timings of the last transaction.
func (h *Handle) LastTransactionTiming() (begin, read, write, prepare, commit, rollback time.Duration) {
	return h.beginElapsed, h.readElapsed, h.writeElapsed,
		h.prepareElapsed, h.commitElapsed, h.rollbackElapsed
}
