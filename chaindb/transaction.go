package chaindb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.chainsql.dev/core/metrics"
)

// TransactionType selects when a transaction takes the commit lock.
type TransactionType int

const (
	// TransactionShared defers taking the commit lock until Prepare.
	TransactionShared TransactionType = iota
	// TransactionExclusive takes the commit lock at Begin, holding it for the
	// whole transaction. No other Handle can enter Prepare until it ends.
	TransactionExclusive
)

// hashChain computes the journal hash of a transaction: the hex SHA-1 of the
// previous commit's hash concatenated with this transaction's query text.
func hashChain(prevHash, query string) string {
	var sum = sha1.Sum([]byte(prevHash + query))
	return hex.EncodeToString(sum[:])
}

// WaitForCheckpoint blocks while a restart checkpoint worker is quiescing the
// database. Callers which serialize their Begins against checkpointing invoke
// it immediately before Begin; Begin itself does not wait.
func (h *Handle) WaitForCheckpoint() {
	h.shared.blockNewTransactions.RLock()
	h.shared.blockNewTransactions.RUnlock()
}

// Begin opens a transaction. The commit count observed at this point is
// recorded as DBCountAtStart; it is read without the commit lock and may lag
// a concurrent commit by one, which is safe (a follower may merely wait for
// one extra transaction).
func (h *Handle) Begin(typ TransactionType) error {
	if h.insideTransaction {
		return errors.New("already inside a transaction")
	}
	if typ == TransactionExclusive {
		h.shared.commitLock.Lock()
		h.mutexLocked = true
	}
	h.shared.transactionBegan()

	// Reset before the BEGIN, as the statement itself may set these.
	h.abandonForCheckpoint.Store(false)
	h.autoRolledBack = false

	var before = time.Now()
	var err = execConn(context.Background(), h.conn, beginStatement(h.beginConcurrentUnsupported))
	if err != nil && !h.beginConcurrentUnsupported && isSyntaxErr(err) {
		// Engine built without the begin-concurrent patch. Fall back to a
		// plain BEGIN: conflicts then surface as blocking at write time
		// rather than at Commit.
		log.WithField("path", h.filename).
			Warn("engine does not support BEGIN CONCURRENT; using BEGIN")
		h.beginConcurrentUnsupported = true
		err = execConn(context.Background(), h.conn, beginStatement(true))
	}
	if err != nil {
		h.shared.transactionEnded()
		if h.mutexLocked {
			h.mutexLocked = false
			h.shared.commitLock.Unlock()
		}
		return errors.WithMessage(err, "starting transaction")
	}

	h.insideTransaction = true
	h.dbCountAtStart = h.shared.commitCount.Load()
	h.queryCache.Purge()
	h.queryCount = 0
	h.cacheHits = 0
	h.beginElapsed = time.Since(before)
	h.readElapsed = 0
	h.writeElapsed = 0
	h.prepareElapsed = 0
	h.commitElapsed = 0
	h.rollbackElapsed = 0
	return nil
}

func beginStatement(fallback bool) string {
	if fallback {
		return "BEGIN;"
	}
	return "BEGIN CONCURRENT;"
}

// Read executes a read-only query and returns its full result. Results of
// deterministic queries are cached by exact query text until the next write
// or transaction completion. Read surfaces pending timeout or
// checkpoint-required failures.
func (h *Handle) Read(query string) (*Result, error) {
	var before = time.Now()
	defer func() { h.readElapsed += time.Since(before) }()

	h.queryCount++
	if cached, ok := h.queryCache.Get(query); ok {
		h.cacheHits++
		metrics.ChainsqlQueryCacheHitsTotal.Inc()
		return cached.(*Result), nil
	}

	h.isDeterministicQuery = true
	var ctx, release = h.stmtContext()
	var result, qerr = queryConn(ctx, h.conn, query)
	release()

	if qerr == nil && h.isDeterministicQuery {
		h.queryCache.Add(query, result)
	}
	if err := h.checkInterruptErrors("read"); err != nil {
		return nil, err
	}
	if qerr != nil {
		return nil, errors.WithMessage(qerr, "read query")
	}
	return result, nil
}

// ReadValue executes a read-only query and returns the first column of its
// first row, or "" when the result is empty.
func (h *Handle) ReadValue(query string) (string, error) {
	var result, err = h.Read(query)
	if err != nil {
		return "", err
	}
	return result.FirstValue(), nil
}

// Write executes a mutating statement. In noop-update mode, non-idempotent
// writes are skipped (and loudly logged): only WriteIdempotent statements
// run while a follower is replaying idempotent traffic.
func (h *Handle) Write(query string) error {
	if h.noopUpdateMode {
		log.WithField("query", query).Error("skipping non-idempotent write in noop-update mode")
		return nil
	}
	return h.writeIdempotent(query, false)
}

// WriteIdempotent executes a mutating statement regardless of noop-update
// mode.
func (h *Handle) WriteIdempotent(query string) error {
	return h.writeIdempotent(query, false)
}

// WriteUnmodified executes a mutating statement and always records it in the
// uncommitted-query buffer, even if the engine reports it changed nothing.
func (h *Handle) WriteUnmodified(query string) error {
	return h.writeIdempotent(query, true)
}

func (h *Handle) writeIdempotent(query string, alwaysKeepQuery bool) error {
	if !h.insideTransaction {
		return errors.New("write outside of a transaction")
	}
	h.queryCache.Purge()
	h.queryCount++

	// Capture schema version and total changes to detect no-op statements,
	// which are not recorded for replication.
	var schemaBefore, changesBefore, err = h.writeState()
	if err != nil {
		return err
	}

	var before = time.Now()
	var usedRewritten bool
	var ctx, release = h.stmtContext()
	var werr = execConn(ctx, h.conn, query)
	if h.rewriteEnabled && isAuthErr(werr) {
		// The rewrite handler replaced the statement; run its version.
		h.currentlyRunningRewritten = true
		werr = execConn(ctx, h.conn, h.rewrittenQuery)
		usedRewritten = true
		h.currentlyRunningRewritten = false
	}
	release()
	h.writeElapsed += time.Since(before)

	if err = h.checkInterruptErrors("write"); err != nil {
		return err
	}
	if werr != nil {
		return errors.WithMessage(werr, "write query")
	}

	schemaAfter, changesAfter, err := h.writeState()
	if err != nil {
		return err
	}
	if alwaysKeepQuery || schemaAfter > schemaBefore || changesAfter > changesBefore {
		if usedRewritten {
			h.uncommittedQuery += h.rewrittenQuery
		} else {
			h.uncommittedQuery += query
		}
	}

	h.walCheck()
	return nil
}

// writeState reads the schema version and cumulative change count.
func (h *Handle) writeState() (schemaVersion, totalChanges uint64, err error) {
	var result *Result
	if result, err = queryConn(context.Background(), h.conn, "PRAGMA schema_version;"); err != nil {
		return 0, 0, errors.WithMessage(err, "reading schema_version")
	}
	schemaVersion = mustParseUint(result.FirstValue())

	if result, err = queryConn(context.Background(), h.conn, "SELECT total_changes();"); err != nil {
		return 0, 0, errors.WithMessage(err, "reading total_changes")
	}
	return schemaVersion, mustParseUint(result.FirstValue()), nil
}

// Prepare serializes this transaction into the commit order: it takes the
// commit lock (unless Begin already did), assigns the next commit id, and
// inserts the journal row carrying the chained hash. The lock is retained
// through Commit, or released by Rollback.
func (h *Handle) Prepare() error {
	if !h.insideTransaction {
		return errors.New("prepare outside of a transaction")
	}
	if !h.mutexLocked {
		h.shared.commitLock.Lock()
		h.mutexLocked = true
	}

	// The commit lock guards these reads: no other Handle can advance them.
	var commitCount = h.shared.commitCount.Load()
	var lastCommittedHash = h.shared.committedHash()
	h.uncommittedHash = hashChain(lastCommittedHash, h.uncommittedQuery)

	var before = time.Now()
	var query = "INSERT INTO " + h.journalName + " VALUES (" +
		strconv.FormatUint(commitCount+1, 10) + ", " +
		sq(h.uncommittedQuery) + ", " + sq(h.uncommittedHash) + " )"

	h.shared.prepareTransactionInfo(commitCount+1, h.uncommittedQuery, h.uncommittedHash, h.dbCountAtStart)
	h.preparedCommitID = commitCount + 1

	var err = execConn(context.Background(), h.conn, query)
	h.prepareElapsed += time.Since(before)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "query": h.uncommittedQuery}).
			Warn("unable to prepare transaction; rolling back")
		_ = h.Rollback()
		return errors.WithMessage(err, "updating journal")
	}
	return nil
}

// Commit attempts to commit a Prepared transaction. It returns nil on
// success, or ErrConflict when the engine detected a write-set conflict; on
// conflict the commit lock is still held and the caller must Rollback. Any
// other engine failure is fatal: the commit pipeline's invariants cannot be
// recovered locally.
func (h *Handle) Commit() error {
	if !h.insideTransaction {
		return errors.New("commit outside of a transaction")
	}
	if h.uncommittedHash == "" {
		return errors.New("commit without prepare")
	}

	var trimmed bool
	if h.journalSize+1 > h.maxJournalSize {
		if err := h.trimJournal(); err != nil {
			log.WithFields(log.Fields{"err": err, "table": h.journalName}).
				Fatal("failed to trim journal")
		}
		metrics.ChainsqlJournalTrimTotal.Inc()
		trimmed = true
	}

	var before = time.Now()
	var err error
	if h.commitExec != nil {
		err = h.commitExec()
	} else {
		err = execConn(context.Background(), h.conn, "COMMIT;")
	}

	// Re-armed on any completion of the transaction, successful or not.
	defer h.enableCheckpointInterrupt.Store(true)

	if err != nil {
		if isConflictErr(err) {
			metrics.ChainsqlConflictCountTotal.Inc()
			log.WithField("path", h.filename).Info("commit conflict; waiting for rollback")
			// The commit lock remains held until Rollback.
			return ErrConflict
		}
		log.WithFields(log.Fields{"path": h.filename, "err": err}).
			Fatal("unexpected engine error committing transaction")
	}

	h.commitElapsed += time.Since(before)
	if !trimmed {
		h.journalSize++
	}
	h.shared.incrementCommit(h.uncommittedHash)
	metrics.ChainsqlCommitCountTotal.Inc()

	if h.cfg.PageLogging {
		h.logCommitStats()
	}

	h.insideTransaction = false
	h.uncommittedHash = ""
	h.uncommittedQuery = ""
	h.preparedCommitID = 0
	h.mutexLocked = false
	h.shared.commitLock.Unlock()
	h.queryCache.Purge()

	// Wake the checkpoint worker, if one is draining.
	h.shared.transactionEnded()

	// Track WAL growth, and checkpoint passively if no restart worker owns
	// the WAL right now.
	h.updateWALPageCount()
	if h.shared.checkpointThreadBusy.Load() == 0 {
		h.passiveCheckpoint()
	}
	h.maybeStartRestartCheckpoint()

	log.WithFields(log.Fields{
		"commit":    h.shared.commitCount.Load(),
		"queries":   h.queryCount,
		"cacheHits": h.cacheHits,
	}).Debug("transaction committed")
	h.queryCount = 0
	h.cacheHits = 0
	h.dbCountAtStart = 0
	return nil
}

// Rollback abandons the open transaction, releasing the commit lock if held.
// It is a no-op (with a log) outside of a transaction.
func (h *Handle) Rollback() error {
	var err error
	if h.insideTransaction {
		if h.autoRolledBack {
			log.WithField("path", h.filename).
				Info("transaction was automatically rolled back; not sending ROLLBACK")
			h.autoRolledBack = false
		} else {
			var before = time.Now()
			if err = execConn(context.Background(), h.conn, "ROLLBACK;"); err != nil {
				log.WithFields(log.Fields{"path": h.filename, "err": err}).
					Warn("ROLLBACK failed")
				err = errors.WithMessage(err, "rolling back transaction")
			}
			h.rollbackElapsed += time.Since(before)
		}

		h.insideTransaction = false
		h.uncommittedHash = ""
		h.uncommittedQuery = ""
		if h.preparedCommitID != 0 {
			h.shared.dropPreparedTransaction(h.preparedCommitID)
			h.preparedCommitID = 0
		}
		if h.mutexLocked {
			h.mutexLocked = false
			h.shared.commitLock.Unlock()
		}
		h.shared.transactionEnded()
	} else {
		log.WithField("path", h.filename).Info("rollback outside of a transaction; ignoring")
	}

	h.queryCache.Purge()
	h.queryCount = 0
	h.cacheHits = 0
	h.dbCountAtStart = 0
	h.enableCheckpointInterrupt.Store(true)
	return err
}

// LastInsertRowID returns the rowid of the last successful INSERT on this
// connection.
func (h *Handle) LastInsertRowID() (int64, error) {
	var result, err = queryConn(context.Background(), h.conn, "SELECT last_insert_rowid();")
	if err != nil {
		return 0, errors.WithMessage(err, "reading last_insert_rowid")
	}
	var v, perr = strconv.ParseInt(result.FirstValue(), 10, 64)
	return v, perr
}

// LastWriteChangeCount returns the number of rows changed by the most recent
// statement.
func (h *Handle) LastWriteChangeCount() (int, error) {
	var result, err = queryConn(context.Background(), h.conn, "SELECT changes();")
	if err != nil {
		return 0, errors.WithMessage(err, "reading changes")
	}
	var v, perr = strconv.Atoi(result.FirstValue())
	return v, perr
}

// SetUpdateNoopMode toggles the engine's noop-update mode, in which UPDATE
// statements that change nothing are detected as no-ops. The pragma itself is
// recorded for replication when inside a transaction.
func (h *Handle) SetUpdateNoopMode(enabled bool) error {
	if h.noopUpdateMode == enabled {
		return nil
	}
	var setting = "OFF"
	if enabled {
		setting = "ON"
	}
	var query = "PRAGMA noop_update=" + setting + ";"
	if err := execConn(context.Background(), h.conn, query); err != nil {
		return errors.WithMessage(err, "setting noop-update mode")
	}
	h.noopUpdateMode = enabled

	if h.insideTransaction {
		h.uncommittedQuery += query
	}
	return nil
}

// UpdateNoopMode returns whether noop-update mode is on.
func (h *Handle) UpdateNoopMode() bool { return h.noopUpdateMode }
