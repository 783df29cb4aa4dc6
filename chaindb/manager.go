package chaindb

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Manager owns the registry of per-file shared state. All Handles which must
// coordinate (same database file) must be built from the same Manager.
// Typically a process uses one Manager for its lifetime; tests construct
// isolated instances.
type Manager struct {
	mu     sync.Mutex
	shared map[string]*sharedState
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{shared: make(map[string]*sharedState)}
}

// CommittedTransaction is the journal record of a transaction which passed
// through Prepare on some Handle of this process.
type CommittedTransaction struct {
	// Query is the concatenated effective writes of the transaction.
	Query string
	// Hash is SHA1(previousHash || Query), rendered as lowercase hex.
	Hash string
	// DBCountAtStart is the commit count observed when the transaction began.
	DBCountAtStart uint64
}

// CheckpointListener is notified by the restart checkpoint worker. Callbacks
// run on the worker goroutine while internal state is locked: listeners must
// not re-enter the Handle, and should interrupt or stop issuing long
// transactions when CheckpointRequired fires.
type CheckpointListener interface {
	CheckpointRequired(h *Handle)
	CheckpointComplete(h *Handle)
}

// sharedState is the singleton (per Manager, per canonical filename) record
// coordinating all Handles of one database file.
type sharedState struct {
	// commitCount is the highest committed journal id. Read without the
	// commit lock by Begin (acceptable staleness); advanced only while the
	// commit lock is held.
	commitCount atomic.Uint64
	// lastCommittedHash holds the hex hash of the last committed transaction.
	lastCommittedHash atomic.Value // string

	// commitLock serializes the PREPARE -> COMMIT window across Handles.
	commitLock sync.Mutex

	// blockNewTransactions is held exclusively by the restart checkpoint
	// worker, and in shared mode by WaitForCheckpoint callers.
	blockNewTransactions sync.RWMutex

	// notifyWaitMu guards currentTransactionCount; drainCV signals waiters
	// (the checkpoint worker) whenever the count changes.
	notifyWaitMu            sync.Mutex
	drainCV                 *sync.Cond
	currentTransactionCount int

	checkpointThreadBusy atomic.Int32
	currentPageCount     atomic.Int64
	nextJournalCount     atomic.Uint64

	// interruptMu guards interruptCh, which is non-nil and eventually closed
	// while a restart checkpoint wants in-flight transactions to abandon.
	interruptMu sync.Mutex
	interruptCh chan struct{}

	internalStateMu       sync.Mutex
	preparedTransactions  map[uint64]CommittedTransaction
	committedTransactions map[uint64]CommittedTransaction
	checkpointListeners   map[CheckpointListener]struct{}
}

func newSharedState() *sharedState {
	var s = &sharedState{
		preparedTransactions:  make(map[uint64]CommittedTransaction),
		committedTransactions: make(map[uint64]CommittedTransaction),
		checkpointListeners:   make(map[CheckpointListener]struct{}),
	}
	s.drainCV = sync.NewCond(&s.notifyWaitMu)
	s.lastCommittedHash.Store("")
	return s
}

// sharedStateFor returns the sharedState of |filename|, seeding a new one
// from the journal tables on first touch.
func (m *Manager) sharedStateFor(filename string, conn *sqlite3.SQLiteConn, journalNames []string) *sharedState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.shared[filename]; ok {
		return s
	}
	var s = newSharedState()

	// Read the highest committed id across every journal table, and the hash
	// of that transaction, to seed the chain.
	var query = "SELECT MAX(maxIDs) FROM (" +
		journalQuery(journalNames, []string{"SELECT MAX(id) as maxIDs FROM"}, true) + ")"
	var result, err = queryConn(context.Background(), conn, query)
	if err != nil {
		log.WithFields(log.Fields{"path": filename, "err": err}).
			Fatal("failed to read commit count from journal")
	}
	var commitCount uint64
	if !result.Empty() && result.FirstValue() != "" {
		commitCount = mustParseUint(result.FirstValue())
	}
	s.commitCount.Store(commitCount)

	var _, hash = getCommit(conn, journalNames, commitCount)
	s.lastCommittedHash.Store(hash)

	if commitCount != 0 && hash == "" {
		log.WithFields(log.Fields{"path": filename, "commitCount": commitCount}).
			Fatal("journal has a commit count but no hash for it")
	}

	m.shared[filename] = s
	return s
}

func (s *sharedState) addCheckpointListener(l CheckpointListener) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	s.checkpointListeners[l] = struct{}{}
}

func (s *sharedState) removeCheckpointListener(l CheckpointListener) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	delete(s.checkpointListeners, l)
}

func (s *sharedState) checkpointRequired(h *Handle) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	for l := range s.checkpointListeners {
		l.CheckpointRequired(h)
	}
}

func (s *sharedState) checkpointComplete(h *Handle) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	for l := range s.checkpointListeners {
		l.CheckpointComplete(h)
	}
}

// incrementCommit advances the commit counter and hash, and moves the
// prepared record of the new commit into the committed map. The caller holds
// the commit lock.
func (s *sharedState) incrementCommit(hash string) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	var id = s.commitCount.Add(1)
	if txn, ok := s.preparedTransactions[id]; ok {
		delete(s.preparedTransactions, id)
		s.committedTransactions[id] = txn
	}
	s.lastCommittedHash.Store(hash)
}

func (s *sharedState) prepareTransactionInfo(id uint64, query, hash string, dbCountAtStart uint64) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	s.preparedTransactions[id] = CommittedTransaction{
		Query:          query,
		Hash:           hash,
		DBCountAtStart: dbCountAtStart,
	}
}

func (s *sharedState) dropPreparedTransaction(id uint64) {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	delete(s.preparedTransactions, id)
}

func (s *sharedState) popCommittedTransactions() map[uint64]CommittedTransaction {
	s.internalStateMu.Lock()
	defer s.internalStateMu.Unlock()
	var out = s.committedTransactions
	s.committedTransactions = make(map[uint64]CommittedTransaction)
	return out
}

func (s *sharedState) committedHash() string {
	return s.lastCommittedHash.Load().(string)
}

// transactionBegan and transactionEnded maintain the in-flight transaction
// count watched by the restart checkpoint worker.
func (s *sharedState) transactionBegan() {
	s.notifyWaitMu.Lock()
	s.currentTransactionCount++
	s.notifyWaitMu.Unlock()
	s.drainCV.Signal()
}

func (s *sharedState) transactionEnded() {
	s.notifyWaitMu.Lock()
	s.currentTransactionCount--
	s.notifyWaitMu.Unlock()
	s.drainCV.Signal()
}

// beginInterrupt arms the interrupt channel which statement watchers select
// on. endInterrupt disarms it.
func (s *sharedState) beginInterrupt() {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	var ch = make(chan struct{})
	close(ch)
	s.interruptCh = ch
}

func (s *sharedState) endInterrupt() {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	s.interruptCh = nil
}

// interruptSignal returns a channel which is closed while a restart
// checkpoint wants in-flight transactions to abandon, or nil.
func (s *sharedState) interruptSignal() <-chan struct{} {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	return s.interruptCh
}
