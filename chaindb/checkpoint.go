package chaindb

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"go.chainsql.dev/core/metrics"
)

// WAL sidecar file layout constants, used to derive the frame count from the
// file size.
const (
	walHeaderSize      = 32
	walFrameHeaderSize = 24
)

// walFrameCount derives the current WAL frame (page) count by stat'ing the
// -wal sidecar file. This stands in for the engine's WAL-full hook: it is
// consulted at every write and commit boundary, which is when the WAL grows.
func (h *Handle) walFrameCount() int64 {
	if h.filename == ":memory:" {
		return 0
	}
	var fi, err = os.Stat(h.filename + "-wal")
	if err != nil || fi.Size() <= walHeaderSize {
		return 0
	}
	return (fi.Size() - walHeaderSize) / (walFrameHeaderSize + h.pageSize)
}

func (h *Handle) walBytes() int64 {
	if h.filename == ":memory:" {
		return 0
	}
	var fi, err = os.Stat(h.filename + "-wal")
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (h *Handle) updateWALPageCount() {
	h.shared.currentPageCount.Store(h.walFrameCount())
}

// walCheck runs at write boundaries: it refreshes the shared WAL page count
// and starts a restart checkpoint worker once the WAL is past
// FullCheckpointPageMin.
func (h *Handle) walCheck() {
	h.updateWALPageCount()
	h.maybeStartRestartCheckpoint()
}

// passiveCheckpoint merges WAL frames back into the database without
// blocking writers. Run by the committing goroutine after a successful
// commit, when the WAL is past PassiveCheckpointPageMin and no restart
// worker owns the WAL.
func (h *Handle) passiveCheckpoint() {
	var pages = h.shared.currentPageCount.Load()
	if pages < PassiveCheckpointPageMin.Load() {
		return
	}
	var start = time.Now()
	var result, err = queryConn(context.Background(), h.conn, "PRAGMA wal_checkpoint(PASSIVE);")
	if err != nil {
		log.WithFields(log.Fields{"path": h.filename, "err": err}).
			Warn("passive checkpoint failed")
		return
	}
	metrics.ChainsqlCheckpointCountTotal.WithLabelValues("passive").Inc()
	log.WithFields(log.Fields{
		"path":    h.filename,
		"pages":   pages,
		"result":  result.Rows,
		"walSize": humanize.IBytes(uint64(h.walBytes())),
		"took":    time.Since(start),
	}).Info("passive checkpoint complete")
}

// maybeStartRestartCheckpoint spawns the restart checkpoint worker when the
// WAL is past FullCheckpointPageMin and no worker is already running. The
// worker captures this Handle and co-holds its destructor mutex, so Close
// blocks until the worker is done with the connection.
func (h *Handle) maybeStartRestartCheckpoint() {
	var pages = h.shared.currentPageCount.Load()
	if pages < FullCheckpointPageMin.Load() {
		return
	}
	if !h.shared.checkpointThreadBusy.CompareAndSwap(0, 1) {
		log.WithField("path", h.filename).
			Debug("not starting checkpoint worker; one is already running")
		return
	}
	log.WithFields(log.Fields{"path": h.filename, "pages": pages}).
		Info("WAL past threshold; beginning restart checkpoint")

	// The destructor mutex is taken here, on the spawning goroutine, so that
	// there is no window in which Close could free the connection before the
	// worker starts. The worker releases it.
	h.destructorMu.Lock()
	go h.restartCheckpointWorker()
}

// restartCheckpointWorker blocks new transactions, asks in-flight ones to
// abandon, and runs a RESTART checkpoint once the database has drained (or
// gives up, if concurrent passive checkpoints emptied the WAL meanwhile).
func (h *Handle) restartCheckpointWorker() {
	defer h.destructorMu.Unlock()
	var s = h.shared
	var start = time.Now()

	// Cleared on exit after the coordinator's locks are released, so the next
	// worker observes a fully released coordinator.
	defer s.checkpointThreadBusy.Store(0)

	// Holding this exclusively parks every WaitForCheckpoint caller.
	s.blockNewTransactions.Lock()
	defer s.blockNewTransactions.Unlock()

	// Arm cooperative interruption of in-flight statements.
	s.beginInterrupt()
	defer s.endInterrupt()

	s.notifyWaitMu.Lock()
	defer s.notifyWaitMu.Unlock()

	for {
		var count = s.currentTransactionCount
		var pages = s.currentPageCount.Load()

		// A passive checkpoint may have drained the WAL after this worker
		// started; requiring half the threshold prevents bouncing off the
		// full-checkpoint check on every loop.
		if pages < FullCheckpointPageMin.Load()/2 {
			log.WithFields(log.Fields{"path": h.filename, "pages": pages}).
				Info("WAL drained below half threshold; exiting checkpoint loop")
			return
		}
		log.WithFields(log.Fields{"path": h.filename, "transactions": count}).
			Info("waiting on remaining transactions before checkpoint")
		s.checkpointRequired(h)

		if count == 0 {
			var cpStart = time.Now()
			log.WithFields(log.Fields{
				"path":   h.filename,
				"waited": cpStart.Sub(start),
			}).Info("pending transactions drained; starting restart checkpoint")

			// TRUNCATE is RESTART plus zeroing the -wal file, which also
			// resets the file-size-derived page count.
			var result, err = queryConn(context.Background(), h.conn, "PRAGMA wal_checkpoint(TRUNCATE);")
			if err != nil {
				log.WithFields(log.Fields{"path": h.filename, "err": err}).
					Warn("restart checkpoint failed")
			} else {
				metrics.ChainsqlCheckpointCountTotal.WithLabelValues("restart").Inc()
				log.WithFields(log.Fields{
					"path":   h.filename,
					"result": result.Rows,
					"took":   time.Since(cpStart),
				}).Info("restart checkpoint complete")
			}
			h.updateWALPageCount()
			s.checkpointComplete(h)
			return
		}

		// Wait for the transaction count to change, then re-evaluate.
		s.drainCV.Wait()
	}
}

// logCommitStats emits per-commit WAL statistics when page logging is on.
func (h *Handle) logCommitStats() {
	log.WithFields(log.Fields{
		"path":     h.filename,
		"walPages": h.walFrameCount(),
		"walSize":  humanize.IBytes(uint64(h.walBytes())),
	}).Info("commit WAL statistics")
}
