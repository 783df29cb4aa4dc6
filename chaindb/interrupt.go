package chaindb

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Statement interruption is cooperative: every read or write statement runs
// under a context watched by a short-lived goroutine, which cancels it (the
// engine translates cancellation to an interrupt) when the StartTiming
// deadline passes or a restart checkpoint asks in-flight transactions to
// abandon. The resulting failure surfaces from checkInterruptErrors at the
// read/write boundary, never from the middle of an engine call.

// StartTiming latches a deadline of |limit| from now. Statements observed
// running past it are interrupted, and the next Read or Write returns a
// *TimeoutError carrying the elapsed time.
func (h *Handle) StartTiming(limit time.Duration) {
	h.timeoutStart = time.Now()
	h.timeoutLimit = h.timeoutStart.Add(limit)
	h.timeoutErrorUS.Store(0)
}

// ResetTiming clears any installed deadline.
func (h *Handle) ResetTiming() {
	h.timeoutStart = time.Time{}
	h.timeoutLimit = time.Time{}
	h.timeoutErrorUS.Store(0)
}

// stmtContext returns the context a statement executes under, and a release
// function which must be called when the statement returns.
func (h *Handle) stmtContext() (context.Context, context.CancelFunc) {
	var ctx, cancel = context.WithCancel(context.Background())

	var deadline <-chan time.Time
	var timer *time.Timer
	if !h.timeoutLimit.IsZero() {
		timer = time.NewTimer(time.Until(h.timeoutLimit))
		deadline = timer.C
	}
	var interrupt = h.shared.interruptSignal()

	go func() {
		if timer != nil {
			defer timer.Stop()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				h.timeoutErrorUS.Store(int64(time.Since(h.timeoutStart) / time.Microsecond))
				cancel()
				return
			case <-interrupt:
				if !h.enableCheckpointInterrupt.Load() {
					log.Info("not abandoning transaction for checkpoint; interrupt disabled")
					interrupt = nil // Keep waiting on the other signals.
					continue
				}
				log.Info("abandoning transaction to unblock checkpoint")
				h.abandonForCheckpoint.Store(true)
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}

// checkInterruptErrors converts pending timeout or checkpoint-abandon flags
// into failures. A timeout overrides checkpoint-abandon, so a caller stuck
// retrying checkpoint failures still notices its command timed out. If the
// engine auto-rolled the transaction back when interrupted, that is latched
// so Rollback skips the ROLLBACK statement.
func (h *Handle) checkInterruptErrors(op string) error {
	var err error

	if !h.timeoutLimit.IsZero() {
		if h.timeoutErrorUS.Load() == 0 && time.Now().After(h.timeoutLimit) {
			h.timeoutErrorUS.Store(int64(time.Since(h.timeoutStart) / time.Microsecond))
		}
		if us := h.timeoutErrorUS.Load(); us != 0 {
			err = &TimeoutError{Op: op, Elapsed: time.Duration(us) * time.Microsecond}
			h.ResetTiming()
		}
	}
	if err == nil && h.abandonForCheckpoint.Load() {
		err = ErrCheckpointRequired
	}

	if err != nil && h.insideTransaction && h.conn.AutoCommit() {
		log.Info("transaction automatically rolled back by engine")
		h.autoRolledBack = true
	}
	// Cleared regardless of which error fired: a handled timeout also
	// consumes the abandon request.
	h.abandonForCheckpoint.Store(false)
	return err
}
