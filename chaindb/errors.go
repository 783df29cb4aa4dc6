package chaindb

import (
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrConflict is returned by Commit when the engine detected a write-set
// conflict with a transaction which committed first. The commit lock is still
// held; the caller must Rollback to release it (and may then retry).
var ErrConflict = errors.New("commit conflict")

// ErrCheckpointRequired is returned from Read or Write when a restart
// checkpoint worker asked this transaction to get out of the way. The caller
// must Rollback, and may retry after WaitForCheckpoint.
var ErrCheckpointRequired = errors.New("checkpoint required")

// TimeoutError is returned from Read or Write when the deadline installed by
// StartTiming expired while a statement was executing.
type TimeoutError struct {
	// Op is the operation which observed the timeout ("read" or "write").
	Op string
	// Elapsed is the time between StartTiming and the expiry observation.
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s after %s", e.Op, e.Elapsed)
}

// IsTimeout returns whether the error is a *TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// isConflictErr recognizes the engine's signal that an optimistic transaction
// collided with a concurrent commit (SQLITE_BUSY / SQLITE_BUSY_SNAPSHOT).
func isConflictErr(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.ExtendedCode == sqlite3.ErrBusySnapshot
}

// isAuthErr recognizes an authorizer denial (SQLITE_AUTH), which the write
// path uses as the signal that the rewrite handler replaced the statement.
func isAuthErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrAuth
}

// isSyntaxErr recognizes a parse failure (SQLITE_ERROR), used to detect an
// engine built without BEGIN CONCURRENT support.
func isSyntaxErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrError
}
