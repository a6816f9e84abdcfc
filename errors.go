package sqlitepool

import (
	"errors"
	"fmt"

	"crawshaw.io/sqlite"
)

// ErrPoolClosed is returned by borrow operations after Pool.Close.
var ErrPoolClosed = errors.New("sqlitepool: pool closed")

// ErrNoWriter is returned when a writeable connection is requested from a
// pool that was opened read-only.
var ErrNoWriter = errors.New("sqlitepool: no writeable connection available in a read-only pool")

// ErrPoolMemory is returned by OpenPool for in-memory and temporary
// databases, which cannot be shared across connections.
var ErrPoolMemory = errors.New("sqlitepool: pool does not support in-memory or temporary databases")

// ErrNotOpen is returned by every operation on a closed Connection.
var ErrNotOpen = &Error{Code: sqlite.SQLITE_MISUSE, Msg: "connection is not open"}

// Error is a status/message pair in SQLite's result-code vocabulary.
// Errors originating in the engine are passed through unchanged; Error is
// used for conditions this layer detects itself (closed connection,
// refused close) so that callers can classify everything with Code.
type Error struct {
	Code sqlite.ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sqlitepool: %s (%v)", e.Msg, e.Code)
}

// Code extracts the SQLite result code from any error produced by this
// package, including wrapped engine errors. A nil error maps to SQLITE_OK,
// an unrecognized error to SQLITE_ERROR.
func Code(err error) sqlite.ErrorCode {
	if err == nil {
		return sqlite.SQLITE_OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var se sqlite.Error
	if errors.As(err, &se) {
		return se.Code
	}
	return sqlite.SQLITE_ERROR
}

// isContention reports whether code is a busy or locked status, including
// the extended variants (SQLITE_BUSY_SNAPSHOT and friends).
func isContention(code sqlite.ErrorCode) bool {
	primary := code & 0xff
	return primary == sqlite.SQLITE_BUSY || primary == sqlite.SQLITE_LOCKED
}
