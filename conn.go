package sqlitepool

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultFlags is the open mode used when no flags are given:
	// read-write, created on demand, WAL journal, URI filenames.
	DefaultFlags = sqlite.SQLITE_OPEN_READWRITE |
		sqlite.SQLITE_OPEN_CREATE |
		sqlite.SQLITE_OPEN_WAL |
		sqlite.SQLITE_OPEN_URI |
		sqlite.SQLITE_OPEN_NOMUTEX

	defaultBusyTimeout   = 5 * time.Second
	defaultCacheCapacity = 64
)

// Conn is a single connection to a SQLite database. It owns the engine
// handle, a statement cache keyed by SQL text, and the transaction
// nesting state driven by Begin/End.
//
// A Conn is not safe for concurrent use. Hold exactly one at a time,
// either directly or through a pool Lease.
type Conn struct {
	db        *sqlite.Conn
	path      string
	flags     sqlite.OpenFlags
	writeable bool
	logger    *slog.Logger

	cache       *stmtCache
	busyTimeout time.Duration

	// Live checked-out statements. Close is refused while > 0.
	refs          int
	deferredClose bool

	txnDepth     int
	txnImmediate bool
}

// Open opens a database connection. If flags is zero, DefaultFlags is
// used. The connection starts with a 5 second busy timeout, applied by
// this layer as retry-with-backoff rather than by the engine's busy
// handler, so that SQLITE_LOCKED is covered too.
func Open(path string, flags sqlite.OpenFlags) (*Conn, error) {
	if flags == 0 {
		flags = DefaultFlags
	}
	db, err := sqlite.OpenConn(path, flags)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: open %s: %w", path, err)
	}
	db.SetBusyTimeout(0)
	c := &Conn{
		db:          db,
		path:        path,
		flags:       flags,
		writeable:   flags&sqlite.SQLITE_OPEN_READONLY == 0,
		logger:      slog.New(slog.DiscardHandler),
		busyTimeout: defaultBusyTimeout,
	}
	c.cache = newStmtCache(db, defaultCacheCapacity)
	return c, nil
}

// SetLogger replaces the connection's logger. Passing nil restores the
// no-op logger.
func (c *Conn) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c.logger = logger
}

// SetBusyTimeout bounds how long a single operation retries after the
// engine reports SQLITE_BUSY or SQLITE_LOCKED. Zero or negative
// disables retrying: the first busy status is surfaced as-is.
func (c *Conn) SetBusyTimeout(d time.Duration) {
	c.busyTimeout = d
}

// Writeable reports whether the connection was opened read-write.
func (c *Conn) Writeable() bool { return c.writeable }

// Path returns the filename the connection was opened on.
func (c *Conn) Path() string { return c.path }

// IsOpen reports whether the connection still holds an engine handle.
func (c *Conn) IsOpen() bool { return c.db != nil }

// Close closes the connection. While checked-out statements exist it is
// refused with a SQLITE_BUSY status; use CloseDeferred to close as soon
// as the last statement is finalized instead.
func (c *Conn) Close() error {
	if c.db == nil {
		return ErrNotOpen
	}
	if c.refs > 0 {
		return &Error{Code: sqlite.SQLITE_BUSY, Msg: "connection has open statements"}
	}
	return c.closeNow()
}

// CloseDeferred closes the connection once the last checked-out
// statement is finalized. If none are outstanding it closes immediately.
func (c *Conn) CloseDeferred() error {
	if c.db == nil {
		return ErrNotOpen
	}
	if c.refs > 0 {
		c.deferredClose = true
		return nil
	}
	return c.closeNow()
}

func (c *Conn) closeNow() error {
	c.cache.clear()
	err := c.db.Close()
	c.db = nil
	c.deferredClose = false
	if err != nil {
		return fmt.Errorf("sqlitepool: close %s: %w", c.path, err)
	}
	return nil
}

// Prepare returns a statement for sql, reusing a cached compilation of
// the exact same text when one is idle. The caller must Finalize the
// statement; until then the connection refuses to close.
func (c *Conn) Prepare(sql string) (*Stmt, error) {
	if c.db == nil {
		return nil, ErrNotOpen
	}
	stmt, err := c.cache.compile(sql)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: prepare: %w", err)
	}
	stmt.conn = c
	c.refs++
	return stmt, nil
}

// Exec runs sql to completion. resultFn, if non-nil, is called once per
// result row. Args are bound positionally. On SQLITE_BUSY or
// SQLITE_LOCKED the whole statement is reset and retried with
// exponential backoff until the busy timeout elapses; if the retry runs
// out, the contention status is surfaced unchanged.
func (c *Conn) Exec(sql string, resultFn func(stmt *Stmt) error, args ...any) error {
	stmt, err := c.Prepare(sql)
	if err != nil {
		return err
	}
	defer stmt.Finalize()

	for i, arg := range args {
		if err := bindArg(stmt, i+1, arg); err != nil {
			return err
		}
	}

	delivered := false
	return c.retryBusy(func() error {
		if err := stmt.Stmt.Reset(); err != nil {
			return err
		}
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				if delivered {
					// A retry restarts the statement and would hand
					// resultFn rows it has already seen. Surface busy
					// unretried instead.
					return backoff.Permanent(err)
				}
				return err
			}
			if !hasRow {
				return nil
			}
			if resultFn != nil {
				delivered = true
				if err := resultFn(stmt); err != nil {
					return backoff.Permanent(err)
				}
			}
		}
	})
}

// exec is Exec without a row callback, for statements issued internally
// (transaction control, pragmas).
func (c *Conn) exec(sql string) error {
	return c.Exec(sql, nil)
}

// LastInsertRowID returns the rowid of the most recent insert.
func (c *Conn) LastInsertRowID() int64 {
	if c.db == nil {
		return 0
	}
	return c.db.LastInsertRowID()
}

// Changes returns the number of rows modified by the most recent
// statement.
func (c *Conn) Changes() int {
	if c.db == nil {
		return 0
	}
	return c.db.Changes()
}

// unref is called when a checked-out statement is finalized.
func (c *Conn) unref() {
	c.refs--
	if c.refs == 0 && c.deferredClose {
		if err := c.closeNow(); err != nil {
			c.logger.Error("deferred close failed", "path", c.path, "error", err)
		}
	}
}

// retryBusy runs op, retrying while it fails with a busy or locked
// status, for at most the busy timeout. A zero or negative timeout
// means a single attempt. Every other error is final.
func (c *Conn) retryBusy(op func() error) error {
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if c.busyTimeout > 0 {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = time.Millisecond
		ebo.MaxInterval = 100 * time.Millisecond
		ebo.MaxElapsedTime = c.busyTimeout
		bo = ebo
	}
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if _, ok := err.(*backoff.PermanentError); ok {
			return err
		}
		if isContention(Code(err)) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func bindArg(stmt *Stmt, param int, arg any) error {
	switch v := arg.(type) {
	case nil:
		stmt.BindNull(param)
	case int:
		stmt.BindInt64(param, int64(v))
	case int64:
		stmt.BindInt64(param, v)
	case bool:
		if v {
			stmt.BindInt64(param, 1)
		} else {
			stmt.BindInt64(param, 0)
		}
	case float64:
		stmt.BindFloat(param, v)
	case string:
		stmt.BindText(param, v)
	case []byte:
		stmt.BindBytes(param, v)
	case time.Time:
		stmt.BindText(param, v.UTC().Format(time.RFC3339))
	default:
		return fmt.Errorf("sqlitepool: cannot bind argument %d of type %T", param, arg)
	}
	return nil
}

// isMemoryPath reports whether path names an in-memory or temporary
// database. SQLite gives every such connection its own private database,
// so pooling them is meaningless.
func isMemoryPath(path string, flags sqlite.OpenFlags) bool {
	if flags&sqlite.SQLITE_OPEN_MEMORY != 0 {
		return true
	}
	return path == "" || path == ":memory:" || strings.Contains(path, "mode=memory")
}
