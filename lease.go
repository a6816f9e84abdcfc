package sqlitepool

// Lease is an exclusive hold on one pooled connection. Release it on
// every exit path, typically with defer; releasing twice panics, since
// by then the connection may already belong to someone else.
type Lease struct {
	pool      *Pool
	conn      *Conn
	writeable bool
	gen       uint64
	released  bool
}

// Conn returns the held connection. Callers must not retain it past
// Release.
func (l *Lease) Conn() *Conn { return l.conn }

// Writeable reports whether this lease holds the pool's writer slot.
func (l *Lease) Writeable() bool { return l.writeable }

// Release returns the connection to the pool, waking the oldest blocked
// borrower of the matching kind. A transaction left open on the
// connection is rolled back first so the next borrower starts clean.
func (l *Lease) Release() {
	if l.released {
		panic("sqlitepool: lease released twice")
	}
	l.released = true

	conn := l.conn
	if conn.TransactionDepth() > 0 {
		l.pool.logger.Warn("lease released with open transaction, rolling back",
			"path", conn.Path(),
			"depth", conn.TransactionDepth(),
		)
		for conn.TransactionDepth() > 0 {
			if err := conn.End(false); err != nil {
				l.pool.logger.Error("rollback on release failed", "error", err)
				break
			}
		}
	}
	l.pool.release(conn, l.writeable, l.gen)
}
