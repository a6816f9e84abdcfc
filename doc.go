// Package sqlitepool shares a small set of SQLite connections between
// many goroutines and lets transactions nest to any depth on top of
// SQLite's flat transaction model.
//
// A Pool keeps one exclusive writeable connection, mirroring SQLite's
// single-writer rule, and up to MaxReaders read-only connections, all
// opened lazily against the same file. Borrow and BorrowWriteable hand
// out a Lease; releasing the lease returns the connection to the oldest
// blocked borrower, first come first served. The Try variants never
// block.
//
//	pool, err := sqlitepool.OpenPool(sqlitepool.Config{Path: "app.db"})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	lease, err := pool.Borrow(ctx)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//	err = lease.Conn().Exec("SELECT ...", func(stmt *sqlitepool.Stmt) error {
//	    ...
//	})
//
// Each connection carries a bounded cache of compiled statements keyed
// by SQL text, so repeated Exec and Prepare calls skip recompilation,
// and a transaction coordinator: Begin and End nest by mapping inner
// scopes onto named savepoints. PoolTransaction ties the two together
// for the common write path, borrowing the writer for exactly the span
// of one immediate transaction.
//
// SQLITE_BUSY and SQLITE_LOCKED from other processes touching the same
// file are retried with backoff inside the connection operation, up to
// the configured busy timeout. Contention for the pool itself is not an
// error: Try variants and expired borrow contexts yield a nil lease.
package sqlitepool
