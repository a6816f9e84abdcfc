package sqlitepool

import "fmt"

// The engine only has one flat transaction per connection. Nesting is
// emulated with a stack of savepoints named sp_1 .. sp_depth, so
// begin/end pairs from different call sites compose correctly without
// coordinating names. Callers must not issue their own savepoints named
// sp_<n> through Exec.

// InTransaction reports the engine's own view: true while a transaction
// is open, whether started by BEGIN or by an outermost savepoint.
func (c *Conn) InTransaction() bool {
	if c.db == nil {
		return false
	}
	return !c.db.GetAutocommit()
}

// TransactionDepth returns the number of unmatched Begin calls.
func (c *Conn) TransactionDepth() int { return c.txnDepth }

// Begin opens a transaction scope. Scopes nest: each call pushes a new
// savepoint and must be matched by exactly one End.
//
// If this is the outermost scope and immediate is true, a BEGIN
// IMMEDIATE is issued first so the write lock is taken now instead of at
// the first write; the immediate flag is fixed for the whole nesting and
// ignored on inner scopes. Begin panics if the engine is already inside
// a transaction this coordinator did not start.
func (c *Conn) Begin(immediate bool) error {
	if c.db == nil {
		return ErrNotOpen
	}
	if c.txnDepth == 0 {
		if immediate {
			if c.InTransaction() {
				panic("sqlitepool: connection is unexpectedly already in a transaction")
			}
			if err := c.exec("BEGIN IMMEDIATE"); err != nil {
				return fmt.Errorf("sqlitepool: begin: %w", err)
			}
		}
		c.txnImmediate = immediate
	}

	if err := c.exec(fmt.Sprintf("SAVEPOINT sp_%d", c.txnDepth+1)); err != nil {
		if c.txnDepth == 0 && immediate {
			// Don't leak the transaction we just started.
			if rberr := c.exec("ROLLBACK"); rberr != nil {
				c.logger.Error("rollback after failed savepoint", "error", rberr)
			}
		}
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	c.txnDepth++
	return nil
}

// End closes the innermost open scope, committing its changes into the
// enclosing scope or rolling them back. Changes only persist once the
// outermost scope ends with commit.
//
// End panics on transaction underflow: ending a transaction that was
// never begun is a caller bug, not a runtime condition. It likewise
// panics when the engine transaction an immediate Begin opened is gone
// by the time the outermost scope ends.
func (c *Conn) End(commit bool) error {
	if c.txnDepth <= 0 {
		panic("sqlitepool: transaction underflow")
	}
	if c.db == nil {
		return ErrNotOpen
	}

	if !commit {
		// ROLLBACK TO undoes the work but restarts the savepoint
		// rather than popping it, so a RELEASE must follow either way.
		if err := c.exec(fmt.Sprintf("ROLLBACK TO SAVEPOINT sp_%d", c.txnDepth)); err != nil {
			return fmt.Errorf("sqlitepool: rollback: %w", err)
		}
	}
	if err := c.exec(fmt.Sprintf("RELEASE SAVEPOINT sp_%d", c.txnDepth)); err != nil {
		return fmt.Errorf("sqlitepool: end: %w", err)
	}

	c.txnDepth--
	if c.txnDepth == 0 && c.txnImmediate {
		// The transaction opened by Begin must still be there. If it is
		// gone, something committed or rolled back behind the
		// coordinator's back, e.g. a COMMIT issued through Exec.
		if !c.InTransaction() {
			panic("sqlitepool: connection is unexpectedly not in a transaction")
		}
		verb := "ROLLBACK"
		if commit {
			verb = "COMMIT"
		}
		if err := c.exec(verb); err != nil {
			// Keep the nesting so the caller can retry ending it.
			c.txnDepth++
			return fmt.Errorf("sqlitepool: %s: %w", verb, err)
		}
	}
	return nil
}

// Commit ends the innermost scope, keeping its changes.
func (c *Conn) Commit() error { return c.End(true) }

// Rollback ends the innermost scope, discarding its changes.
func (c *Conn) Rollback() error { return c.End(false) }

// Save begins a nested scope and returns a function to defer. The scope
// commits if *err is nil when the function runs, rolls back otherwise:
//
//	func work(c *sqlitepool.Conn) (err error) {
//	    defer sqlitepool.Save(c)(&err)
//	    ...
//	}
func Save(c *Conn) func(*error) {
	beginErr := c.Begin(false)
	return func(err *error) {
		if beginErr != nil {
			if *err == nil {
				*err = beginErr
			}
			return
		}
		endErr := c.End(*err == nil)
		if endErr != nil && *err == nil {
			*err = endErr
		}
	}
}
