package sqlitepool

import (
	"context"
	"log/slog"
)

// PoolTransaction borrows the pool's writer connection for the lifetime
// of one immediate transaction. Commit or Rollback ends the transaction
// and returns the connection to the pool in one step. Finish is the
// deferred safety net: it rolls back and releases if neither was
// called, logging instead of returning errors so it is safe in defer.
//
//	tx, err := sqlitepool.BeginPoolTransaction(ctx, pool)
//	if err != nil {
//	    return err
//	}
//	defer tx.Finish()
//	...
//	return tx.Commit()
type PoolTransaction struct {
	lease  *Lease
	logger *slog.Logger
	done   bool
}

// BeginPoolTransaction borrows the writer (blocking) and opens an
// immediate transaction on it. Like Pool.BorrowWriteable it returns
// (nil, nil) when ctx expires before the writer frees up.
func BeginPoolTransaction(ctx context.Context, p *Pool) (*PoolTransaction, error) {
	lease, err := p.BorrowWriteable(ctx)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, nil
	}
	if err := lease.Conn().Begin(true); err != nil {
		lease.Release()
		return nil, err
	}
	return &PoolTransaction{lease: lease, logger: p.logger}, nil
}

// Conn returns the writer connection the transaction runs on.
func (t *PoolTransaction) Conn() *Conn { return t.lease.Conn() }

// Commit ends the transaction keeping its changes, then releases the
// writer.
func (t *PoolTransaction) Commit() error { return t.end(true) }

// Rollback ends the transaction discarding its changes, then releases
// the writer.
func (t *PoolTransaction) Rollback() error { return t.end(false) }

func (t *PoolTransaction) end(commit bool) error {
	if t.done {
		panic("sqlitepool: pool transaction already ended")
	}
	t.done = true
	err := t.lease.Conn().End(commit)
	t.lease.Release()
	return err
}

// Finish rolls back and releases unless Commit or Rollback already ran.
// Errors are logged, not returned.
func (t *PoolTransaction) Finish() {
	if t.done {
		return
	}
	if err := t.Rollback(); err != nil {
		t.logger.Error("rollback during cleanup failed", "error", err)
	}
}
