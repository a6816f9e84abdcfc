package sqlitepool

import (
	"testing"
)

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	conn, err := Open(createTestDB(t), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if conn.IsOpen() {
			conn.Close()
		}
	})
	return conn
}

func countRows(t *testing.T, conn *Conn) int64 {
	t.Helper()
	var n int64
	err := conn.Exec(`SELECT COUNT(*) AS n FROM foo`, func(stmt *Stmt) error {
		n = stmt.GetInt64("n")
		return nil
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func insertValue(t *testing.T, conn *Conn, v int) {
	t.Helper()
	if err := conn.Exec(`INSERT INTO foo (value) VALUES (?)`, nil, v); err != nil {
		t.Fatalf("insert %d: %v", v, err)
	}
}

func TestBalancedNestingReturnsToIdle(t *testing.T) {
	conn := newTestConn(t)

	for depth := 1; depth <= 3; depth++ {
		if err := conn.Begin(depth == 1); err != nil {
			t.Fatalf("begin level %d: %v", depth, err)
		}
		if got := conn.TransactionDepth(); got != depth {
			t.Fatalf("depth = %d, want %d", got, depth)
		}
		insertValue(t, conn, depth)
	}

	for depth := 3; depth >= 1; depth-- {
		if err := conn.End(true); err != nil {
			t.Fatalf("end level %d: %v", depth, err)
		}
	}

	if got := conn.TransactionDepth(); got != 0 {
		t.Errorf("depth after unwind = %d, want 0", got)
	}
	if conn.InTransaction() {
		t.Error("engine still reports an open transaction")
	}
	if got := countRows(t, conn); got != 3 {
		t.Errorf("rows = %d, want 3", got)
	}
}

func TestInnerRollbackKeepsOuterEffects(t *testing.T) {
	conn := newTestConn(t)

	if err := conn.Begin(true); err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	insertValue(t, conn, 1)

	if err := conn.Begin(false); err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	insertValue(t, conn, 2)
	if err := conn.Rollback(); err != nil {
		t.Fatalf("rollback inner: %v", err)
	}

	if err := conn.Commit(); err != nil {
		t.Fatalf("commit outer: %v", err)
	}

	if got := countRows(t, conn); got != 1 {
		t.Errorf("rows = %d, want 1 (outer insert only)", got)
	}
}

func TestOuterRollbackDiscardsCommittedInner(t *testing.T) {
	conn := newTestConn(t)

	if err := conn.Begin(true); err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	if err := conn.Begin(false); err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	insertValue(t, conn, 2)
	if err := conn.Commit(); err != nil {
		t.Fatalf("commit inner: %v", err)
	}

	if err := conn.Rollback(); err != nil {
		t.Fatalf("rollback outer: %v", err)
	}

	if got := countRows(t, conn); got != 0 {
		t.Errorf("rows = %d, want 0 (inner commit discarded by outer rollback)", got)
	}
}

// Ending scopes must unwind innermost first: after the level 3 release,
// a level 2 rollback cancels level 3's released changes too, and the
// outer commit keeps only level 1's insert.
func TestUnwindOrdering(t *testing.T) {
	conn := newTestConn(t)

	if err := conn.Begin(true); err != nil {
		t.Fatalf("begin level 1: %v", err)
	}
	insertValue(t, conn, 1)
	if err := conn.Begin(false); err != nil {
		t.Fatalf("begin level 2: %v", err)
	}
	insertValue(t, conn, 2)
	if err := conn.Begin(false); err != nil {
		t.Fatalf("begin level 3: %v", err)
	}
	insertValue(t, conn, 3)

	if err := conn.End(true); err != nil { // level 3 commits into level 2
		t.Fatalf("end level 3: %v", err)
	}
	if err := conn.End(false); err != nil { // level 2 rolls back, taking level 3 along
		t.Fatalf("end level 2: %v", err)
	}
	if err := conn.End(true); err != nil { // level 1 commits
		t.Fatalf("end level 1: %v", err)
	}

	var values []int64
	err := conn.Exec(`SELECT value FROM foo ORDER BY value`, func(stmt *Stmt) error {
		values = append(values, stmt.GetInt64("value"))
		return nil
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(values) != 1 || values[0] != 1 {
		t.Errorf("surviving values = %v, want [1]", values)
	}
}

func TestEndWithoutBeginPanics(t *testing.T) {
	conn := newTestConn(t)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on transaction underflow")
		}
	}()
	conn.End(true)
}

func TestBeginImmediateInsideForeignTransactionPanics(t *testing.T) {
	conn := newTestConn(t)

	// A transaction this coordinator did not start.
	if err := conn.Exec("BEGIN", nil); err != nil {
		t.Fatalf("raw begin: %v", err)
	}
	defer conn.Exec("ROLLBACK", nil)

	defer func() {
		if recover() == nil {
			t.Error("expected panic when engine is already in a transaction")
		}
	}()
	conn.Begin(true)
}

// If something commits behind the coordinator's back, the final COMMIT
// would apply to nothing. End must notice the transaction is gone.
func TestEndDetectsForeignCommit(t *testing.T) {
	conn := newTestConn(t)

	if err := conn.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	insertValue(t, conn, 1)

	// A COMMIT issued outside End ends the engine transaction and drops
	// every savepoint; recreate sp_1 so only the transaction is missing.
	if err := conn.Exec("COMMIT", nil); err != nil {
		t.Fatalf("foreign commit: %v", err)
	}
	if err := conn.Exec("SAVEPOINT sp_1", nil); err != nil {
		t.Fatalf("savepoint: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic when the engine transaction vanished")
		}
	}()
	conn.End(true)
}

func TestBeginOnClosedConn(t *testing.T) {
	conn := newTestConn(t)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Begin(true); err != ErrNotOpen {
		t.Errorf("Begin on closed conn = %v, want ErrNotOpen", err)
	}
}

func TestSaveHelper(t *testing.T) {
	conn := newTestConn(t)

	commit := func() (err error) {
		defer Save(conn)(&err)
		insertValue(t, conn, 1)
		return nil
	}
	rollback := func() (err error) {
		defer Save(conn)(&err)
		insertValue(t, conn, 2)
		return errFailed
	}

	if err := commit(); err != nil {
		t.Fatalf("commit path: %v", err)
	}
	if err := rollback(); err != errFailed {
		t.Fatalf("rollback path returned %v, want errFailed", err)
	}

	if got := countRows(t, conn); got != 1 {
		t.Errorf("rows = %d, want 1", got)
	}
	if got := conn.TransactionDepth(); got != 0 {
		t.Errorf("depth = %d, want 0", got)
	}
}
