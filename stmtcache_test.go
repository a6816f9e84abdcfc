package sqlitepool

import (
	"testing"

	"crawshaw.io/sqlite"
)

func TestSameSQLCheckedOutTwice(t *testing.T) {
	conn := newTestConn(t)
	insertValue(t, conn, 10)
	insertValue(t, conn, 20)

	const query = `SELECT value FROM foo WHERE value >= ? ORDER BY value`

	first, err := conn.Prepare(query)
	if err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	second, err := conn.Prepare(query)
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}

	if first.Stmt == second.Stmt {
		t.Fatal("two checkouts of the same SQL share an engine handle")
	}

	// Both must bind and step independently.
	first.BindInt64(1, 0)
	second.BindInt64(1, 15)

	if hasRow, err := first.Step(); err != nil || !hasRow {
		t.Fatalf("first step: hasRow=%v err=%v", hasRow, err)
	}
	if hasRow, err := second.Step(); err != nil || !hasRow {
		t.Fatalf("second step: hasRow=%v err=%v", hasRow, err)
	}
	if got := first.GetInt64("value"); got != 10 {
		t.Errorf("first statement row = %d, want 10", got)
	}
	if got := second.GetInt64("value"); got != 20 {
		t.Errorf("second statement row = %d, want 20", got)
	}

	if err := first.Finalize(); err != nil {
		t.Fatalf("finalize first: %v", err)
	}
	if err := second.Finalize(); err != nil {
		t.Fatalf("finalize second: %v", err)
	}

	// With both returned, the cached compilation is reused.
	third, err := conn.Prepare(query)
	if err != nil {
		t.Fatalf("third prepare: %v", err)
	}
	defer third.Finalize()
	if third.Stmt != first.Stmt {
		t.Error("idle cached statement was not reused")
	}
}

func TestFinalizeTwiceIsSafe(t *testing.T) {
	conn := newTestConn(t)
	stmt, err := conn.Prepare(`SELECT 1`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close after double finalize: %v", err)
	}
}

func TestOldestIdleEntryEvicted(t *testing.T) {
	conn := newTestConn(t)
	sc := newStmtCache(conn.db, 2)

	checkout := func(sql string) *Stmt {
		t.Helper()
		stmt, err := sc.compile(sql)
		if err != nil {
			t.Fatalf("compile %q: %v", sql, err)
		}
		return stmt
	}

	a := checkout(`SELECT 1`)
	b := checkout(`SELECT 2`)
	a.Finalize()
	b.Finalize()

	// Full cache, new text: SELECT 1 is the least recently returned.
	c := checkout(`SELECT 3`)
	c.Finalize()

	if _, ok := sc.entries[`SELECT 1`]; ok {
		t.Error("oldest idle entry was not evicted")
	}
	if _, ok := sc.entries[`SELECT 2`]; !ok {
		t.Error("recently returned entry was evicted")
	}
	if _, ok := sc.entries[`SELECT 3`]; !ok {
		t.Error("new entry missing from cache")
	}

	sc.clear()
}

func TestCheckedOutEntriesSurviveEviction(t *testing.T) {
	conn := newTestConn(t)
	sc := newStmtCache(conn.db, 1)

	held, err := sc.compile(`SELECT 1`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	// The only entry is checked out, so nothing can be evicted; the
	// cache grows past its bound until statements come back.
	other, err := sc.compile(`SELECT 2`)
	if err != nil {
		t.Fatalf("compile while full: %v", err)
	}

	if hasRow, err := held.Step(); err != nil || !hasRow {
		t.Fatalf("held statement unusable: hasRow=%v err=%v", hasRow, err)
	}

	held.Finalize()
	other.Finalize()
	sc.clear()
}

func TestCloseRefusedWhileStatementsOpen(t *testing.T) {
	conn := newTestConn(t)

	stmt, err := conn.Prepare(`SELECT value FROM foo`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	err = conn.Close()
	if err == nil {
		t.Fatal("expected busy error closing with an open statement")
	}
	if code := Code(err); code != sqlite.SQLITE_BUSY {
		t.Errorf("close error code = %v, want SQLITE_BUSY", code)
	}
	if !conn.IsOpen() {
		t.Fatal("connection closed despite refusal")
	}

	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close after finalize: %v", err)
	}
}

func TestCloseDeferred(t *testing.T) {
	conn := newTestConn(t)

	stmt, err := conn.Prepare(`SELECT value FROM foo`)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if err := conn.CloseDeferred(); err != nil {
		t.Fatalf("CloseDeferred: %v", err)
	}
	if !conn.IsOpen() {
		t.Fatal("connection closed while a statement was out")
	}

	stmt.Finalize()
	if conn.IsOpen() {
		t.Error("connection not closed after last statement returned")
	}
}
