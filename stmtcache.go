package sqlitepool

import (
	"container/list"

	"crawshaw.io/sqlite"
)

// stmtCache memoizes compiled statements per connection, keyed by the
// exact SQL text. Entries are checked out through compile and returned
// when the Stmt is finalized. When the cache is full and a new text
// arrives, the least recently returned idle entry is evicted; entries
// that are checked out are never evicted.
type stmtCache struct {
	db      *sqlite.Conn
	max     int
	entries map[string]*cacheEntry
	idle    *list.List // front: most recently returned
}

type cacheEntry struct {
	sql   string
	stmt  *sqlite.Stmt
	inUse bool
	elem  *list.Element // nil while checked out
}

func newStmtCache(db *sqlite.Conn, max int) *stmtCache {
	return &stmtCache{
		db:      db,
		max:     max,
		entries: make(map[string]*cacheEntry),
		idle:    list.New(),
	}
}

// compile returns a statement for sql. An idle cached entry is reset and
// reused. If the entry for sql is currently checked out, a transient
// statement is compiled instead so that re-entrant callers never share a
// handle; the transient is finalized for real on return.
func (sc *stmtCache) compile(sql string) (*Stmt, error) {
	if e, ok := sc.entries[sql]; ok {
		if e.inUse {
			stmt, _, err := sc.db.PrepareTransient(sql)
			if err != nil {
				return nil, err
			}
			return &Stmt{Stmt: stmt, transient: true}, nil
		}
		e.inUse = true
		sc.idle.Remove(e.elem)
		e.elem = nil
		if err := e.stmt.Reset(); err != nil {
			return nil, err
		}
		e.stmt.ClearBindings()
		return &Stmt{Stmt: e.stmt, cache: sc, entry: e}, nil
	}

	stmt, _, err := sc.db.PrepareTransient(sql)
	if err != nil {
		return nil, err
	}
	if len(sc.entries) >= sc.max {
		sc.evictOldest()
	}
	e := &cacheEntry{sql: sql, stmt: stmt, inUse: true}
	sc.entries[sql] = e
	return &Stmt{Stmt: stmt, cache: sc, entry: e}, nil
}

// evictOldest drops the least recently returned idle entry. If every
// entry is checked out the cache temporarily exceeds max; it shrinks
// again as statements come back.
func (sc *stmtCache) evictOldest() {
	back := sc.idle.Back()
	if back == nil {
		return
	}
	e := back.Value.(*cacheEntry)
	sc.idle.Remove(back)
	delete(sc.entries, e.sql)
	e.stmt.Finalize()
}

// put returns a checked-out entry to the idle list. If the cache was
// cleared while the entry was out, the handle is finalized instead.
func (sc *stmtCache) put(e *cacheEntry) {
	e.inUse = false
	if sc.entries[e.sql] != e {
		e.stmt.Finalize()
		return
	}
	e.stmt.Reset()
	e.stmt.ClearBindings()
	e.elem = sc.idle.PushFront(e)
}

// clear finalizes every idle statement and forgets the rest; checked-out
// handles are finalized when they come back through put.
func (sc *stmtCache) clear() {
	for sql, e := range sc.entries {
		if !e.inUse {
			e.stmt.Finalize()
		}
		delete(sc.entries, sql)
	}
	sc.idle.Init()
}

// Stmt is a compiled statement checked out from a connection's cache.
// All binding and column accessors of the underlying engine statement
// are available directly. Finalize returns the statement to the cache
// (or destroys it, for transient duplicates) and releases the owning
// connection's reference; it is safe to defer and to call twice.
type Stmt struct {
	*sqlite.Stmt
	conn      *Conn
	cache     *stmtCache
	entry     *cacheEntry
	transient bool
	done      bool
}

// Finalize returns the statement to its cache. The underlying handle
// stays compiled unless the statement was a transient duplicate or the
// cache has been cleared in the meantime.
func (s *Stmt) Finalize() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.conn != nil {
		defer s.conn.unref()
	}
	if s.transient {
		return s.Stmt.Finalize()
	}
	s.cache.put(s.entry)
	return nil
}
