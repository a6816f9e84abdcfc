package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"crawshaw.io/sqlite"
)

const defaultMaxReaders = 4

// Config holds the parameters for opening a connection pool. Path is
// required; everything else has defaults.
type Config struct {
	// Path is the database file. In-memory and temporary databases are
	// rejected: SQLite gives every such connection a private database,
	// so a pool over one cannot work.
	Path string

	// Flags is the open mode for the writer connection. Readers are
	// opened read-only regardless. Zero means DefaultFlags. Without
	// SQLITE_OPEN_READWRITE the pool has no writer slot and
	// BorrowWriteable fails.
	Flags sqlite.OpenFlags

	// MaxReaders caps the reader connections the pool will open.
	// Defaults to 4. The writer slot is separate and does not count
	// against it.
	MaxReaders int

	// DeleteFirst removes the database file (and its -wal/-shm
	// companions) before the first connection is opened, then never
	// again. Intended for test fixtures.
	DeleteFirst bool

	// BusyTimeout bounds busy/locked retries on each pooled
	// connection. Defaults to 5 seconds.
	BusyTimeout time.Duration

	// OnOpen runs once per newly opened connection, after the standard
	// pragmas. Use it for connection-level setup; file-level setup like
	// schema creation belongs with the caller since OnOpen runs for
	// every connection.
	OnOpen func(conn *Conn) error

	// Logger receives operational messages. Nil means no logging.
	Logger *slog.Logger
}

// Pool is a lazily growing set of connections to one database file: one
// exclusive writer plus up to MaxReaders shared readers. Borrowed
// connections travel inside a Lease and return to the pool when the
// Lease is released.
//
// All pool operations are safe for concurrent use; the connections they
// hand out are not.
type Pool struct {
	path        string
	flags       sqlite.OpenFlags
	maxReaders  int
	deleteFirst bool
	busyTimeout time.Duration
	onOpen      func(*Conn) error
	logger      *slog.Logger

	mu     sync.Mutex
	gen    uint64 // bumped by CloseAll; stale borrows close on release
	purged bool   // DeleteFirst already honored
	closed bool

	idleReaders []*Conn // stack, top is most recently returned
	roTotal     int
	roBorrowed  int

	rwIdle     *Conn
	rwTotal    int // 0 or 1
	rwBorrowed bool

	// FIFO queues. A waiter receives a connection directly from a
	// release, or a nil-connection signal to re-examine the pool state.
	readerWaiters []chan handoff
	writerWaiters []chan handoff
}

// handoff carries a released connection to a waiter, with the pool
// generation at the moment of release.
type handoff struct {
	conn *Conn
	gen  uint64
}

// OpenPool creates a pool. No connection is opened until the first
// borrow, so errors like a missing file only surface then.
func OpenPool(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitepool: Path is required")
	}
	flags := cfg.Flags
	if flags == 0 {
		flags = DefaultFlags
	}
	if isMemoryPath(cfg.Path, flags) {
		return nil, ErrPoolMemory
	}
	maxReaders := cfg.MaxReaders
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		path:        cfg.Path,
		flags:       flags,
		maxReaders:  maxReaders,
		deleteFirst: cfg.DeleteFirst,
		busyTimeout: busyTimeout,
		onOpen:      cfg.OnOpen,
		logger:      logger,
	}, nil
}

// OpenCount returns the number of open connections, borrowed or idle.
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roTotal + p.rwTotal
}

// BorrowedCount returns the number of connections currently out on
// leases.
func (p *Pool) BorrowedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.roBorrowed
	if p.rwBorrowed {
		n++
	}
	return n
}

// Borrow returns a lease on a read-only connection, opening one if the
// pool is under capacity, or blocking until one is released. If ctx
// expires first, Borrow returns (nil, nil) exactly like TryBorrow; a
// timeout is ordinary contention, not an error.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	return p.borrowReader(ctx, true)
}

// TryBorrow is Borrow without blocking: (nil, nil) when no reader is
// available right now.
func (p *Pool) TryBorrow() (*Lease, error) {
	return p.borrowReader(context.Background(), false)
}

// BorrowWriteable returns a lease on the single writeable connection,
// blocking until it is free. The ctx contract matches Borrow. Fails
// with ErrNoWriter on a read-only pool and ErrPoolClosed after Close.
func (p *Pool) BorrowWriteable(ctx context.Context) (*Lease, error) {
	return p.borrowWriter(ctx, true)
}

// TryBorrowWriteable is BorrowWriteable without blocking: (nil, nil)
// while another lease holds the writer.
func (p *Pool) TryBorrowWriteable() (*Lease, error) {
	return p.borrowWriter(context.Background(), false)
}

func (p *Pool) borrowReader(ctx context.Context, wait bool) (*Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idleReaders); n > 0 {
			conn := p.idleReaders[n-1]
			p.idleReaders = p.idleReaders[:n-1]
			p.roBorrowed++
			lease := &Lease{pool: p, conn: conn, gen: p.gen}
			p.mu.Unlock()
			return lease, nil
		}
		if p.roTotal < p.maxReaders {
			p.purgeLocked()
			p.roTotal++
			gen := p.gen
			p.mu.Unlock()

			conn, err := p.openConn(false)

			p.mu.Lock()
			if err != nil {
				p.roTotal--
				p.wakeOneLocked(&p.readerWaiters)
				p.mu.Unlock()
				return nil, err
			}
			p.roBorrowed++
			p.mu.Unlock()
			return &Lease{pool: p, conn: conn, gen: gen}, nil
		}
		if !wait {
			p.mu.Unlock()
			return nil, nil
		}

		w := make(chan handoff, 1)
		p.readerWaiters = append(p.readerWaiters, w)
		p.mu.Unlock()

		select {
		case h := <-w:
			if h.conn != nil {
				return &Lease{pool: p, conn: h.conn, gen: h.gen}, nil
			}
			// Woken to re-examine: capacity freed or pool closed.
			p.mu.Lock()
		case <-ctx.Done():
			p.abandonReaderWait(w)
			return nil, nil
		}
	}
}

func (p *Pool) borrowWriter(ctx context.Context, wait bool) (*Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.flags&sqlite.SQLITE_OPEN_READWRITE == 0 {
		return nil, ErrNoWriter
	}
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.rwIdle != nil {
			conn := p.rwIdle
			p.rwIdle = nil
			p.rwBorrowed = true
			lease := &Lease{pool: p, conn: conn, writeable: true, gen: p.gen}
			p.mu.Unlock()
			return lease, nil
		}
		if p.rwTotal == 0 {
			p.purgeLocked()
			p.rwTotal = 1
			gen := p.gen
			p.mu.Unlock()

			conn, err := p.openConn(true)

			p.mu.Lock()
			if err != nil {
				p.rwTotal = 0
				p.wakeOneLocked(&p.writerWaiters)
				p.mu.Unlock()
				return nil, err
			}
			p.rwBorrowed = true
			p.mu.Unlock()
			return &Lease{pool: p, conn: conn, writeable: true, gen: gen}, nil
		}
		if !wait {
			p.mu.Unlock()
			return nil, nil
		}

		w := make(chan handoff, 1)
		p.writerWaiters = append(p.writerWaiters, w)
		p.mu.Unlock()

		select {
		case h := <-w:
			if h.conn != nil {
				return &Lease{pool: p, conn: h.conn, writeable: true, gen: h.gen}, nil
			}
			p.mu.Lock()
		case <-ctx.Done():
			p.abandonWriterWait(w)
			return nil, nil
		}
	}
}

// abandonReaderWait dequeues w after its borrower gave up, catching a
// connection a release may have raced into it. A handoff from before
// CloseAll (or after Close) must not re-enter circulation; it is closed
// like any other stale return.
func (p *Pool) abandonReaderWait(w chan handoff) {
	var toClose *Conn
	p.mu.Lock()
	removeWaiter(&p.readerWaiters, w)
	select {
	case h := <-w:
		if h.conn != nil {
			if p.closed || h.gen != p.gen {
				p.roBorrowed--
				p.roTotal--
				toClose = h.conn
				if !p.closed {
					p.wakeOneLocked(&p.readerWaiters)
				}
			} else {
				p.requeueReaderLocked(h.conn)
			}
		}
	default:
	}
	p.mu.Unlock()
	if toClose != nil {
		if err := toClose.CloseDeferred(); err != nil {
			p.logger.Error("closing stale connection", "path", p.path, "error", err)
		}
	}
}

func (p *Pool) abandonWriterWait(w chan handoff) {
	var toClose *Conn
	p.mu.Lock()
	removeWaiter(&p.writerWaiters, w)
	select {
	case h := <-w:
		if h.conn != nil {
			if p.closed || h.gen != p.gen {
				p.rwBorrowed = false
				p.rwTotal = 0
				toClose = h.conn
				if !p.closed {
					p.wakeOneLocked(&p.writerWaiters)
				}
			} else {
				p.requeueWriterLocked(h.conn)
			}
		}
	default:
	}
	p.mu.Unlock()
	if toClose != nil {
		if err := toClose.CloseDeferred(); err != nil {
			p.logger.Error("closing stale connection", "path", p.path, "error", err)
		}
	}
}

// release puts a connection back into circulation. Called by Lease with
// any open transaction already rolled back. Ordering is first-requested,
// first-served: the connection is handed straight to the oldest waiter
// of the matching kind.
func (p *Pool) release(conn *Conn, writeable bool, gen uint64) {
	var toClose *Conn
	p.mu.Lock()
	stale := p.closed || gen != p.gen
	if writeable {
		if stale {
			p.rwBorrowed = false
			p.rwTotal = 0
			toClose = conn
		} else {
			p.requeueWriterLocked(conn)
		}
	} else {
		if stale {
			p.roBorrowed--
			p.roTotal--
			toClose = conn
		} else {
			p.requeueReaderLocked(conn)
		}
	}
	if toClose != nil && !p.closed {
		// Capacity was freed rather than a connection returned; let one
		// waiter retry and open a fresh connection.
		if writeable {
			p.wakeOneLocked(&p.writerWaiters)
		} else {
			p.wakeOneLocked(&p.readerWaiters)
		}
	}
	p.mu.Unlock()

	if toClose != nil {
		// CloseDeferred: the borrower may still hold checked-out
		// statements; the handle goes away once the last one returns.
		if err := toClose.CloseDeferred(); err != nil {
			p.logger.Error("closing released connection", "path", p.path, "error", err)
		}
	}
}

// requeueReaderLocked hands conn to the oldest reader waiter or parks it
// in the idle stack. The borrowed count only drops when no waiter takes
// over the lease.
func (p *Pool) requeueReaderLocked(conn *Conn) {
	if len(p.readerWaiters) > 0 {
		w := p.readerWaiters[0]
		p.readerWaiters = p.readerWaiters[1:]
		w <- handoff{conn: conn, gen: p.gen}
		return
	}
	p.roBorrowed--
	p.idleReaders = append(p.idleReaders, conn)
}

func (p *Pool) requeueWriterLocked(conn *Conn) {
	if len(p.writerWaiters) > 0 {
		w := p.writerWaiters[0]
		p.writerWaiters = p.writerWaiters[1:]
		p.rwBorrowed = true
		w <- handoff{conn: conn, gen: p.gen}
		return
	}
	p.rwBorrowed = false
	p.rwIdle = conn
}

// wakeOneLocked signals the oldest waiter in q to re-examine the pool.
func (p *Pool) wakeOneLocked(q *[]chan handoff) {
	if len(*q) == 0 {
		return
	}
	w := (*q)[0]
	*q = (*q)[1:]
	w <- handoff{}
}

func removeWaiter(q *[]chan handoff, w chan handoff) {
	for i, c := range *q {
		if c == w {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}

// CloseAll closes every connection that is not currently borrowed.
// Borrowed connections are closed when their lease is released. The
// pool itself stays usable: later borrows open fresh connections.
// Deferred closes do not fail the call.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	p.gen++
	idle := p.detachIdleLocked()
	p.mu.Unlock()
	return p.closeConns(idle)
}

// Close shuts the pool down: like CloseAll, but every later borrow
// fails with ErrPoolClosed and blocked borrowers are woken with it.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.detachIdleLocked()
	waiters := append(p.readerWaiters, p.writerWaiters...)
	p.readerWaiters = nil
	p.writerWaiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- handoff{}
	}
	err := p.closeConns(idle)
	p.logger.Info("pool closed", "path", p.path)
	return err
}

// detachIdleLocked removes all idle connections from the pool's
// bookkeeping and returns them for closing outside the lock.
func (p *Pool) detachIdleLocked() []*Conn {
	idle := p.idleReaders
	p.idleReaders = nil
	p.roTotal -= len(idle)
	if p.rwIdle != nil {
		idle = append(idle, p.rwIdle)
		p.rwIdle = nil
		p.rwTotal = 0
	}
	return idle
}

func (p *Pool) closeConns(conns []*Conn) error {
	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			p.logger.Error("closing pooled connection", "path", p.path, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// purgeLocked honors DeleteFirst exactly once, before the first open.
func (p *Pool) purgeLocked() {
	if !p.deleteFirst || p.purged {
		return
	}
	p.purged = true
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(p.path + suffix)
	}
}

// openConn opens one connection for the pool. Readers are opened
// read-only; the create and WAL flags only make sense on the writer.
func (p *Pool) openConn(writeable bool) (*Conn, error) {
	flags := p.flags
	if !writeable {
		flags &^= sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_WAL
		flags |= sqlite.SQLITE_OPEN_READONLY
	}
	conn, err := Open(p.path, flags)
	if err != nil {
		return nil, err
	}
	conn.SetLogger(p.logger)
	conn.SetBusyTimeout(p.busyTimeout)
	if writeable {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
		} {
			if err := conn.exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("sqlitepool: %s: %w", pragma, err)
			}
		}
	}
	if p.onOpen != nil {
		if err := p.onOpen(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlitepool: OnOpen: %w", err)
		}
	}
	p.logger.Debug("connection opened", "path", p.path, "writeable", writeable)
	return conn, nil
}
