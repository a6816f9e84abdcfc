package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caasmo/sqlitepool"
)

type config struct {
	MaxReaders    int `toml:"max_readers"`
	BusyTimeoutMS int `toml:"busy_timeout_ms"`
	Readers       int `toml:"readers"` // concurrent read goroutines in the demo
	Rows          int `toml:"rows"`
}

func defaults() config {
	return config{MaxReaders: 4, BusyTimeoutMS: 5000, Readers: 8, Rows: 100}
}

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite database file (required)")
	cfgPath := flag.String("config", "", "Optional TOML config file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -db <database-path> [-config <toml-file>]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a pooled, nested-transaction workload against a SQLite file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dbPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := defaults()
	if *cfgPath != "" {
		if _, err := toml.DecodeFile(*cfgPath, &cfg); err != nil {
			slog.Error("failed to read config file", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, err := sqlitepool.OpenPool(sqlitepool.Config{
		Path:        *dbPath,
		MaxReaders:  cfg.MaxReaders,
		BusyTimeout: time.Duration(cfg.BusyTimeoutMS) * time.Millisecond,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	defer func() {
		slog.Info("Closing database pool...")
		if err := pool.Close(); err != nil {
			slog.Error("Error closing database pool", "error", err)
		}
	}()

	ctx := context.Background()

	if err := seed(ctx, pool, cfg.Rows); err != nil {
		slog.Error("failed to seed database", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Readers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := report(ctx, pool, id); err != nil {
				slog.Error("reader failed", "reader", id, "error", err)
			}
		}(i)
	}
	wg.Wait()

	slog.Info("done",
		"open_connections", pool.OpenCount(),
		"borrowed", pool.BorrowedCount(),
	)
}

// seed writes demo rows inside one immediate transaction, with a nested
// scope that is rolled back on purpose: the odd batch never persists.
func seed(ctx context.Context, pool *sqlitepool.Pool, rows int) error {
	tx, err := sqlitepool.BeginPoolTransaction(ctx, pool)
	if err != nil {
		return err
	}
	defer tx.Finish()

	conn := tx.Conn()
	if err := conn.Exec(`CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY,
		label TEXT NOT NULL,
		value INTEGER NOT NULL
	)`, nil); err != nil {
		return err
	}
	if err := conn.Exec(`DELETE FROM samples`, nil); err != nil {
		return err
	}

	for i := 0; i < rows; i++ {
		if err := conn.Exec(`INSERT INTO samples (label, value) VALUES (?, ?)`,
			nil, "even", i*2); err != nil {
			return err
		}
	}

	// Nested scope, abandoned: none of these rows survive the rollback.
	if err := conn.Begin(false); err != nil {
		return err
	}
	for i := 0; i < rows; i++ {
		if err := conn.Exec(`INSERT INTO samples (label, value) VALUES (?, ?)`,
			nil, "odd", i*2+1); err != nil {
			return err
		}
	}
	if err := conn.Rollback(); err != nil {
		return err
	}

	return tx.Commit()
}

func report(ctx context.Context, pool *sqlitepool.Pool, id int) error {
	lease, err := pool.Borrow(ctx)
	if err != nil {
		return err
	}
	if lease == nil {
		return fmt.Errorf("no reader available")
	}
	defer lease.Release()

	var count, max int64
	err = lease.Conn().Exec(`SELECT COUNT(*) AS n, MAX(value) AS m FROM samples`,
		func(stmt *sqlitepool.Stmt) error {
			count = stmt.GetInt64("n")
			max = stmt.GetInt64("m")
			return nil
		})
	if err != nil {
		return err
	}
	slog.Info("read", "reader", id, "rows", count, "max_value", max)
	return nil
}
