package sqlitepool

import (
	"fmt"
	"runtime"
)

// NewPool creates a connection pool with reasonable defaults: WAL mode,
// a 5 second busy timeout, and one reader per CPU (minimum 4). Use
// OpenPool with a Config when you need control over flags, capacity, or
// the per-connection setup hook.
func NewPool(dbPath string) (*Pool, error) {
	readers := runtime.NumCPU()
	if readers < defaultMaxReaders {
		readers = defaultMaxReaders
	}
	pool, err := OpenPool(Config{
		Path:       dbPath,
		MaxReaders: readers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create default pool at %s: %w", dbPath, err)
	}
	return pool, nil
}
