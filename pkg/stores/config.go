package stores

import "time"

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// Config holds store configuration
type Config struct {
	// Driver selects the implementation: sqlite, badger or memory.
	Driver string

	// Path is the SQLite database file or the Badger directory.
	Path string

	// SQLite connection pool.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration

	// InMemory runs Badger without touching disk.
	InMemory bool

	// SyncWrites makes Badger fsync every commit.
	SyncWrites bool
}
