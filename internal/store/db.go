package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// dsnOptions enables WAL so the control socket can read while the engine
// writes. Transactions take the write lock up front; the engine, the outbox
// sender and the reconciler write from different goroutines, and a deferred
// lock upgrade would fail with SQLITE_BUSY instead of waiting.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// DB wraps the SQLite connection for the profile's chatsync.db.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path. Call Migrate before use.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{db}, nil
}
