package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/questlog/questlog/internal/bus"
)

// DB wraps the SQLite connection holding the local cache. It is the single
// writer of durable state; every other component goes through its methods.
// Mutations publish "cache.<table>" events on the bus so local subscribers
// (HTTP API, notifier) see changes without polling.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The bus may be nil, in which case change events are dropped.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// notify publishes a cache-change event for a table. Payload is the key of
// the changed row; subscribers re-read through the store's query methods.
func (db *DB) notify(table, key string) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.NewEvent("cache."+table, key))
}
