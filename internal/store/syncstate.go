package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SetSyncState stores a reconciliation checkpoint.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetSyncState retrieves a checkpoint value; missing keys return "".
func (db *DB) GetSyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Wipe deletes every cached row. Called on sign-out; the only full-cache
// deletion in the system.
func (db *DB) Wipe() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin wipe tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Children before parents so foreign keys hold throughout.
	for _, table := range []string{"messages", "conversations", "friendships", "settings", "sync_state", "profiles"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wipe tx: %w", err)
	}
	for _, table := range []string{"messages", "conversations", "friendships", "settings", "profiles"} {
		db.notify(table, "")
	}
	return nil
}
