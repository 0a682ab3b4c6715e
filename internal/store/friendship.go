package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertFriendship inserts or updates a directed friendship row.
func (db *DB) UpsertFriendship(f *Friendship) error {
	now := time.Now().UnixMilli()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO friendships (id, user_id, friend_id, status, created_at, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_sync_at = excluded.last_sync_at`,
		f.ID, f.UserID, f.FriendID, f.Status, f.CreatedAt, f.LastSyncAt)
	if err != nil {
		return err
	}
	db.notify("friendships", f.ID)
	return nil
}

// GetFriendship returns a directed friendship row by id, or nil when absent.
func (db *DB) GetFriendship(id string) (*Friendship, error) {
	var f Friendship
	err := db.QueryRow(`
		SELECT id, user_id, friend_id, status, created_at, last_sync_at
		FROM friendships WHERE id = ?`, id).
		Scan(&f.ID, &f.UserID, &f.FriendID, &f.Status, &f.CreatedAt, &f.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFriendships returns a user's outgoing rows, optionally filtered by
// status. Accepted friendships appear once per direction, so a user's friend
// list is a single scan over their own rows.
func (db *DB) ListFriendships(userID string, status FriendshipStatus) ([]Friendship, error) {
	query := `
		SELECT id, user_id, friend_id, status, created_at, last_sync_at
		FROM friendships WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var fs []Friendship
	for rows.Next() {
		var f Friendship
		if err := rows.Scan(&f.ID, &f.UserID, &f.FriendID, &f.Status, &f.CreatedAt, &f.LastSyncAt); err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, rows.Err()
}

// ListIncomingRequests returns pending rows addressed to userID.
func (db *DB) ListIncomingRequests(userID string) ([]Friendship, error) {
	rows, err := db.Query(`
		SELECT id, user_id, friend_id, status, created_at, last_sync_at
		FROM friendships WHERE friend_id = ? AND status = 'pending'
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var fs []Friendship
	for rows.Next() {
		var f Friendship
		if err := rows.Scan(&f.ID, &f.UserID, &f.FriendID, &f.Status, &f.CreatedAt, &f.LastSyncAt); err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, rows.Err()
}

// PutFriendshipPair writes both directed rows of an accepted friendship in
// one local transaction. Readers never observe a mixed pending/accepted
// state.
func (db *DB) PutFriendshipPair(a, b *Friendship) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin friendship tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, f := range []*Friendship{a, b} {
		if f.CreatedAt == 0 {
			f.CreatedAt = now
		}
		if _, err := tx.Exec(`
			INSERT INTO friendships (id, user_id, friend_id, status, created_at, last_sync_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				last_sync_at = excluded.last_sync_at`,
			f.ID, f.UserID, f.FriendID, f.Status, f.CreatedAt, f.LastSyncAt); err != nil {
			return fmt.Errorf("upsert friendship %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit friendship tx: %w", err)
	}
	db.notify("friendships", a.ID)
	db.notify("friendships", b.ID)
	return nil
}

// DeleteFriendshipPair removes both directed rows atomically. Deleting a
// pair that does not exist is a no-op.
func (db *DB) DeleteFriendshipPair(idA, idB string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin friendship tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range []string{idA, idB} {
		if _, err := tx.Exec(`DELETE FROM friendships WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete friendship %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit friendship tx: %w", err)
	}
	db.notify("friendships", idA)
	db.notify("friendships", idB)
	return nil
}

// DeleteFriendship removes a single directed row.
func (db *DB) DeleteFriendship(id string) error {
	_, err := db.Exec(`DELETE FROM friendships WHERE id = ?`, id)
	if err != nil {
		return err
	}
	db.notify("friendships", id)
	return nil
}
