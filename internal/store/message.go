package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if m.SyncStatus == "" {
		m.SyncStatus = SyncSynced
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, timestamp, is_read, msg_type, is_sent_locally, sync_status, sync_error, attempts, created_at, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			is_read = excluded.is_read,
			sync_status = excluded.sync_status,
			sync_error = excluded.sync_error,
			last_sync_at = excluded.last_sync_at`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.Timestamp, m.IsRead, m.Type, m.IsSentLocally, m.SyncStatus, m.SyncError, m.Attempts, m.CreatedAt, m.LastSyncAt)
	if err != nil {
		return err
	}
	db.notify("messages", m.ID)
	return nil
}

// GetMessage returns a message by id, or nil when absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, receiver_id, content, timestamp, is_read, msg_type, is_sent_locally, sync_status, sync_error, attempts, created_at, last_sync_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.IsRead, &m.Type, &m.IsSentLocally, &m.SyncStatus, &m.SyncError, &m.Attempts, &m.CreatedAt, &m.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest page first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, content, timestamp, is_read, msg_type, is_sent_locally, sync_status, sync_error, attempts, created_at, last_sync_at
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// PendingMessages returns locally-authored messages still awaiting remote
// confirmation, in insertion order (oldest first). Replay preserves this
// order within each conversation.
func (db *DB) PendingMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, receiver_id, content, timestamp, is_read, msg_type, is_sent_locally, sync_status, sync_error, attempts, created_at, last_sync_at
		FROM messages
		WHERE is_sent_locally = 1 AND sync_status = 'PENDING'
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// QueueDepth returns the number of locally-authored PENDING and FAILED
// messages.
func (db *DB) QueueDepth() (pending, failed int, err error) {
	err = db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE sync_status = 'PENDING'),
			COUNT(*) FILTER (WHERE sync_status = 'FAILED')
		FROM messages WHERE is_sent_locally = 1`).Scan(&pending, &failed)
	return pending, failed, err
}

// MarkMessageSynced swaps the local placeholder id for the remote-confirmed
// id and finalizes the row as SYNCED. The sync engine is the only caller.
func (db *DB) MarkMessageSynced(localID, remoteID string) error {
	res, err := db.Exec(`
		UPDATE messages
		SET id = ?, sync_status = 'SYNCED', is_sent_locally = 0, sync_error = '', last_sync_at = ?
		WHERE id = ?`,
		remoteID, time.Now().UnixMilli(), localID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark synced: message %s not found", localID)
	}
	db.notify("messages", remoteID)
	return nil
}

// MarkMessageFailed finalizes a pending row as FAILED with a reason. The row
// stays visible until the user retries or discards it.
func (db *DB) MarkMessageFailed(id, reason string) error {
	_, err := db.Exec(`
		UPDATE messages SET sync_status = 'FAILED', sync_error = ? WHERE id = ?`,
		reason, id)
	if err != nil {
		return err
	}
	db.notify("messages", id)
	return nil
}

// IncrementMessageAttempts bumps the replay attempt counter and returns the
// new value.
func (db *DB) IncrementMessageAttempts(id string) (int, error) {
	var attempts int
	err := db.QueryRow(`
		UPDATE messages SET attempts = attempts + 1 WHERE id = ?
		RETURNING attempts`, id).Scan(&attempts)
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// RequeueMessage flips a FAILED message back to PENDING (explicit user
// retry). Returns false when the message is absent or not FAILED.
func (db *DB) RequeueMessage(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages
		SET sync_status = 'PENDING', sync_error = '', attempts = 0
		WHERE id = ? AND sync_status = 'FAILED'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		db.notify("messages", id)
	}
	return n > 0, nil
}

// DeleteMessage removes a message row (explicit discard of a failed send, or
// a remote deletion carried through by reconciliation).
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	db.notify("messages", id)
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.IsRead, &m.Type, &m.IsSentLocally, &m.SyncStatus, &m.SyncError, &m.Attempts, &m.CreatedAt, &m.LastSyncAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
