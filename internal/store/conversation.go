package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation row.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	counts, err := marshalUnread(c.UnreadCounts)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, last_message, last_message_sender_id, last_message_at, unread_counts, created_at, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = excluded.last_message,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_at = excluded.last_message_at,
			unread_counts = excluded.unread_counts,
			last_sync_at = excluded.last_sync_at`,
		c.ID, c.ParticipantA, c.ParticipantB, c.LastMessage, c.LastMessageSenderID, c.LastMessageAt, counts, c.CreatedAt, c.LastSyncAt)
	if err != nil {
		return err
	}
	db.notify("conversations", c.ID)
	return nil
}

// GetConversation returns a conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var counts string
	err := db.QueryRow(`
		SELECT id, participant_a, participant_b, last_message, last_message_sender_id, last_message_at, unread_counts, created_at, last_sync_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessage, &c.LastMessageSenderID, &c.LastMessageAt, &counts, &c.CreatedAt, &c.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(counts), &c.UnreadCounts); err != nil {
		return nil, fmt.Errorf("decode unread counts for %s: %w", id, err)
	}
	return &c, nil
}

// ListConversations returns a user's conversations, most recent message
// first.
func (db *DB) ListConversations(userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_a, participant_b, last_message, last_message_sender_id, last_message_at, unread_counts, created_at, last_sync_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_message_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var counts string
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessage, &c.LastMessageSenderID, &c.LastMessageAt, &counts, &c.CreatedAt, &c.LastSyncAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(counts), &c.UnreadCounts); err != nil {
			return nil, fmt.Errorf("decode unread counts for %s: %w", c.ID, err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// MarkConversationRead flags every unread message addressed to userID in the
// conversation as read and zeroes the user's unread counter, in one local
// transaction.
func (db *DB) MarkConversationRead(conversationID, userID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0`,
		conversationID, userID); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	var counts string
	err = tx.QueryRow(`SELECT unread_counts FROM conversations WHERE id = ?`, conversationID).Scan(&counts)
	if err == sql.ErrNoRows {
		// Nothing cached yet; the message update above was a no-op too.
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("read unread counts: %w", err)
	}

	var m map[string]int
	if err := json.Unmarshal([]byte(counts), &m); err != nil {
		return fmt.Errorf("decode unread counts for %s: %w", conversationID, err)
	}
	if m == nil {
		m = map[string]int{}
	}
	m[userID] = 0
	updated, err := marshalUnread(m)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE conversations SET unread_counts = ? WHERE id = ?`, updated, conversationID); err != nil {
		return fmt.Errorf("reset unread counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit read tx: %w", err)
	}
	db.notify("conversations", conversationID)
	db.notify("messages", conversationID)
	return nil
}

// PurgeConversation applies a remote conversation deletion. Synced messages
// go with it; locally-authored pending messages are failed instead of
// dropped, and while any message rows remain the conversation row stays as
// their parent.
func (db *DB) PurgeConversation(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE messages SET sync_status = 'FAILED', sync_error = 'conversation deleted remotely'
		WHERE conversation_id = ? AND is_sent_locally = 1 AND sync_status = 'PENDING'`, id); err != nil {
		return fmt.Errorf("fail pending messages: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE conversation_id = ? AND NOT (is_sent_locally = 1 AND sync_status = 'FAILED')`, id); err != nil {
		return fmt.Errorf("purge messages: %w", err)
	}

	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, id).Scan(&remaining); err != nil {
		return fmt.Errorf("count remaining messages: %w", err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("purge conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge tx: %w", err)
	}
	db.notify("conversations", id)
	db.notify("messages", id)
	return nil
}

// DeleteConversation removes a conversation row.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	db.notify("conversations", id)
	return nil
}

func marshalUnread(m map[string]int) (string, error) {
	if m == nil {
		m = map[string]int{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode unread counts: %w", err)
	}
	return string(data), nil
}
