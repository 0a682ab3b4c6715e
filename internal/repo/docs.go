// Package repo implements the domain repositories. Each repository
// translates domain operations into Local Cache Store and Remote
// Authoritative Store calls and owns the consistency rules of its entity:
// bidirectional friendship documents, deterministic conversation ids,
// unread-counter transactions.
package repo

import (
	"encoding/json"
	"fmt"

	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/store"
)

// Remote collection names. JSON field names line up with the index rules in
// internal/remote.
const (
	ColProfiles      = "profiles"
	ColFriendships   = "friendships"
	ColConversations = "conversations"
	ColMessages      = "messages"
)

// ProfileDoc is the remote profile document.
type ProfileDoc struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	AvatarRef       string `json:"avatar_ref"`
	XPTotal         int64  `json:"xp_total"`
	QuestsCompleted int64  `json:"quests_completed"`
	StreakDays      int64  `json:"streak_days"`
	CreatedAt       int64  `json:"created_at"`
}

// FriendshipDoc is one directed friendship edge in the remote store.
type FriendshipDoc struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	FriendID  string `json:"friend_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// ConversationDoc is the remote conversation document. Participants are
// stored sorted, same as the cache, so the id never needs a lookup.
type ConversationDoc struct {
	ID                  string         `json:"id"`
	ParticipantA        string         `json:"participant_a"`
	ParticipantB        string         `json:"participant_b"`
	LastMessage         string         `json:"last_message"`
	LastMessageSenderID string         `json:"last_message_sender_id"`
	LastMessageAt       int64          `json:"last_message_at"`
	UnreadCounts        map[string]int `json:"unread_counts"`
	CreatedAt           int64          `json:"created_at"`
}

// MessageDoc is the remote message document. Its id is the client-generated
// uuid, which makes replay idempotent: a second write of the same message
// hits the same path.
type MessageDoc struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Type           string `json:"msg_type"`
	IsRead         bool   `json:"is_read"`
}

func (d *ProfileDoc) CacheRow(isLocal bool, syncedAt int64) *store.Profile {
	return &store.Profile{
		ID:              d.ID,
		DisplayName:     d.DisplayName,
		AvatarRef:       d.AvatarRef,
		XPTotal:         d.XPTotal,
		QuestsCompleted: d.QuestsCompleted,
		StreakDays:      d.StreakDays,
		IsLocalUser:     isLocal,
		CreatedAt:       d.CreatedAt,
		LastSyncAt:      syncedAt,
	}
}

func (d *FriendshipDoc) CacheRow(syncedAt int64) *store.Friendship {
	return &store.Friendship{
		ID:         d.ID,
		UserID:     d.UserID,
		FriendID:   d.FriendID,
		Status:     store.FriendshipStatus(d.Status),
		CreatedAt:  d.CreatedAt,
		LastSyncAt: syncedAt,
	}
}

func (d *ConversationDoc) CacheRow(syncedAt int64) *store.Conversation {
	counts := d.UnreadCounts
	if counts == nil {
		counts = map[string]int{}
	}
	return &store.Conversation{
		ID:                  d.ID,
		ParticipantA:        d.ParticipantA,
		ParticipantB:        d.ParticipantB,
		LastMessage:         d.LastMessage,
		LastMessageSenderID: d.LastMessageSenderID,
		LastMessageAt:       d.LastMessageAt,
		UnreadCounts:        counts,
		CreatedAt:           d.CreatedAt,
		LastSyncAt:          syncedAt,
	}
}

func (d *MessageDoc) CacheRow(syncedAt int64) *store.Message {
	return &store.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		Timestamp:      d.Timestamp,
		IsRead:         d.IsRead,
		Type:           d.Type,
		SyncStatus:     store.SyncSynced,
		LastSyncAt:     syncedAt,
	}
}

// getDoc fetches and decodes a document inside a transaction.
func getDoc[T any](tx remote.Tx, path string) (*T, error) {
	data, err := tx.Get(path)
	if err != nil {
		return nil, err
	}
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &doc, nil
}

// putDoc encodes and stages a document inside a transaction.
func putDoc(tx remote.Tx, path string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tx.Put(path, data)
	return nil
}
