package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/questlog/questlog/internal/bus"
	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/domain"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

// MessageRepository handles conversations and chat messages. Sends are
// queue-first: a message that cannot reach the remote store is cached as
// PENDING and replayed later, so sending never blocks on connectivity.
type MessageRepository struct {
	db      *store.DB
	remote  remote.Store
	monitor connectivity.Monitor
	bus     *bus.Bus
	sess    *session.Session
	logger  *zap.Logger
}

// NewMessageRepository creates a message repository.
func NewMessageRepository(db *store.DB, rs remote.Store, mon connectivity.Monitor, b *bus.Bus, sess *session.Session, logger *zap.Logger) *MessageRepository {
	return &MessageRepository{db: db, remote: rs, monitor: mon, bus: b, sess: sess, logger: logger}
}

// GetOrCreateConversation returns the conversation between the signed-in
// user and other, creating it with zeroed unread counters when absent. The
// id is derived from the sorted participant pair, so both sides compute the
// same one and creation is idempotent. Offline, only the cache row is
// created; the remote document materializes with the first delivered
// message.
func (r *MessageRepository) GetOrCreateConversation(ctx context.Context, other string) (*store.Conversation, error) {
	me := r.sess.UserID
	if other == "" || other == me {
		return nil, fmt.Errorf("conversation with %q: %w", other, domain.ErrInvalidUser)
	}
	convID := store.ConversationID(me, other)

	if cached, err := r.db.GetConversation(convID); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", convID, err)
	} else if cached != nil {
		return cached, nil
	}

	now := time.Now().UnixMilli()
	a, b := store.SortPair(me, other)
	doc := &ConversationDoc{
		ID:           convID,
		ParticipantA: a,
		ParticipantB: b,
		UnreadCounts: map[string]int{a: 0, b: 0},
		CreatedAt:    now,
	}

	if r.monitor.Online() {
		path := remote.DocPath(ColConversations, convID)
		err := r.remote.RunTransaction(ctx, []string{path}, func(tx remote.Tx) error {
			existing, err := getDoc[ConversationDoc](tx, path)
			if err == nil {
				doc = existing
				return nil
			}
			if !domain.IsNotFound(err) {
				return err
			}
			return putDoc(tx, path, doc)
		})
		if err != nil && !domain.IsTransient(err) {
			return nil, fmt.Errorf("conversation %s: %w", convID, err)
		}
		if err != nil {
			r.logger.Warn("remote conversation create deferred", zap.String("id", convID), zap.Error(err))
		}
	}

	row := doc.CacheRow(now)
	if err := r.db.UpsertConversation(row); err != nil {
		return nil, fmt.Errorf("cache conversation %s: %w", convID, err)
	}
	return row, nil
}

// SendMessage delivers a message to receiver, or queues it when the remote
// store is unreachable. The assigned id is a client uuid either way: a
// delivered message carries it as-is, a queued one carries it behind the
// local placeholder prefix until replay confirms it. Only a permanent
// remote rejection is an error; everything else resolves to a queued
// message.
func (r *MessageRepository) SendMessage(ctx context.Context, receiver, content string) (*store.Message, error) {
	me := r.sess.UserID
	if receiver == "" || receiver == me {
		return nil, fmt.Errorf("send to %q: %w", receiver, domain.ErrInvalidUser)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("send to %s: empty content: %w", receiver, domain.ErrInvalidUser)
	}

	if _, err := r.GetOrCreateConversation(ctx, receiver); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	m := &store.Message{
		ID:             store.LocalMessagePrefix + uuid.NewString(),
		ConversationID: store.ConversationID(me, receiver),
		SenderID:       me,
		ReceiverID:     receiver,
		Content:        content,
		Timestamp:      now,
		Type:           "text",
		IsSentLocally:  true,
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
	}

	if r.monitor.Online() {
		conv, err := r.PushMessage(ctx, m)
		switch {
		case err == nil:
			m.ID = strings.TrimPrefix(m.ID, store.LocalMessagePrefix)
			m.SyncStatus = store.SyncSynced
			m.IsSentLocally = false
			m.LastSyncAt = time.Now().UnixMilli()
			if err := r.db.UpsertMessage(m); err != nil {
				return nil, fmt.Errorf("cache message %s: %w", m.ID, err)
			}
			if err := r.db.UpsertConversation(conv); err != nil {
				return nil, fmt.Errorf("cache conversation %s: %w", conv.ID, err)
			}
			r.bus.Publish(bus.NewEvent("message.sent", map[string]string{
				"id":           m.ID,
				"conversation": m.ConversationID,
			}))
			return m, nil
		case domain.IsPermanent(err):
			return nil, fmt.Errorf("send to %s: %w", receiver, err)
		default:
			r.logger.Warn("direct send failed, queueing", zap.String("id", m.ID), zap.Error(err))
		}
	}

	if err := r.db.UpsertMessage(m); err != nil {
		return nil, fmt.Errorf("queue message %s: %w", m.ID, err)
	}
	r.bus.Publish(bus.NewEvent("message.queued", map[string]string{
		"id":           m.ID,
		"conversation": m.ConversationID,
	}))
	return m, nil
}

// PushMessage writes one message to the remote store: one transaction
// inserts the message document, updates the conversation metadata, and
// increments the receiver's unread counter. The remote id is the message's
// client uuid (placeholder prefix stripped), so a replay of an
// already-delivered message finds its own document and becomes a no-op.
// The caller owns the cache row; the sync engine flips its status, the
// direct-send path writes it afterwards.
func (r *MessageRepository) PushMessage(ctx context.Context, m *store.Message) (*store.Conversation, error) {
	remoteID := strings.TrimPrefix(m.ID, store.LocalMessagePrefix)
	msgPath := remote.DocPath(ColMessages, remoteID)
	convPath := remote.DocPath(ColConversations, m.ConversationID)

	var conv *ConversationDoc
	err := r.remote.RunTransaction(ctx, []string{msgPath, convPath}, func(tx remote.Tx) error {
		if _, err := getDoc[MessageDoc](tx, msgPath); err == nil {
			// Already delivered by an earlier attempt.
			conv, err = getDoc[ConversationDoc](tx, convPath)
			if domain.IsNotFound(err) {
				conv = nil
				return nil
			}
			return err
		} else if !domain.IsNotFound(err) {
			return err
		}

		var err error
		conv, err = getDoc[ConversationDoc](tx, convPath)
		if domain.IsNotFound(err) {
			a, b := store.SortPair(m.SenderID, m.ReceiverID)
			conv = &ConversationDoc{
				ID:           m.ConversationID,
				ParticipantA: a,
				ParticipantB: b,
				UnreadCounts: map[string]int{a: 0, b: 0},
				CreatedAt:    m.Timestamp,
			}
		} else if err != nil {
			return err
		}
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = map[string]int{}
		}

		doc := &MessageDoc{
			ID:             remoteID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			ReceiverID:     m.ReceiverID,
			Content:        m.Content,
			Timestamp:      m.Timestamp,
			Type:           m.Type,
		}
		if err := putDoc(tx, msgPath, doc); err != nil {
			return err
		}

		conv.LastMessage = m.Content
		conv.LastMessageSenderID = m.SenderID
		conv.LastMessageAt = m.Timestamp
		conv.UnreadCounts[m.ReceiverID]++
		return putDoc(tx, convPath, conv)
	})
	if err != nil {
		return nil, fmt.Errorf("push message %s: %w", remoteID, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("push message %s: conversation %s: %w", remoteID, m.ConversationID, domain.ErrConversationGone)
	}
	return conv.CacheRow(time.Now().UnixMilli()), nil
}

// MarkMessagesAsRead flags the conversation's unread messages addressed to
// the signed-in user as read and zeroes the local counter, then resets the
// remote counter best-effort. A remote failure here only delays the other
// side's badge; the next read attempt repairs it.
func (r *MessageRepository) MarkMessagesAsRead(ctx context.Context, conversationID string) error {
	me := r.sess.UserID
	if err := r.db.MarkConversationRead(conversationID, me); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}

	if !r.monitor.Online() {
		return nil
	}
	path := remote.DocPath(ColConversations, conversationID)
	err := r.remote.RunTransaction(ctx, []string{path}, func(tx remote.Tx) error {
		conv, err := getDoc[ConversationDoc](tx, path)
		if domain.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if conv.UnreadCounts == nil {
			conv.UnreadCounts = map[string]int{}
		}
		if conv.UnreadCounts[me] == 0 {
			return nil
		}
		conv.UnreadCounts[me] = 0
		return putDoc(tx, path, conv)
	})
	if err != nil {
		r.logger.Warn("remote unread reset deferred", zap.String("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// RetryMessage flips a FAILED message back to PENDING so the next replay
// cycle picks it up. Requeueing never happens implicitly; this is the
// explicit user action.
func (r *MessageRepository) RetryMessage(ctx context.Context, id string) error {
	ok, err := r.db.RequeueMessage(id)
	if err != nil {
		return fmt.Errorf("retry message %s: %w", id, err)
	}
	if !ok {
		m, err := r.db.GetMessage(id)
		if err != nil {
			return fmt.Errorf("retry message %s: %w", id, err)
		}
		if m == nil {
			return fmt.Errorf("retry message %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("retry message %s: status %s: %w", id, m.SyncStatus, domain.ErrNotFailed)
	}
	r.bus.Publish(bus.NewEvent("message.requeued", map[string]string{"id": id}))
	return nil
}

// DiscardMessage drops a FAILED message permanently. Only failed sends can
// be discarded; delivered history is immutable here.
func (r *MessageRepository) DiscardMessage(ctx context.Context, id string) error {
	m, err := r.db.GetMessage(id)
	if err != nil {
		return fmt.Errorf("discard message %s: %w", id, err)
	}
	if m == nil {
		return fmt.Errorf("discard message %s: %w", id, domain.ErrNotFound)
	}
	if m.SyncStatus != store.SyncFailed {
		return fmt.Errorf("discard message %s: status %s: %w", id, m.SyncStatus, domain.ErrNotFailed)
	}
	if err := r.db.DeleteMessage(id); err != nil {
		return fmt.Errorf("discard message %s: %w", id, err)
	}
	return nil
}

// Conversations lists the signed-in user's conversations from the cache,
// most recent first.
func (r *MessageRepository) Conversations(ctx context.Context, limit int) ([]store.Conversation, error) {
	return r.db.ListConversations(r.sess.UserID, limit)
}

// Messages pages through a conversation's cached messages, newest page
// first. Pending and failed sends appear inline with their current status.
func (r *MessageRepository) Messages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return r.db.ListMessages(conversationID, beforeTs, limit)
}
