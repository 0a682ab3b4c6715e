package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/questlog/questlog/internal/domain"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/store"
)

func remoteConversation(t *testing.T, rs *remote.Memory, id string) *ConversationDoc {
	t.Helper()
	data, err := rs.Get(context.Background(), remote.DocPath(ColConversations, id))
	if err != nil {
		t.Fatal(err)
	}
	var doc ConversationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	return &doc
}

func TestGetOrCreateConversationDeterministic(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	bob := alice.peer(t, "bob")
	ctx := context.Background()

	c1, err := alice.messages.GetOrCreateConversation(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := bob.messages.GetOrCreateConversation(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID != c2.ID || c1.ID != "alice_bob" {
		t.Errorf("ids = %q, %q, want both alice_bob", c1.ID, c2.ID)
	}
	if c1.UnreadCounts["alice"] != 0 || c1.UnreadCounts["bob"] != 0 {
		t.Errorf("unread counts = %v, want zeroed", c1.UnreadCounts)
	}
}

func TestSendMessageOnline(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	ctx := context.Background()

	m, err := alice.messages.SendMessage(ctx, "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(m.ID, store.LocalMessagePrefix) {
		t.Errorf("id = %q, want no local placeholder prefix", m.ID)
	}
	if m.SyncStatus != store.SyncSynced {
		t.Errorf("status = %s, want SYNCED", m.SyncStatus)
	}

	conv := remoteConversation(t, alice.remote, m.ConversationID)
	if conv.LastMessage != "hello" || conv.LastMessageSenderID != "alice" {
		t.Errorf("conversation metadata = %+v, want hello from alice", conv)
	}
	if conv.UnreadCounts["bob"] != 1 {
		t.Errorf("bob's unread = %d, want 1", conv.UnreadCounts["bob"])
	}
	if conv.UnreadCounts["alice"] != 0 {
		t.Errorf("alice's unread = %d, want 0", conv.UnreadCounts["alice"])
	}
}

func TestSendMessageOfflineQueues(t *testing.T) {
	alice := newTestEnv(t, "alice", false)
	ctx := context.Background()

	m1, err := alice.messages.SendMessage(ctx, "bob", "first")
	if err != nil {
		t.Fatal(err)
	}
	m2, err := alice.messages.SendMessage(ctx, "bob", "second")
	if err != nil {
		t.Fatal(err)
	}

	for _, m := range []*store.Message{m1, m2} {
		if !strings.HasPrefix(m.ID, store.LocalMessagePrefix) {
			t.Errorf("id = %q, want local placeholder prefix", m.ID)
		}
		if m.SyncStatus != store.SyncPending {
			t.Errorf("status = %s, want PENDING", m.SyncStatus)
		}
	}

	pending, err := alice.db.PendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].Content != "first" || pending[1].Content != "second" {
		t.Errorf("pending order = %q, %q, want oldest first", pending[0].Content, pending[1].Content)
	}

	// Nothing reached the remote store.
	if _, err := alice.remote.Get(ctx, remote.DocPath(ColConversations, "alice_bob")); !domain.IsNotFound(err) {
		t.Errorf("remote conversation exists while offline: err = %v", err)
	}
}

func TestSendMessageTransientFailureQueues(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	ctx := context.Background()

	// Create the conversation first so only the push fails.
	if _, err := alice.messages.GetOrCreateConversation(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	alice.remote.SetFailure(errors.New("connection reset"))
	m, err := alice.messages.SendMessage(ctx, "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != store.SyncPending {
		t.Errorf("status = %s, want PENDING after transient failure", m.SyncStatus)
	}
}

func TestSendMessageValidation(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	ctx := context.Background()

	if _, err := alice.messages.SendMessage(ctx, "alice", "hi"); !errors.Is(err, domain.ErrInvalidUser) {
		t.Errorf("send to self: err = %v, want ErrInvalidUser", err)
	}
	if _, err := alice.messages.SendMessage(ctx, "bob", "   "); !errors.Is(err, domain.ErrInvalidUser) {
		t.Errorf("blank content: err = %v, want ErrInvalidUser", err)
	}
}

func TestPushMessageIdempotent(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	ctx := context.Background()

	m := &store.Message{
		ID:             store.LocalMessagePrefix + "abc-123",
		ConversationID: store.ConversationID("alice", "bob"),
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hello",
		Timestamp:      1000,
		Type:           "text",
	}

	if _, err := alice.messages.PushMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.messages.PushMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	conv := remoteConversation(t, alice.remote, m.ConversationID)
	if conv.UnreadCounts["bob"] != 1 {
		t.Errorf("bob's unread = %d, want 1 after duplicate push", conv.UnreadCounts["bob"])
	}

	docs, err := alice.remote.Query(ctx, remote.Query{Collection: ColMessages})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("remote messages = %d, want 1", len(docs))
	}
}

func TestConcurrentPushesIncrementUnreadExactly(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	ctx := context.Background()
	convID := store.ConversationID("alice", "bob")

	const sends = 100
	var wg sync.WaitGroup
	wg.Add(sends)
	for i := 0; i < sends; i++ {
		go func(i int) {
			defer wg.Done()
			m := &store.Message{
				ID:             fmt.Sprintf("msg-%03d", i),
				ConversationID: convID,
				SenderID:       "alice",
				ReceiverID:     "bob",
				Content:        "ping",
				Timestamp:      int64(i),
				Type:           "text",
			}
			if _, err := alice.messages.PushMessage(ctx, m); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	conv := remoteConversation(t, alice.remote, convID)
	if conv.UnreadCounts["bob"] != sends {
		t.Errorf("bob's unread = %d, want %d", conv.UnreadCounts["bob"], sends)
	}

	docs, err := alice.remote.Query(ctx, remote.Query{Collection: ColMessages})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != sends {
		t.Errorf("remote messages = %d, want %d", len(docs), sends)
	}
}

func TestMarkMessagesAsRead(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	bob := alice.peer(t, "bob")
	ctx := context.Background()

	m, err := alice.messages.SendMessage(ctx, "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}

	// Bob's cache learns about the message (reconciliation stands in).
	conv := remoteConversation(t, bob.remote, m.ConversationID)
	if err := bob.db.UpsertConversation(conv.CacheRow(0)); err != nil {
		t.Fatal(err)
	}
	row := *m
	row.IsRead = false
	if err := bob.db.UpsertMessage(&row); err != nil {
		t.Fatal(err)
	}

	if err := bob.messages.MarkMessagesAsRead(ctx, m.ConversationID); err != nil {
		t.Fatal(err)
	}

	cached, err := bob.db.GetConversation(m.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if cached.UnreadCounts["bob"] != 0 {
		t.Errorf("cached unread = %d, want 0", cached.UnreadCounts["bob"])
	}

	remoteConv := remoteConversation(t, bob.remote, m.ConversationID)
	if remoteConv.UnreadCounts["bob"] != 0 {
		t.Errorf("remote unread = %d, want 0", remoteConv.UnreadCounts["bob"])
	}

	msgs, err := bob.messages.Messages(ctx, m.ConversationID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Errorf("messages = %+v, want single read message", msgs)
	}
}

func TestRetryAndDiscard(t *testing.T) {
	alice := newTestEnv(t, "alice", false)
	ctx := context.Background()

	m, err := alice.messages.SendMessage(ctx, "bob", "doomed")
	if err != nil {
		t.Fatal(err)
	}

	// Retrying a message that is not FAILED is rejected.
	if err := alice.messages.RetryMessage(ctx, m.ID); !errors.Is(err, domain.ErrNotFailed) {
		t.Errorf("retry pending: err = %v, want ErrNotFailed", err)
	}
	if err := alice.messages.DiscardMessage(ctx, m.ID); !errors.Is(err, domain.ErrNotFailed) {
		t.Errorf("discard pending: err = %v, want ErrNotFailed", err)
	}

	if err := alice.db.MarkMessageFailed(m.ID, "rejected"); err != nil {
		t.Fatal(err)
	}

	if err := alice.messages.RetryMessage(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	got, err := alice.db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != store.SyncPending || got.Attempts != 0 {
		t.Errorf("after retry: status = %s attempts = %d, want PENDING/0", got.SyncStatus, got.Attempts)
	}

	if err := alice.db.MarkMessageFailed(m.ID, "rejected again"); err != nil {
		t.Fatal(err)
	}
	if err := alice.messages.DiscardMessage(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	gone, err := alice.db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Errorf("discarded message still cached: %+v", gone)
	}

	if err := alice.messages.RetryMessage(ctx, m.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("retry missing: err = %v, want ErrNotFound", err)
	}
}

func TestConversationsOrdering(t *testing.T) {
	alice := newTestEnv(t, "alice", true)
	ctx := context.Background()

	if _, err := alice.messages.SendMessage(ctx, "bob", "to bob"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond) // distinct last_message_at
	if _, err := alice.messages.SendMessage(ctx, "carol", "to carol"); err != nil {
		t.Fatal(err)
	}

	convs, err := alice.messages.Conversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	if convs[0].LastMessage != "to carol" {
		t.Errorf("most recent = %q, want the carol conversation first", convs[0].LastMessage)
	}
}
