package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/questlog/questlog/internal/bus"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/repo"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

func newReconcilerEnv(t *testing.T) (*store.DB, *remote.Memory, *Reconciler) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	rs := remote.NewMemory()
	rec := NewReconciler(db, rs, session.New("bob", "Bob"), zap.NewNop())
	if err := rec.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rec.Stop)
	return db, rs, rec
}

func putJSON(t *testing.T, rs *remote.Memory, path string, doc any) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.Put(context.Background(), path, data); err != nil {
		t.Fatal(err)
	}
}

func TestReconcilerAppliesProfiles(t *testing.T) {
	db, rs, _ := newReconcilerEnv(t)

	putJSON(t, rs, remote.DocPath(repo.ColProfiles, "alice"),
		&repo.ProfileDoc{ID: "alice", DisplayName: "Alice", XPTotal: 120, CreatedAt: 1})

	waitFor(t, "profile to appear in cache", func() bool {
		p, err := db.GetProfile("alice")
		return err == nil && p != nil && p.XPTotal == 120
	})

	p, err := db.GetProfile("alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.IsLocalUser {
		t.Error("foreign profile flagged as local user")
	}
}

func TestReconcilerFlagsOwnProfile(t *testing.T) {
	db, rs, _ := newReconcilerEnv(t)

	putJSON(t, rs, remote.DocPath(repo.ColProfiles, "bob"),
		&repo.ProfileDoc{ID: "bob", DisplayName: "Bob", XPTotal: 10, CreatedAt: 1})

	waitFor(t, "own profile to appear in cache", func() bool {
		p, err := db.GetProfile("bob")
		return err == nil && p != nil && p.IsLocalUser
	})
}

func TestReconcilerFiltersForeignFriendships(t *testing.T) {
	db, rs, _ := newReconcilerEnv(t)

	putJSON(t, rs, remote.DocPath(repo.ColFriendships, "alice_bob"),
		&repo.FriendshipDoc{ID: "alice_bob", UserID: "alice", FriendID: "bob", Status: "pending", CreatedAt: 1})
	putJSON(t, rs, remote.DocPath(repo.ColFriendships, "carol_dave"),
		&repo.FriendshipDoc{ID: "carol_dave", UserID: "carol", FriendID: "dave", Status: "pending", CreatedAt: 1})

	waitFor(t, "bob's incoming request to appear", func() bool {
		reqs, err := db.ListIncomingRequests("bob")
		return err == nil && len(reqs) == 1
	})

	foreign, err := db.GetFriendship("carol_dave")
	if err != nil {
		t.Fatal(err)
	}
	if foreign != nil {
		t.Errorf("unrelated friendship cached: %+v", foreign)
	}
}

func TestReconcilerAppliesInboundMessages(t *testing.T) {
	db, rs, _ := newReconcilerEnv(t)
	convID := store.ConversationID("alice", "bob")

	// The message change can arrive before its conversation document.
	putJSON(t, rs, remote.DocPath(repo.ColMessages, "m1"),
		&repo.MessageDoc{ID: "m1", ConversationID: convID, SenderID: "alice", ReceiverID: "bob", Content: "hi", Timestamp: 100, Type: "text"})

	waitFor(t, "inbound message to appear", func() bool {
		m, err := db.GetMessage("m1")
		return err == nil && m != nil
	})

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != store.SyncSynced || m.IsSentLocally {
		t.Errorf("inbound message = %+v, want remote-authored SYNCED", m)
	}
	conv, err := db.GetConversation(convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil {
		t.Error("conversation stub not seeded for inbound message")
	}
}

func TestReconcilerSkipsOwnMessages(t *testing.T) {
	db, rs, _ := newReconcilerEnv(t)
	convID := store.ConversationID("alice", "bob")

	putJSON(t, rs, remote.DocPath(repo.ColMessages, "mine"),
		&repo.MessageDoc{ID: "mine", ConversationID: convID, SenderID: "bob", ReceiverID: "alice", Content: "from me", Timestamp: 100, Type: "text"})
	// A second, inbound message proves the first change was consumed.
	putJSON(t, rs, remote.DocPath(repo.ColMessages, "theirs"),
		&repo.MessageDoc{ID: "theirs", ConversationID: convID, SenderID: "alice", ReceiverID: "bob", Content: "to me", Timestamp: 200, Type: "text"})

	waitFor(t, "inbound message to appear", func() bool {
		m, err := db.GetMessage("theirs")
		return err == nil && m != nil
	})

	mine, err := db.GetMessage("mine")
	if err != nil {
		t.Fatal(err)
	}
	if mine != nil {
		t.Errorf("self-authored message cached by reconciler: %+v", mine)
	}
}

func TestReconcilerPurgesDeletedConversation(t *testing.T) {
	db, rs, _ := newReconcilerEnv(t)
	convID := store.ConversationID("alice", "bob")
	convPath := remote.DocPath(repo.ColConversations, convID)

	putJSON(t, rs, convPath, &repo.ConversationDoc{
		ID: convID, ParticipantA: "alice", ParticipantB: "bob", CreatedAt: 1,
	})
	putJSON(t, rs, remote.DocPath(repo.ColMessages, "m1"),
		&repo.MessageDoc{ID: "m1", ConversationID: convID, SenderID: "alice", ReceiverID: "bob", Content: "hi", Timestamp: 100, Type: "text"})

	waitFor(t, "message to appear", func() bool {
		m, err := db.GetMessage("m1")
		return err == nil && m != nil
	})

	if err := rs.Delete(context.Background(), convPath); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "conversation to be purged", func() bool {
		c, err := db.GetConversation(convID)
		return err == nil && c == nil
	})

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("message survived conversation purge: %+v", m)
	}
}
