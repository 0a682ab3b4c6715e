package repo

import (
	"path/filepath"
	"testing"

	"github.com/questlog/questlog/internal/bus"
	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

// testEnv wires a repository stack against the in-memory remote store and a
// throwaway sqlite cache.
type testEnv struct {
	db      *store.DB
	remote  *remote.Memory
	monitor *connectivity.Manual
	bus     *bus.Bus
	sess    *session.Session

	profiles    *ProfileRepository
	friendships *FriendshipRepository
	messages    *MessageRepository
}

func newTestEnv(t *testing.T, userID string, online bool) *testEnv {
	t.Helper()

	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	rs := remote.NewMemory()
	mon := connectivity.NewManual(online, b)
	sess := session.New(userID, userID)
	logger := zap.NewNop()

	return &testEnv{
		db:          db,
		remote:      rs,
		monitor:     mon,
		bus:         b,
		sess:        sess,
		profiles:    NewProfileRepository(db, rs, mon, sess, logger),
		friendships: NewFriendshipRepository(db, rs, mon, b, logger),
		messages:    NewMessageRepository(db, rs, mon, b, sess, logger),
	}
}

// peer builds a second repository stack for another user sharing the same
// remote store, as if on another device.
func (e *testEnv) peer(t *testing.T, userID string) *testEnv {
	t.Helper()

	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mon := connectivity.NewManual(true, b)
	sess := session.New(userID, userID)
	logger := zap.NewNop()

	return &testEnv{
		db:          db,
		remote:      e.remote,
		monitor:     mon,
		bus:         b,
		sess:        sess,
		profiles:    NewProfileRepository(db, e.remote, mon, sess, logger),
		friendships: NewFriendshipRepository(db, e.remote, mon, b, logger),
		messages:    NewMessageRepository(db, e.remote, mon, b, sess, logger),
	}
}
