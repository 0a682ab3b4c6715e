package store

import (
	"strings"
)

// SyncStatus is the lifecycle state of a locally-authored write.
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
)

// FriendshipStatus is the state of a directed friendship row.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipDeclined FriendshipStatus = "declined"
)

// LocalMessagePrefix marks placeholder ids assigned to messages written
// while offline. The prefix is replaced by the remote-confirmed id on
// successful replay.
const LocalMessagePrefix = "local:"

// Profile is the cached copy of a user's remote profile document.
type Profile struct {
	ID              string
	DisplayName     string
	AvatarRef       string
	XPTotal         int64
	QuestsCompleted int64
	StreakDays      int64
	ComputedRank    int64
	IsLocalUser     bool
	CreatedAt       int64
	LastSyncAt      int64
}

// Friendship is one directed edge of a friendship. An accepted friendship
// between A and B is two rows (A_B and B_A); a pending request is a single
// row keyed requester_target.
type Friendship struct {
	ID         string
	UserID     string
	FriendID   string
	Status     FriendshipStatus
	CreatedAt  int64
	LastSyncAt int64
}

// Conversation is the cached conversation document. Participants are stored
// sorted so the id is reproducible without a lookup.
type Conversation struct {
	ID                  string
	ParticipantA        string
	ParticipantB        string
	LastMessage         string
	LastMessageSenderID string
	LastMessageAt       int64
	UnreadCounts        map[string]int
	CreatedAt           int64
	LastSyncAt          int64
}

// Message is a cached chat message. While a locally-authored message is
// still pending, ID carries the LocalMessagePrefix placeholder.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Timestamp      int64
	IsRead         bool
	Type           string
	IsSentLocally  bool
	SyncStatus     SyncStatus
	SyncError      string
	Attempts       int
	CreatedAt      int64
	LastSyncAt     int64
}

// Settings is the per-user singleton settings row.
type Settings struct {
	UserID               string
	Theme                string
	NotificationsEnabled bool
	SoundEnabled         bool
	UpdatedAt            int64
}

// FriendshipID returns the directed row key for a request from -> to.
func FriendshipID(from, to string) string {
	return from + "_" + to
}

// ConversationID returns the deterministic conversation id for a pair of
// participants: lexicographically sorted, joined by "_". Both orders of the
// same pair produce the same id.
func ConversationID(a, b string) string {
	lo, hi := SortPair(a, b)
	return lo + "_" + hi
}

// SortPair returns the two ids in lexicographic order.
func SortPair(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}
