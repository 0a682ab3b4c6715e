package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/questlog/questlog/internal/bus"
	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/domain"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

// FriendshipRepository maintains bidirectional friendship consistency. An
// accepted friendship is two directed documents written in one transaction;
// a pending request is a single directed document. Mutations are remote-first
// and require connectivity: friendship state is contended between two users,
// so there is no safe way to queue them for replay.
type FriendshipRepository struct {
	db      *store.DB
	remote  remote.Store
	monitor connectivity.Monitor
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewFriendshipRepository creates a friendship repository.
func NewFriendshipRepository(db *store.DB, rs remote.Store, mon connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *FriendshipRepository {
	return &FriendshipRepository{db: db, remote: rs, monitor: mon, bus: b, logger: logger}
}

// SendRequest writes a single pending edge from -> to. Detection precedes
// write, inside one transaction: an accepted edge either direction fails
// with ErrAlreadyFriends, a pending edge in the opposite direction fails
// with ErrRequestPending, and a retry of the same request is idempotent.
func (r *FriendshipRepository) SendRequest(ctx context.Context, from, to string) error {
	if from == to || from == "" || to == "" {
		return fmt.Errorf("send request %s->%s: %w", from, to, domain.ErrInvalidUser)
	}
	if !r.monitor.Online() {
		return fmt.Errorf("send request: %w", domain.ErrOffline)
	}

	outID := store.FriendshipID(from, to)
	inID := store.FriendshipID(to, from)
	outPath := remote.DocPath(ColFriendships, outID)
	inPath := remote.DocPath(ColFriendships, inID)

	now := time.Now().UnixMilli()
	doc := &FriendshipDoc{
		ID:        outID,
		UserID:    from,
		FriendID:  to,
		Status:    string(store.FriendshipPending),
		CreatedAt: now,
	}

	err := r.remote.RunTransaction(ctx, []string{outPath, inPath}, func(tx remote.Tx) error {
		for _, path := range []string{outPath, inPath} {
			existing, err := getDoc[FriendshipDoc](tx, path)
			if domain.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			switch store.FriendshipStatus(existing.Status) {
			case store.FriendshipAccepted:
				return domain.ErrAlreadyFriends
			case store.FriendshipPending:
				if existing.ID == outID {
					// Retry of the same request; keep the original.
					doc = existing
					return nil
				}
				return domain.ErrRequestPending
			}
		}
		return putDoc(tx, outPath, doc)
	})
	if err != nil {
		return fmt.Errorf("send request %s->%s: %w", from, to, err)
	}

	if err := r.db.UpsertFriendship(doc.CacheRow(now)); err != nil {
		return fmt.Errorf("cache friend request %s: %w", outID, err)
	}
	return nil
}

// AcceptRequest flips the pending edge from -> to to accepted and writes the
// mirror edge, both in one transaction. Readers never observe the mixed
// state.
func (r *FriendshipRepository) AcceptRequest(ctx context.Context, from, to string) error {
	if !r.monitor.Online() {
		return fmt.Errorf("accept request: %w", domain.ErrOffline)
	}

	outID := store.FriendshipID(from, to)
	mirrorID := store.FriendshipID(to, from)
	outPath := remote.DocPath(ColFriendships, outID)
	mirrorPath := remote.DocPath(ColFriendships, mirrorID)

	now := time.Now().UnixMilli()
	var accepted, mirror *FriendshipDoc

	err := r.remote.RunTransaction(ctx, []string{outPath, mirrorPath}, func(tx remote.Tx) error {
		pending, err := getDoc[FriendshipDoc](tx, outPath)
		if domain.IsNotFound(err) {
			return domain.ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if store.FriendshipStatus(pending.Status) != store.FriendshipPending {
			return domain.ErrRequestNotFound
		}

		accepted = pending
		accepted.Status = string(store.FriendshipAccepted)
		mirror = &FriendshipDoc{
			ID:        mirrorID,
			UserID:    to,
			FriendID:  from,
			Status:    string(store.FriendshipAccepted),
			CreatedAt: now,
		}
		if err := putDoc(tx, outPath, accepted); err != nil {
			return err
		}
		return putDoc(tx, mirrorPath, mirror)
	})
	if err != nil {
		return fmt.Errorf("accept request %s->%s: %w", from, to, err)
	}

	if err := r.db.PutFriendshipPair(accepted.CacheRow(now), mirror.CacheRow(now)); err != nil {
		return fmt.Errorf("cache accepted friendship: %w", err)
	}

	r.bus.Publish(bus.NewEvent("friend.accepted", map[string]string{
		"user":   from,
		"friend": to,
	}))
	return nil
}

// DeclineRequest deletes the pending edge from -> to. Deleting an absent
// edge is a no-op; notification of the requester is the notifier's concern,
// not this repository's.
func (r *FriendshipRepository) DeclineRequest(ctx context.Context, from, to string) error {
	if !r.monitor.Online() {
		return fmt.Errorf("decline request: %w", domain.ErrOffline)
	}

	outID := store.FriendshipID(from, to)
	if err := r.remote.Delete(ctx, remote.DocPath(ColFriendships, outID)); err != nil {
		return fmt.Errorf("decline request %s: %w", outID, err)
	}
	if err := r.db.DeleteFriendship(outID); err != nil {
		return fmt.Errorf("uncache declined request %s: %w", outID, err)
	}
	return nil
}

// RemoveFriend deletes both directed edges atomically. Unconditional: when
// no friendship exists the operation is a no-op, not an error.
func (r *FriendshipRepository) RemoveFriend(ctx context.Context, a, b string) error {
	if !r.monitor.Online() {
		return fmt.Errorf("remove friend: %w", domain.ErrOffline)
	}

	abID := store.FriendshipID(a, b)
	baID := store.FriendshipID(b, a)
	abPath := remote.DocPath(ColFriendships, abID)
	baPath := remote.DocPath(ColFriendships, baID)

	err := r.remote.RunTransaction(ctx, []string{abPath, baPath}, func(tx remote.Tx) error {
		tx.Delete(abPath)
		tx.Delete(baPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove friend %s/%s: %w", a, b, err)
	}

	if err := r.db.DeleteFriendshipPair(abID, baID); err != nil {
		return fmt.Errorf("uncache friendship %s/%s: %w", a, b, err)
	}
	return nil
}

// Friends returns the user's accepted friendships from the cache.
func (r *FriendshipRepository) Friends(ctx context.Context, userID string) ([]store.Friendship, error) {
	return r.db.ListFriendships(userID, store.FriendshipAccepted)
}

// IncomingRequests returns pending requests addressed to the user, from the
// cache.
func (r *FriendshipRepository) IncomingRequests(ctx context.Context, userID string) ([]store.Friendship, error) {
	return r.db.ListIncomingRequests(userID)
}

// OutgoingRequests returns the user's own pending requests, from the cache.
func (r *FriendshipRepository) OutgoingRequests(ctx context.Context, userID string) ([]store.Friendship, error) {
	return r.db.ListFriendships(userID, store.FriendshipPending)
}
