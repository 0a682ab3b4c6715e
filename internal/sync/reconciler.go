package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/repo"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

// Reconciler folds remote change streams into the local cache so that other
// devices' writes become visible without polling. It applies changes for
// the signed-in user and skips self-authored messages, which enter the
// cache at send time.
type Reconciler struct {
	db     *store.DB
	remote remote.Store
	sess   *session.Session
	logger *zap.Logger

	cancel context.CancelFunc
	wg     gosync.WaitGroup
	unsubs []func()
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, rs remote.Store, sess *session.Session, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, remote: rs, sess: sess, logger: logger}
}

// Start subscribes to every remote collection and applies changes until the
// context is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	collections := []string{
		repo.ColProfiles,
		repo.ColFriendships,
		repo.ColConversations,
		repo.ColMessages,
	}
	for _, collection := range collections {
		ch, unsub, err := r.remote.Subscribe(ctx, collection)
		if err != nil {
			r.Stop()
			return fmt.Errorf("subscribe %s: %w", collection, err)
		}
		r.unsubs = append(r.unsubs, unsub)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case change, ok := <-ch:
					if !ok {
						return
					}
					r.apply(change)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Stop unsubscribes and waits for the apply loops to drain.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.wg.Wait()
}

func (r *Reconciler) apply(change remote.Change) {
	var err error
	switch change.Collection {
	case repo.ColProfiles:
		err = r.applyProfile(change)
	case repo.ColFriendships:
		err = r.applyFriendship(change)
	case repo.ColConversations:
		err = r.applyConversation(change)
	case repo.ColMessages:
		err = r.applyMessage(change)
	default:
		return
	}
	if err != nil {
		r.logger.Error("applying remote change failed",
			zap.String("collection", change.Collection),
			zap.String("id", change.ID),
			zap.Error(err))
		return
	}
	if err := r.db.SetSyncState("reconciled."+change.Collection, change.ID); err != nil {
		r.logger.Warn("writing reconcile checkpoint failed", zap.Error(err))
	}
}

func (r *Reconciler) applyProfile(change remote.Change) error {
	if change.Deleted {
		// Profiles never cascade; leaderboard rows age out on their own.
		return r.db.DeleteProfile(change.ID)
	}
	var doc repo.ProfileDoc
	if err := json.Unmarshal(change.Doc, &doc); err != nil {
		return fmt.Errorf("decode profile %s: %w", change.ID, err)
	}
	row := doc.CacheRow(doc.ID == r.sess.UserID, time.Now().UnixMilli())
	if cached, err := r.db.GetProfile(doc.ID); err == nil && cached != nil {
		row.ComputedRank = cached.ComputedRank
	}
	return r.db.UpsertProfile(row)
}

func (r *Reconciler) applyFriendship(change remote.Change) error {
	if change.Deleted {
		return r.db.DeleteFriendship(change.ID)
	}
	var doc repo.FriendshipDoc
	if err := json.Unmarshal(change.Doc, &doc); err != nil {
		return fmt.Errorf("decode friendship %s: %w", change.ID, err)
	}
	if doc.UserID != r.sess.UserID && doc.FriendID != r.sess.UserID {
		return nil
	}
	return r.db.UpsertFriendship(doc.CacheRow(time.Now().UnixMilli()))
}

func (r *Reconciler) applyConversation(change remote.Change) error {
	if change.Deleted {
		return r.db.PurgeConversation(change.ID)
	}
	var doc repo.ConversationDoc
	if err := json.Unmarshal(change.Doc, &doc); err != nil {
		return fmt.Errorf("decode conversation %s: %w", change.ID, err)
	}
	if doc.ParticipantA != r.sess.UserID && doc.ParticipantB != r.sess.UserID {
		return nil
	}
	return r.db.UpsertConversation(doc.CacheRow(time.Now().UnixMilli()))
}

func (r *Reconciler) applyMessage(change remote.Change) error {
	if change.Deleted {
		return r.db.DeleteMessage(change.ID)
	}
	var doc repo.MessageDoc
	if err := json.Unmarshal(change.Doc, &doc); err != nil {
		return fmt.Errorf("decode message %s: %w", change.ID, err)
	}
	// Self-authored messages are cached by the send path; applying the
	// change stream copy would race the id swap of a replayed message.
	if doc.SenderID == r.sess.UserID {
		return nil
	}
	if doc.ReceiverID != r.sess.UserID {
		return nil
	}

	// The message row needs its conversation parent; seed a stub when the
	// conversation change has not arrived yet.
	if conv, err := r.db.GetConversation(doc.ConversationID); err != nil {
		return err
	} else if conv == nil {
		a, b := store.SortPair(doc.SenderID, doc.ReceiverID)
		if err := r.db.UpsertConversation(&store.Conversation{
			ID:           doc.ConversationID,
			ParticipantA: a,
			ParticipantB: b,
			CreatedAt:    doc.Timestamp,
		}); err != nil {
			return err
		}
	}
	return r.db.UpsertMessage(doc.CacheRow(time.Now().UnixMilli()))
}
