package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/domain"
	"github.com/questlog/questlog/internal/remote"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	"go.uber.org/zap"
)

// ProfileRepository serves profile reads cache-first and keeps XP mutations
// remote-first: XP totals are contended (rank depends on every profile), so
// they are never queued; a quest completed offline surfaces as ErrOffline
// and the caller retries when connectivity returns.
type ProfileRepository struct {
	db      *store.DB
	remote  remote.Store
	monitor connectivity.Monitor
	sess    *session.Session
	logger  *zap.Logger
}

// NewProfileRepository creates a profile repository.
func NewProfileRepository(db *store.DB, rs remote.Store, mon connectivity.Monitor, sess *session.Session, logger *zap.Logger) *ProfileRepository {
	return &ProfileRepository{db: db, remote: rs, monitor: mon, sess: sess, logger: logger}
}

// Bootstrap ensures the signed-in user has a profile in both stores. First
// run creates a zeroed profile; subsequent runs refresh the cache from the
// remote copy. Offline, a local-only row is created and reconciled later.
func (r *ProfileRepository) Bootstrap(ctx context.Context) error {
	uid := r.sess.UserID
	now := time.Now().UnixMilli()

	if !r.monitor.Online() {
		cached, err := r.db.GetProfile(uid)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if cached != nil {
			return nil
		}
		row := &store.Profile{ID: uid, DisplayName: r.sess.DisplayName, IsLocalUser: true, CreatedAt: now}
		if err := r.db.UpsertProfile(row); err != nil {
			return fmt.Errorf("bootstrap offline profile: %w", err)
		}
		return nil
	}

	path := remote.DocPath(ColProfiles, uid)
	var doc ProfileDoc
	data, err := r.remote.Get(ctx, path)
	switch {
	case domain.IsNotFound(err):
		doc = ProfileDoc{ID: uid, DisplayName: r.sess.DisplayName, CreatedAt: now}
		payload, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		if err := r.remote.Put(ctx, path, payload); err != nil {
			return fmt.Errorf("create remote profile: %w", err)
		}
	case err != nil:
		return fmt.Errorf("bootstrap: %w", err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode profile %s: %w", uid, err)
		}
	}

	if err := r.db.UpsertProfile(doc.CacheRow(true, now)); err != nil {
		return fmt.Errorf("cache profile %s: %w", uid, err)
	}
	return nil
}

// Get returns a profile, refreshing the cache from the remote store when
// online. A transient remote failure falls back to the cached copy; a cache
// miss while offline is ErrNotFound.
func (r *ProfileRepository) Get(ctx context.Context, id string) (*store.Profile, error) {
	if r.monitor.Online() {
		data, err := r.remote.Get(ctx, remote.DocPath(ColProfiles, id))
		switch {
		case domain.IsNotFound(err):
			return nil, fmt.Errorf("profile %s: %w", id, domain.ErrNotFound)
		case err != nil:
			r.logger.Warn("remote profile read failed, serving cache", zap.String("id", id), zap.Error(err))
		default:
			var doc ProfileDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("decode profile %s: %w", id, err)
			}
			row := doc.CacheRow(id == r.sess.UserID, time.Now().UnixMilli())
			if cached, err := r.db.GetProfile(id); err == nil && cached != nil {
				row.ComputedRank = cached.ComputedRank
			}
			if err := r.db.UpsertProfile(row); err != nil {
				return nil, fmt.Errorf("cache profile %s: %w", id, err)
			}
			return row, nil
		}
	}

	cached, err := r.db.GetProfile(id)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}
	if cached == nil {
		return nil, fmt.Errorf("profile %s: %w", id, domain.ErrNotFound)
	}
	return cached, nil
}

// AddXP applies an XP delta with a remote read-increment-write transaction;
// a blind overwrite would lose concurrent awards. completedQuest also bumps
// the quest counter. The cached rank is refreshed afterwards, best-effort.
func (r *ProfileRepository) AddXP(ctx context.Context, id string, delta int64, completedQuest bool) (*store.Profile, error) {
	if !r.monitor.Online() {
		return nil, fmt.Errorf("add xp: %w", domain.ErrOffline)
	}

	path := remote.DocPath(ColProfiles, id)
	var doc *ProfileDoc
	err := r.remote.RunTransaction(ctx, []string{path}, func(tx remote.Tx) error {
		var err error
		doc, err = getDoc[ProfileDoc](tx, path)
		if err != nil {
			return err
		}
		doc.XPTotal += delta
		if doc.XPTotal < 0 {
			doc.XPTotal = 0
		}
		if completedQuest {
			doc.QuestsCompleted++
		}
		return putDoc(tx, path, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("add xp for %s: %w", id, err)
	}

	row := doc.CacheRow(id == r.sess.UserID, time.Now().UnixMilli())
	if err := r.db.UpsertProfile(row); err != nil {
		return nil, fmt.Errorf("cache profile %s: %w", id, err)
	}

	// Every XP-changing operation refreshes the rank approximation.
	if rank, err := r.GetUserRank(ctx, id); err != nil {
		r.logger.Warn("rank refresh failed", zap.String("id", id), zap.Error(err))
	} else {
		row.ComputedRank = rank
	}
	return row, nil
}

// CompleteQuest awards quest XP to the signed-in user.
func (r *ProfileRepository) CompleteQuest(ctx context.Context, xp int64) (*store.Profile, error) {
	return r.AddXP(ctx, r.sess.UserID, xp, true)
}

// GetUserRank computes rank as the count of profiles with strictly greater
// XP plus one, and caches it on the profile. This is a read-time
// approximation; offline it serves the last cached value.
func (r *ProfileRepository) GetUserRank(ctx context.Context, id string) (int64, error) {
	if !r.monitor.Online() {
		cached, err := r.db.GetProfile(id)
		if err != nil {
			return 0, fmt.Errorf("rank for %s: %w", id, err)
		}
		if cached == nil || cached.ComputedRank == 0 {
			return 0, fmt.Errorf("rank for %s: %w", id, domain.ErrOffline)
		}
		return cached.ComputedRank, nil
	}

	data, err := r.remote.Get(ctx, remote.DocPath(ColProfiles, id))
	if err != nil {
		return 0, fmt.Errorf("rank for %s: %w", id, err)
	}
	var doc ProfileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode profile %s: %w", id, err)
	}

	greater, err := r.remote.Count(ctx, remote.Query{
		Collection: ColProfiles,
		Field:      "xp_total",
		Op:         remote.OpGt,
		Value:      doc.XPTotal,
	})
	if err != nil {
		return 0, fmt.Errorf("rank for %s: %w", id, err)
	}
	rank := greater + 1

	if err := r.db.SetComputedRank(id, rank); err != nil {
		r.logger.Warn("caching rank failed", zap.String("id", id), zap.Error(err))
	}
	return rank, nil
}

// Leaderboard returns the top profiles by XP: a remote ordered query when
// online (feeding the cache), the cached ordering otherwise.
func (r *ProfileRepository) Leaderboard(ctx context.Context, limit int) ([]store.Profile, error) {
	if limit <= 0 {
		limit = 50
	}
	if !r.monitor.Online() {
		return r.db.ListProfilesByXP(limit)
	}

	docs, err := r.remote.Query(ctx, remote.Query{
		Collection: ColProfiles,
		OrderBy:    "xp_total",
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		r.logger.Warn("remote leaderboard failed, serving cache", zap.Error(err))
		return r.db.ListProfilesByXP(limit)
	}

	now := time.Now().UnixMilli()
	profiles := make([]store.Profile, 0, len(docs))
	for i, d := range docs {
		var doc ProfileDoc
		if err := json.Unmarshal(d.Data, &doc); err != nil {
			return nil, fmt.Errorf("decode leaderboard entry %s: %w", d.Path, err)
		}
		row := doc.CacheRow(doc.ID == r.sess.UserID, now)
		row.ComputedRank = int64(i + 1)
		if err := r.db.UpsertProfile(row); err != nil {
			return nil, fmt.Errorf("cache leaderboard entry %s: %w", doc.ID, err)
		}
		profiles = append(profiles, *row)
	}
	return profiles, nil
}

// Settings returns the signed-in user's settings, creating defaults on
// first read. Settings are device-local and never synced.
func (r *ProfileRepository) Settings(ctx context.Context) (*store.Settings, error) {
	s, err := r.db.GetSettings(r.sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	if s == nil {
		s = &store.Settings{UserID: r.sess.UserID, Theme: "system", NotificationsEnabled: true, SoundEnabled: true}
		if err := r.db.UpsertSettings(s); err != nil {
			return nil, fmt.Errorf("default settings: %w", err)
		}
	}
	return s, nil
}

// UpdateSettings writes the signed-in user's settings singleton.
func (r *ProfileRepository) UpdateSettings(ctx context.Context, s *store.Settings) error {
	s.UserID = r.sess.UserID
	if err := r.db.UpsertSettings(s); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// SignOut wipes the local cache. The only full-cache deletion.
func (r *ProfileRepository) SignOut(ctx context.Context) error {
	if err := r.db.Wipe(); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}
