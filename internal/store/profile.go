package store

import (
	"database/sql"
	"time"
)

// UpsertProfile inserts or updates a profile row (idempotent on id).
func (db *DB) UpsertProfile(p *Profile) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO profiles (id, display_name, avatar_ref, xp_total, quests_completed, streak_days, computed_rank, is_local_user, created_at, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			xp_total = excluded.xp_total,
			quests_completed = excluded.quests_completed,
			streak_days = excluded.streak_days,
			computed_rank = excluded.computed_rank,
			is_local_user = excluded.is_local_user,
			last_sync_at = excluded.last_sync_at`,
		p.ID, p.DisplayName, p.AvatarRef, p.XPTotal, p.QuestsCompleted, p.StreakDays, p.ComputedRank, p.IsLocalUser, p.CreatedAt, p.LastSyncAt)
	if err != nil {
		return err
	}
	db.notify("profiles", p.ID)
	return nil
}

// GetProfile returns a profile by id, or nil when absent.
func (db *DB) GetProfile(id string) (*Profile, error) {
	var p Profile
	err := db.QueryRow(`
		SELECT id, display_name, avatar_ref, xp_total, quests_completed, streak_days, computed_rank, is_local_user, created_at, last_sync_at
		FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.XPTotal, &p.QuestsCompleted, &p.StreakDays, &p.ComputedRank, &p.IsLocalUser, &p.CreatedAt, &p.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LocalProfile returns the row flagged is_local_user, or nil when the user
// has not bootstrapped yet.
func (db *DB) LocalProfile() (*Profile, error) {
	var p Profile
	err := db.QueryRow(`
		SELECT id, display_name, avatar_ref, xp_total, quests_completed, streak_days, computed_rank, is_local_user, created_at, last_sync_at
		FROM profiles WHERE is_local_user = 1`).
		Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.XPTotal, &p.QuestsCompleted, &p.StreakDays, &p.ComputedRank, &p.IsLocalUser, &p.CreatedAt, &p.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfilesByXP returns cached profiles sorted by XP descending. Used for
// the offline leaderboard view.
func (db *DB) ListProfilesByXP(limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, display_name, avatar_ref, xp_total, quests_completed, streak_days, computed_rank, is_local_user, created_at, last_sync_at
		FROM profiles
		ORDER BY xp_total DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.XPTotal, &p.QuestsCompleted, &p.StreakDays, &p.ComputedRank, &p.IsLocalUser, &p.CreatedAt, &p.LastSyncAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// SetComputedRank caches a freshly-computed rank on a profile.
func (db *DB) SetComputedRank(id string, rank int64) error {
	_, err := db.Exec(`UPDATE profiles SET computed_rank = ?, last_sync_at = ? WHERE id = ?`,
		rank, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	db.notify("profiles", id)
	return nil
}

// DeleteProfile removes a profile row. Deletion is always explicit; the
// engine never drops profiles on its own.
func (db *DB) DeleteProfile(id string) error {
	_, err := db.Exec(`DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	db.notify("profiles", id)
	return nil
}
