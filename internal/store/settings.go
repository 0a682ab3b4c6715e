package store

import (
	"database/sql"
	"time"
)

// UpsertSettings inserts or updates the per-user settings singleton.
func (db *DB) UpsertSettings(s *Settings) error {
	s.UpdatedAt = time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO settings (user_id, theme, notifications_enabled, sound_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			theme = excluded.theme,
			notifications_enabled = excluded.notifications_enabled,
			sound_enabled = excluded.sound_enabled,
			updated_at = excluded.updated_at`,
		s.UserID, s.Theme, s.NotificationsEnabled, s.SoundEnabled, s.UpdatedAt)
	if err != nil {
		return err
	}
	db.notify("settings", s.UserID)
	return nil
}

// GetSettings returns a user's settings, or nil when never written.
func (db *DB) GetSettings(userID string) (*Settings, error) {
	var s Settings
	err := db.QueryRow(`
		SELECT user_id, theme, notifications_enabled, sound_enabled, updated_at
		FROM settings WHERE user_id = ?`, userID).
		Scan(&s.UserID, &s.Theme, &s.NotificationsEnabled, &s.SoundEnabled, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
