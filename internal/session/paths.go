package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.questlog.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".questlog")
}

// Dir returns the per-user profile directory.
func Dir(userID string) string {
	return filepath.Join(BaseDir(), "profiles", userID)
}

// LockPath returns the daemon lock file path for a user.
func LockPath(userID string) string {
	return filepath.Join(Dir(userID), "LOCK")
}

// CacheDBPath returns the local cache database path for a user.
func CacheDBPath(userID string) string {
	return filepath.Join(Dir(userID), "cache.db")
}

// LogDir returns the log directory for a user.
func LogDir(userID string) string {
	return filepath.Join(Dir(userID), "logs")
}

// LogPath returns the daemon log file path for a user.
func LogPath(userID string) string {
	return filepath.Join(LogDir(userID), "questlogd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(userID string) error {
	for _, d := range []string{Dir(userID), LogDir(userID)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
