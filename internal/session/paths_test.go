package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("alice")
	want := filepath.Join(home, ".questlog", "profiles", "alice")
	if got != want {
		t.Errorf("Dir(alice) = %q, want %q", got, want)
	}
}

func TestCacheDBPath(t *testing.T) {
	got := CacheDBPath("alice")
	if !strings.HasSuffix(got, filepath.Join("profiles", "alice", "cache.db")) {
		t.Errorf("CacheDBPath(alice) = %q, want suffix profiles/alice/cache.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("alice")
	if !strings.HasSuffix(got, filepath.Join("profiles", "alice", "LOCK")) {
		t.Errorf("LockPath(alice) = %q, want suffix profiles/alice/LOCK", got)
	}
}
