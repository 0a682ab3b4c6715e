package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.UserID = "alice"
	cfg.Remote.Addr = "redis.example.com:6379"
	cfg.Sync.MaxAttempts = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", loaded.UserID)
	}
	if loaded.Remote.Addr != "redis.example.com:6379" {
		t.Errorf("Remote.Addr = %q, want redis.example.com:6379", loaded.Remote.Addr)
	}
	if loaded.Sync.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", loaded.Sync.MaxAttempts)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("user_id = \"bob\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", cfg.UserID)
	}
	if cfg.ReplayInterval() != 15*time.Second {
		t.Errorf("ReplayInterval = %v, want 15s", cfg.ReplayInterval())
	}
	if cfg.ListenAddr == "" {
		t.Error("ListenAddr default not applied")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Sync.ReplayInterval = duration{42 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ReplayInterval() != 42*time.Second {
		t.Errorf("ReplayInterval = %v, want 42s", loaded.ReplayInterval())
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
