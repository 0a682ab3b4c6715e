package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.questlog/config.toml.
type Config struct {
	// UserID is the signed-in user's remote id, written by the login flow.
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`

	// ListenAddr is where the local HTTP API binds. Loopback only; the
	// daemon is not meant to be reachable from the network.
	ListenAddr string `toml:"listen_addr"`

	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`
}

// RemoteConfig holds connection settings for the remote document store.
type RemoteConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	ReplayInterval duration `toml:"replay_interval"`
	ProbeInterval  duration `toml:"probe_interval"`
	MaxAttempts    int      `toml:"max_attempts"`
}

// duration wraps time.Duration for TOML string values like "15s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:7780",
		Remote: RemoteConfig{
			Addr: "localhost:6379",
		},
		Sync: SyncConfig{
			ReplayInterval: duration{15 * time.Second},
			ProbeInterval:  duration{5 * time.Second},
			MaxAttempts:    10,
		},
	}
}

// ReplayInterval returns the replay ticker period.
func (c *Config) ReplayInterval() time.Duration { return c.Sync.ReplayInterval.Duration }

// ProbeInterval returns the connectivity probe period.
func (c *Config) ProbeInterval() time.Duration { return c.Sync.ProbeInterval.Duration }

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
