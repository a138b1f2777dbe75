package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.wpphub/config.toml.
type Config struct {
	DataDir  string         `toml:"data_dir"`
	HTTP     HTTPConfig     `toml:"http"`
	Database DatabaseConfig `toml:"database"`
	Sync     SyncConfig     `toml:"sync"`
	Driver   DriverConfig   `toml:"driver"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// DatabaseConfig controls persistence. With Enabled false the daemon runs
// without a store and mutations echo their input.
type DatabaseConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// SyncConfig tunes the chat list engine.
type SyncConfig struct {
	CacheTTL      Duration `toml:"cache_ttl"`
	Warmup        Duration `toml:"warmup"`
	RetryDelay    Duration `toml:"retry_delay"`
	RestartSettle Duration `toml:"restart_settle"`
	MaxAttempts   int      `toml:"max_attempts"`
	FetchLimit    int      `toml:"fetch_limit"`
	ResultCap     int      `toml:"result_cap"`
}

type DriverConfig struct {
	OSName          string   `toml:"os_name"`
	RestartCooldown Duration `toml:"restart_cooldown"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP:     HTTPConfig{Addr: "127.0.0.1:3001"},
		Database: DatabaseConfig{Enabled: true},
		Sync: SyncConfig{
			CacheTTL:      Duration{10 * time.Second},
			Warmup:        Duration{8 * time.Second},
			RetryDelay:    Duration{3 * time.Second},
			RestartSettle: Duration{5 * time.Second},
			MaxAttempts:   3,
			FetchLimit:    300,
			ResultCap:     200,
		},
		Driver: DriverConfig{
			OSName:          "wpphub",
			RestartCooldown: Duration{2 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error if
// the file is missing; see LoadOrDefault.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, but a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
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
