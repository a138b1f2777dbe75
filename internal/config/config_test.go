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
	cfg.HTTP.Addr = ":9000"
	cfg.Sync.CacheTTL = Duration{30 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.HTTP.Addr != ":9000" {
		t.Errorf("HTTP.Addr = %q, want :9000", loaded.HTTP.Addr)
	}
	if loaded.Sync.CacheTTL.Duration != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", loaded.Sync.CacheTTL)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[sync]\nwarmup = \"1s\"\n\n[database]\nenabled = false\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.Warmup.Duration != time.Second {
		t.Errorf("Warmup = %v, want 1s", cfg.Sync.Warmup)
	}
	if cfg.Sync.RetryDelay.Duration != 3*time.Second {
		t.Errorf("RetryDelay = %v, want default 3s", cfg.Sync.RetryDelay)
	}
	if cfg.Database.Enabled {
		t.Error("Database.Enabled = true, want false")
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\ncache_ttl = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Sync.ResultCap != 200 {
		t.Errorf("ResultCap = %d, want 200", cfg.Sync.ResultCap)
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
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
