package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveUsesConfigDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("data_dir = \"/srv/wpphub\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, paths, err := Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	if paths.Root != "/srv/wpphub" {
		t.Errorf("Root = %q, want /srv/wpphub", paths.Root)
	}
	if cfg.HTTP.Addr == "" {
		t.Error("defaults not applied")
	}
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	cfg, paths, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if paths.Root != BaseDir() {
		t.Errorf("Root = %q, want %q", paths.Root, BaseDir())
	}
	if !cfg.Database.Enabled {
		t.Error("database should be enabled by default")
	}
}
