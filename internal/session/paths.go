package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wpphub.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpphub")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths lays out the daemon's data directory.
type Paths struct {
	Root string
}

// NewPaths returns the layout rooted at dir, or at BaseDir when dir is empty.
func NewPaths(dir string) Paths {
	if dir == "" {
		dir = BaseDir()
	}
	return Paths{Root: dir}
}

// InstanceDir returns the directory holding one instance's credentials.
func (p Paths) InstanceDir(id string) string {
	return filepath.Join(p.Root, "instances", id)
}

// CredentialsPath returns the whatsmeow device store for an instance.
func (p Paths) CredentialsPath(id string) string {
	return filepath.Join(p.InstanceDir(id), "session.db")
}

// AppDBPath returns the app-owned wpphub.db path.
func (p Paths) AppDBPath() string {
	return filepath.Join(p.Root, "wpphub.db")
}

// SocketPath returns the UDS socket path of the health service.
func (p Paths) SocketPath() string {
	return filepath.Join(p.Root, "daemon.sock")
}

// LogDir returns the log directory.
func (p Paths) LogDir() string {
	return filepath.Join(p.Root, "logs")
}

// LogPath returns the daemon log file path.
func (p Paths) LogPath() string {
	return filepath.Join(p.LogDir(), "wpphubd.log")
}

// EnsureDir creates the data directory tree with proper permissions.
func (p Paths) EnsureDir() error {
	for _, d := range []string{p.Root, p.LogDir(), filepath.Join(p.Root, "instances")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureInstanceDir creates an instance's credentials directory.
func (p Paths) EnsureInstanceDir(id string) error {
	return os.MkdirAll(p.InstanceDir(id), 0700)
}
