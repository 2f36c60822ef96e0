package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.talkflow.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".talkflow")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// KeyringPath returns the identity keyring file path.
func KeyringPath(name string) string {
	return filepath.Join(Dir(name), "keyring.json")
}

// AppDBPath returns the app-owned talkflow.db path.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "talkflow.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "talkflowd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
