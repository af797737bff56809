// Package account lays out the per-account directory tree under ~/.courier.
package account

import (
	"os"
	"path/filepath"
)

// Root overrides the base directory when set. Tests point it at a temp dir.
var Root string

// BaseDir returns ~/.courier, or Root when set.
func BaseDir() string {
	if Root != "" {
		return Root
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".courier")
}

// Dir returns the directory of one account.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "accounts", name)
}

// SocketPath returns the control socket of an account's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file held by a running daemon.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// StorePath returns the message store database.
func StorePath(name string) string {
	return filepath.Join(Dir(name), "courier.db")
}

// DeviceStorePath returns the WhatsApp device credentials database.
func DeviceStorePath(name string) string {
	return filepath.Join(Dir(name), "device.db")
}

// ConfigPath returns the per-account settings file.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "account.toml")
}

// LogDir returns the log directory of an account.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "courierd.log")
}

// GlobalConfigPath returns ~/.courier/config.toml.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the account tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
