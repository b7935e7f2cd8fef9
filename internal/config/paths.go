package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// GetMediadlDir returns the directory holding all mediadl state.
// $XDG_CONFIG_HOME is honoured on every platform so tests can redirect it.
func GetMediadlDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mediadl")
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "mediadl")
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mediadl")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mediadl")
}

// GetStateDir returns the directory for the database.
func GetStateDir() string {
	return filepath.Join(GetMediadlDir(), "state")
}

// GetLogsDir returns the directory for debug logs.
func GetLogsDir() string {
	return filepath.Join(GetMediadlDir(), "logs")
}

// GetRuntimeDir returns the directory for the port, pid and lock files.
func GetRuntimeDir() string {
	return filepath.Join(GetMediadlDir(), "run")
}

// GetDatabasePath returns the path of the SQLite store.
func GetDatabasePath() string {
	return filepath.Join(GetStateDir(), "mediadl.db")
}

// EnsureDirs creates all state directories.
func EnsureDirs() error {
	for _, dir := range []string{GetStateDir(), GetLogsDir(), GetRuntimeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
