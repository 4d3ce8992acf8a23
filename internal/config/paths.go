package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the directory llamagate keeps its state in. The
// LLAMAGATE_DATA_DIR environment variable overrides the default, which is
// %APPDATA%\llamagate on Windows and ~/.llamagate elsewhere.
func DataDir() string {
	if dir := os.Getenv("LLAMAGATE_DATA_DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "llamagate")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llamagate"
	}
	return filepath.Join(home, ".llamagate")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0700)
}
