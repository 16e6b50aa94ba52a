// Package paths resolves where mdview keeps its config and state.
//
// Layout:
//
//	Config: ~/.config/mdview/config.yaml      (override: MDVIEW_CONFIG_DIR)
//	Data:   platform app-data dir + /mdview   (override: MDVIEW_DATA_DIR)
//	        instances.json, logs/<stem>-<port>.log
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const appName = "mdview"

var (
	configDirOnce   sync.Once
	configDirCached string

	dataDirOnce   sync.Once
	dataDirCached string
)

// ConfigDir resolves the config directory.
// Priority: MDVIEW_CONFIG_DIR env > ~/.config/mdview/
func ConfigDir() string {
	configDirOnce.Do(func() {
		if env := os.Getenv("MDVIEW_CONFIG_DIR"); env != "" {
			configDirCached = env
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			configDirCached = "."
			return
		}
		configDirCached = filepath.Join(home, ".config", appName)
	})
	return configDirCached
}

// DataDir resolves the application-data directory holding the registry and logs.
// Priority: MDVIEW_DATA_DIR env > platform default.
func DataDir() string {
	dataDirOnce.Do(func() {
		if env := os.Getenv("MDVIEW_DATA_DIR"); env != "" {
			dataDirCached = env
			return
		}
		dataDirCached = platformDataDir(runtime.GOOS)
	})
	return dataDirCached
}

func platformDataDir(goos string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("AppData"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home, "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	}
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// RegistryPath returns the instance registry file.
func RegistryPath() string {
	return filepath.Join(DataDir(), "instances.json")
}

// LogsDir returns the directory holding per-instance logs.
func LogsDir() string {
	return filepath.Join(DataDir(), "logs")
}

// EnsureDataDirs creates the data and logs directories.
func EnsureDataDirs() error {
	dir := LogsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return nil
}

// ResetForTest clears cached values so tests can re-run resolution logic.
// Only use in tests.
func ResetForTest() {
	configDirOnce = sync.Once{}
	configDirCached = ""
	dataDirOnce = sync.Once{}
	dataDirCached = ""
}
