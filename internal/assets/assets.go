// Package assets resolves the engine's persisted-state directory and the
// well-known file paths inside it (database, config, executor profiles).
package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Environment variables controlling the asset directory.
const (
	EnvAssetDir  = "VIBE_KANBAN_ASSET_DIR"
	EnvAssetMode = "VIBE_KANBAN_ASSET_MODE"
)

// BuildProfile is "release" in production builds (set via -ldflags); any
// other value keeps development defaults.
var BuildProfile = "dev"

// Dir resolves the data directory:
//
//  1. $VIBE_KANBAN_ASSET_DIR, tilde-expanded and created if missing.
//  2. Else, when $VIBE_KANBAN_ASSET_MODE is prod/system (case-insensitive)
//     or this is a release build, the OS-standard app-data path for
//     ai.bloop.vibe-kanban.
//  3. Else a development directory relative to the working tree.
func Dir() (string, error) {
	if dir := os.Getenv(EnvAssetDir); dir != "" {
		expanded, err := expandTilde(dir)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(expanded, 0o755); err != nil {
			return "", fmt.Errorf("create asset dir %s: %w", expanded, err)
		}
		return expanded, nil
	}

	mode := strings.ToLower(os.Getenv(EnvAssetMode))
	if mode == "prod" || mode == "system" || BuildProfile == "release" {
		dir, err := systemDataDir()
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create asset dir %s: %w", dir, err)
		}
		return dir, nil
	}

	dir := filepath.Join(".", "dev_assets")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dev asset dir %s: %w", dir, err)
	}
	return dir, nil
}

// systemDataDir is the OS-standard app-data path for ai.bloop.vibe-kanban.
func systemDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "vibe-kanban"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "bloop", "vibe-kanban"), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "vibe-kanban"), nil
		}
		return filepath.Join(home, ".local", "share", "vibe-kanban"), nil
	}
}

func expandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand tilde in %s: %w", path, err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// DBPath is the SQLite database file inside dir.
func DBPath(dir string) string { return filepath.Join(dir, "db.sqlite") }

// ConfigPath is the engine configuration file inside dir.
func ConfigPath(dir string) string { return filepath.Join(dir, "config.json") }

// ProfilesPath is the executor-profiles file inside dir.
func ProfilesPath(dir string) string { return filepath.Join(dir, "profiles.json") }

// ImagesDir is where task image blobs are stored inside dir.
func ImagesDir(dir string) string { return filepath.Join(dir, "images") }
