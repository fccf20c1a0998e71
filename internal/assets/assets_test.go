package assets

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestDirHonorsExplicitEnv(t *testing.T) {
	target := filepath.Join(t.TempDir(), "assets")
	t.Setenv(EnvAssetDir, target)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if dir != target {
		t.Errorf("dir = %q, want %q", dir, target)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("asset dir not created: %v", err)
	}
}

func TestDirExpandsTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvAssetDir, "~/kanban-assets")

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if dir != filepath.Join(home, "kanban-assets") {
		t.Errorf("dir = %q", dir)
	}
}

func TestDirSystemModeUsesXDGDataHome(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG path applies to linux only")
	}
	t.Setenv(EnvAssetDir, "")
	t.Setenv(EnvAssetMode, "SYSTEM")
	xdg := t.TempDir()
	t.Setenv("XDG_DATA_HOME", xdg)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if dir != filepath.Join(xdg, "vibe-kanban") {
		t.Errorf("dir = %q", dir)
	}
}

func TestWellKnownPaths(t *testing.T) {
	if got := DBPath("/data"); got != "/data/db.sqlite" {
		t.Errorf("DBPath = %q", got)
	}
	if got := ConfigPath("/data"); got != "/data/config.json" {
		t.Errorf("ConfigPath = %q", got)
	}
	if got := ProfilesPath("/data"); !strings.HasSuffix(got, "profiles.json") {
		t.Errorf("ProfilesPath = %q", got)
	}
}
