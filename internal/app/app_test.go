package app

import (
	"path/filepath"
	"testing"

	"github.com/Technical-1/Git-Archiver/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig(base)
	return cfg
}

func TestNewAppAndClose(t *testing.T) {
	cfg := testConfig(t)

	a, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	// The facade is live and the settings table was seeded with the
	// configured data directory.
	settings, err := a.Service().GetSettings()
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if settings.DataDir != cfg.DataDir {
		t.Errorf("DataDir = %s, want %s", settings.DataDir, cfg.DataDir)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewAppPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)

	a, err := NewApp(cfg)
	if err != nil {
		t.Fatal(err)
	}
	repo, err := a.Service().AddRepo("https://github.com/octocat/hello-world")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen against the same database file.
	b, err := NewApp(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	got, err := b.Service().GetRepo(repo.ID)
	if err != nil {
		t.Fatalf("GetRepo() after restart error = %v", err)
	}
	if got.URL != "https://github.com/octocat/hello-world" {
		t.Errorf("URL = %s", got.URL)
	}

	// Database file lives where the config says.
	if filepath.Dir(cfg.DatabasePath) != cfg.BaseDir {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath)
	}
}
