package archiver_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Technical-1/Git-Archiver/internal/model"
)

func TestImportLegacy(t *testing.T) {
	t.Run("imports repositories with archives", func(t *testing.T) {
		svc, _, _ := newService(t)

		legacyRoot := t.TempDir()
		versions := filepath.Join(legacyRoot, "versions")
		if err := os.MkdirAll(versions, 0755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"one.tar.xz", "two.tar.xz"} {
			if err := os.WriteFile(filepath.Join(versions, name), []byte("archive-bytes"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		// Non-snapshot files are ignored.
		if err := os.WriteFile(filepath.Join(versions, "notes.txt"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}

		blob := fmt.Sprintf(`{
			"https://github.com/octocat/hello-world": {
				"last_cloned": "2023-05-01 10:00:00",
				"last_updated": "2023-06-01T12:00:00Z",
				"local_path": %q,
				"description": "legacy repo",
				"status": "active"
			},
			"https://github.com/octocat/plain": {}
		}`, legacyRoot)

		result, err := svc.ImportLegacy([]byte(blob))
		if err != nil {
			t.Fatalf("ImportLegacy() error = %v", err)
		}
		if result.Imported != 2 {
			t.Errorf("Imported = %d, want 2", result.Imported)
		}
		if result.ArchivesFound != 2 {
			t.Errorf("ArchivesFound = %d, want 2", result.ArchivesFound)
		}
		if len(result.Errors) != 0 {
			t.Errorf("Errors = %v", result.Errors)
		}

		repos, _ := svc.ListRepos(nil)
		if len(repos) != 2 {
			t.Fatalf("len(repos) = %d, want 2", len(repos))
		}

		var imported *model.Repository
		for i := range repos {
			if repos[i].Name == "hello-world" {
				imported = &repos[i]
			}
		}
		if imported == nil {
			t.Fatal("hello-world not imported")
		}
		if imported.Status != model.StatusActive || imported.Description != "legacy repo" {
			t.Errorf("imported = %+v", imported)
		}
		if imported.LastCloned == nil || imported.LastUpdated == nil {
			t.Error("legacy timestamps not imported")
		}

		archives, _ := svc.ListArchives(imported.ID)
		if len(archives) != 2 {
			t.Fatalf("len(archives) = %d, want 2", len(archives))
		}
		for _, a := range archives {
			if a.FileCount != 0 || a.Incremental {
				t.Errorf("archive = %+v, want file_count 0 and incremental false", a)
			}
			if a.SizeBytes != int64(len("archive-bytes")) {
				t.Errorf("SizeBytes = %d", a.SizeBytes)
			}
		}
	})

	t.Run("unknown status coerces to pending", func(t *testing.T) {
		svc, _, _ := newService(t)
		result, err := svc.ImportLegacy([]byte(`{
			"https://github.com/a/b": {"status": "weird-legacy-state"}
		}`))
		if err != nil {
			t.Fatal(err)
		}
		if result.Imported != 1 {
			t.Fatalf("Imported = %d", result.Imported)
		}
		repos, _ := svc.ListRepos(nil)
		if repos[0].Status != model.StatusPending {
			t.Errorf("Status = %s, want pending", repos[0].Status)
		}
	})

	t.Run("bad entries collected as errors", func(t *testing.T) {
		svc, _, _ := newService(t)
		result, err := svc.ImportLegacy([]byte(`{
			"https://gitlab.com/not/supported": {},
			"https://github.com/good/one": {}
		}`))
		if err != nil {
			t.Fatal(err)
		}
		if result.Imported != 1 {
			t.Errorf("Imported = %d, want 1", result.Imported)
		}
		if len(result.Errors) != 1 {
			t.Errorf("Errors = %v, want 1 entry", result.Errors)
		}
	})

	t.Run("malformed JSON fails outright", func(t *testing.T) {
		svc, _, _ := newService(t)
		if _, err := svc.ImportLegacy([]byte(`{broken`)); err == nil {
			t.Error("ImportLegacy() accepted malformed JSON")
		}
	})

	t.Run("duplicate of tracked repo reported per entry", func(t *testing.T) {
		svc, _, _ := newService(t)
		if _, err := svc.AddRepo("https://github.com/a/b"); err != nil {
			t.Fatal(err)
		}
		result, err := svc.ImportLegacy([]byte(`{"https://github.com/a/b": {}}`))
		if err != nil {
			t.Fatal(err)
		}
		if result.Imported != 0 || len(result.Errors) != 1 {
			t.Errorf("result = %+v", result)
		}
	})
}
