package archiver_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Technical-1/Git-Archiver/internal/archiver"
	"github.com/Technical-1/Git-Archiver/internal/events"
	"github.com/Technical-1/Git-Archiver/internal/model"
	"github.com/Technical-1/Git-Archiver/internal/repourl"
	"github.com/Technical-1/Git-Archiver/internal/secrets"
	"github.com/Technical-1/Git-Archiver/internal/snapshot"
	"github.com/Technical-1/Git-Archiver/internal/tasks"
	"github.com/Technical-1/Git-Archiver/internal/testutil"
)



// newService builds a service without a running worker; enqueued tasks just
// sit in the queue.
func newService(t *testing.T) (*archiver.Service, *tasks.Manager, *secrets.MemoryKeeper) {
	t.Helper()
	store := testutil.NewTestStore(t)
	manager := tasks.NewManager(4)
	t.Cleanup(manager.Close)
	keeper := secrets.NewMemoryKeeper()
	svc := archiver.NewService(store, manager, testutil.NewFakeForge(), keeper, "git-archiver-test", archiver.NewNopLogger(), testutil.FixedClock())
	return svc, manager, keeper
}

func TestAddRepo(t *testing.T) {
	t.Run("canonicalizes before storing", func(t *testing.T) {
		svc, _, _ := newService(t)
		repo, err := svc.AddRepo("http://WWW.GitHub.com/OctoCat/Hello-World.git/")
		if err != nil {
			t.Fatalf("AddRepo() error = %v", err)
		}
		if repo.URL != "https://github.com/octocat/hello-world" {
			t.Errorf("URL = %s", repo.URL)
		}
		if repo.Owner != "octocat" || repo.Name != "hello-world" {
			t.Errorf("owner/name = %s/%s", repo.Owner, repo.Name)
		}
	})

	t.Run("two spellings of one repository collide", func(t *testing.T) {
		svc, _, _ := newService(t)
		if _, err := svc.AddRepo("https://github.com/a/b"); err != nil {
			t.Fatal(err)
		}
		_, err := svc.AddRepo("http://github.com/A/B.git")
		if !errors.Is(err, archiver.ErrDuplicateRepo) {
			t.Errorf("error = %v, want ErrDuplicateRepo", err)
		}
		repos, _ := svc.ListRepos(nil)
		if len(repos) != 1 {
			t.Errorf("len(repos) = %d, want 1", len(repos))
		}
	})

	t.Run("invalid URL rejected", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.AddRepo("https://gitlab.com/a/b")
		if !errors.Is(err, repourl.ErrInvalidURL) {
			t.Errorf("error = %v, want ErrInvalidURL", err)
		}
	})
}

func TestEnqueueUpdateDedup(t *testing.T) {
	svc, _, _ := newService(t)
	repo, err := svc.AddRepo("https://github.com/a/b")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.EnqueueUpdate(repo.ID); err != nil {
		t.Fatalf("first EnqueueUpdate() error = %v", err)
	}
	err = svc.EnqueueUpdate(repo.ID)
	if !errors.Is(err, tasks.ErrAlreadyInProgress) {
		t.Errorf("second EnqueueUpdate() error = %v, want ErrAlreadyInProgress", err)
	}

	if err := svc.EnqueueUpdate(9999); !errors.Is(err, archiver.ErrRepoMissing) {
		t.Errorf("EnqueueUpdate(unknown) error = %v, want ErrRepoMissing", err)
	}
}

func TestDeleteRepo(t *testing.T) {
	t.Run("removes record", func(t *testing.T) {
		svc, _, _ := newService(t)
		repo, err := svc.AddRepo("https://github.com/a/b")
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.DeleteRepo(repo.ID, false); err != nil {
			t.Fatalf("DeleteRepo() error = %v", err)
		}
		if _, err := svc.GetRepo(repo.ID); !errors.Is(err, archiver.ErrRepoMissing) {
			t.Errorf("GetRepo() after delete error = %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		svc, _, _ := newService(t)
		if err := svc.DeleteRepo(42, false); !errors.Is(err, archiver.ErrRepoMissing) {
			t.Errorf("error = %v, want ErrRepoMissing", err)
		}
	})
}

func TestArchiveLifecycle(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/hello-world")
	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatalf("update stage = %s", final.Stage)
	}

	archives, err := f.svc.ListArchives(repo.ID)
	if err != nil || len(archives) != 1 {
		t.Fatalf("archives = %v, err = %v", archives, err)
	}
	a := archives[0]

	// Extract round trip.
	dest := t.TempDir()
	if err := f.svc.ExtractArchive(context.Background(), a.ID, dest); err != nil {
		t.Fatalf("ExtractArchive() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "README.md")); err != nil {
		t.Errorf("extracted content missing: %v", err)
	}

	// Delete removes row and file; a second delete reports the archive missing.
	if err := f.svc.DeleteArchive(a.ID); err != nil {
		t.Fatalf("DeleteArchive() error = %v", err)
	}
	if _, err := os.Stat(a.FilePath); !os.IsNotExist(err) {
		t.Error("archive file still on disk after delete")
	}
	if err := f.svc.DeleteArchive(a.ID); !errors.Is(err, archiver.ErrArchiveMissing) {
		t.Errorf("second DeleteArchive() error = %v, want ErrArchiveMissing", err)
	}

	// The repository still updates after its archive was deleted.
	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatal("re-update failed")
	}
}

func TestDeleteArchiveToleratesMissingFile(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/hello-world")
	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatal("update failed")
	}
	archives, _ := f.svc.ListArchives(repo.ID)
	if err := snapshot.Delete(archives[0].FilePath); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteArchive(archives[0].ID); err != nil {
		t.Errorf("DeleteArchive() with file already gone error = %v", err)
	}
}

func TestSaveSettingsWithToken(t *testing.T) {
	svc, _, keeper := newService(t)

	settings := model.DefaultSettings()
	settings.MaxConcurrentTasks = 2

	token := "ghp_secret"
	if err := svc.SaveSettings(settings, &token); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	stored, _ := keeper.GetToken("git-archiver-test")
	if stored != "ghp_secret" {
		t.Errorf("stored token = %q", stored)
	}

	got, err := svc.GetSettings()
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxConcurrentTasks != 2 {
		t.Errorf("MaxConcurrentTasks = %d, want 2", got.MaxConcurrentTasks)
	}

	// A nil token leaves the secret alone; an empty one erases it.
	if err := svc.SaveSettings(settings, nil); err != nil {
		t.Fatal(err)
	}
	if stored, _ := keeper.GetToken("git-archiver-test"); stored != "ghp_secret" {
		t.Error("nil token modified the stored secret")
	}

	empty := ""
	if err := svc.SaveSettings(settings, &empty); err != nil {
		t.Fatal(err)
	}
	if stored, _ := keeper.GetToken("git-archiver-test"); stored != "" {
		t.Error("empty token did not erase the stored secret")
	}
}

func TestGetRateLimit(t *testing.T) {
	f := newFixture(t)
	rl, err := f.svc.GetRateLimit(context.Background())
	if err != nil {
		t.Fatalf("GetRateLimit() error = %v", err)
	}
	if rl.Limit != 5000 {
		t.Errorf("Limit = %d", rl.Limit)
	}
}

func TestStopAllIsIdempotent(t *testing.T) {
	svc, _, _ := newService(t)
	svc.StopAll()
	svc.StopAll()
}

func TestTaskCounts(t *testing.T) {
	svc, _, _ := newService(t)
	repo, _ := svc.AddRepo("https://github.com/a/b")
	if err := svc.EnqueueUpdate(repo.ID); err != nil {
		t.Fatal(err)
	}
	running, queued := svc.TaskCounts()
	if running != 0 || queued != 1 {
		t.Errorf("TaskCounts() = (%d, %d), want (0, 1)", running, queued)
	}
}
