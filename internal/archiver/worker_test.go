package archiver_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Technical-1/Git-Archiver/internal/archiver"
	"github.com/Technical-1/Git-Archiver/internal/database"
	"github.com/Technical-1/Git-Archiver/internal/events"
	"github.com/Technical-1/Git-Archiver/internal/forge"
	"github.com/Technical-1/Git-Archiver/internal/hasher"
	"github.com/Technical-1/Git-Archiver/internal/model"
	"github.com/Technical-1/Git-Archiver/internal/secrets"
	"github.com/Technical-1/Git-Archiver/internal/snapshot"
	"github.com/Technical-1/Git-Archiver/internal/tasks"
	"github.com/Technical-1/Git-Archiver/internal/testutil"
)

// fixture assembles a full engine over fakes for the git and forge edges.
type fixture struct {
	store   *database.Store
	git     *testutil.FakeGit
	forge   *testutil.FakeForge
	manager *tasks.Manager
	bus     *events.Bus
	svc     *archiver.Service
	clock   *testutil.StubClock
	events  <-chan events.Event
	dataDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewTestStore(t)
	dataDir := t.TempDir()
	settings := model.DefaultSettings()
	settings.DataDir = dataDir
	if err := store.SaveSettings(settings); err != nil {
		t.Fatal(err)
	}

	git := testutil.NewFakeGit()
	forgeClient := testutil.NewFakeForge()
	manager := tasks.NewManager(4)
	bus := events.NewBus()
	clock := testutil.FixedClock()
	logger := archiver.NewNopLogger()

	worker := archiver.NewWorker(store, git, forgeClient, manager, bus, logger, clock)
	svc := archiver.NewService(store, manager, forgeClient, secrets.NewMemoryKeeper(), "git-archiver-test", logger, clock)

	ch, unsub := bus.Subscribe(256)

	done := make(chan struct{})
	go func() {
		worker.Run()
		close(done)
	}()
	t.Cleanup(func() {
		manager.Close()
		<-done
		unsub()
		bus.Close()
	})

	return &fixture{
		store: store, git: git, forge: forgeClient, manager: manager,
		bus: bus, svc: svc, clock: clock, events: ch, dataDir: dataDir,
	}
}

func (f *fixture) addRepo(t *testing.T, url string) *model.Repository {
	t.Helper()
	repo, err := f.svc.AddRepo(url)
	if err != nil {
		t.Fatalf("AddRepo(%s) error = %v", url, err)
	}
	return repo
}

func (f *fixture) runUpdate(t *testing.T, id int64) events.TaskProgress {
	t.Helper()
	// The terminal event precedes identity release by a hair; settle first.
	waitForIdle(t, f.manager)
	if err := f.svc.EnqueueUpdate(id); err != nil {
		t.Fatalf("EnqueueUpdate(%d) error = %v", id, err)
	}
	return testutil.WaitForTerminal(t, f.events)
}

func (f *fixture) runReconcile(t *testing.T) events.TaskProgress {
	t.Helper()
	waitForIdle(t, f.manager)
	if err := f.svc.EnqueueReconcile(); err != nil {
		t.Fatalf("EnqueueReconcile() error = %v", err)
	}
	return testutil.WaitForTerminal(t, f.events)
}

func TestFirstMirror(t *testing.T) {
	f := newFixture(t)
	f.git.CloneFiles = map[string]string{
		"README.md":    "# hello world",
		"src/main.go":  "package main",
	}

	repo := f.addRepo(t, "https://github.com/octocat/hello-world")
	if repo.Status != model.StatusPending {
		t.Fatalf("new repo status = %s, want pending", repo.Status)
	}

	final := f.runUpdate(t, repo.ID)
	if final.Stage != events.StageDone {
		t.Fatalf("terminal stage = %s (%s), want Done", final.Stage, final.Message)
	}

	got, err := f.svc.GetRepo(repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.LastCloned == nil {
		t.Error("LastCloned not set after first mirror")
	}
	if got.LocalPath == "" {
		t.Fatal("LocalPath not set after first mirror")
	}
	if _, err := os.Stat(got.LocalPath); err != nil {
		t.Errorf("mirror directory missing: %v", err)
	}

	archives, err := f.svc.ListArchives(repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 {
		t.Fatalf("len(archives) = %d, want 1", len(archives))
	}
	if archives[0].Incremental {
		t.Error("first archive marked incremental")
	}
	if archives[0].FileCount < 1 {
		t.Errorf("FileCount = %d, want >= 1", archives[0].FileCount)
	}

	// The stored digest set equals a fresh hash of the mirror.
	want, err := hasher.HashTree(context.Background(), got.LocalPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := f.store.GetFileHashes(repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(want) {
		t.Fatalf("stored hashes = %v, want %v", stored, want)
	}
	for path, digest := range want {
		if stored[path] != digest {
			t.Errorf("stored[%s] = %s, want %s", path, stored[path], digest)
		}
	}
}

func TestNoOpUpdate(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/hello-world")

	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatalf("first update stage = %s", final.Stage)
	}
	before, _ := f.svc.GetRepo(repo.ID)
	hashesBefore, _ := f.store.GetFileHashes(repo.ID)

	// Upstream unchanged.
	f.git.HasUpdates = false
	f.clock.Advance(time.Hour)

	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatalf("second update stage = %s", final.Stage)
	}

	archives, _ := f.svc.ListArchives(repo.ID)
	if len(archives) != 1 {
		t.Errorf("len(archives) = %d, want 1 (no new archive)", len(archives))
	}
	after, _ := f.svc.GetRepo(repo.ID)
	if !timePtrEqual(before.LastUpdated, after.LastUpdated) {
		t.Error("LastUpdated changed by a no-op update")
	}
	hashesAfter, _ := f.store.GetFileHashes(repo.ID)
	if len(hashesAfter) != len(hashesBefore) {
		t.Error("FileHash set changed by a no-op update")
	}
}

func TestIncrementalUpdate(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/hello-world")

	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatalf("initial clone stage = %s", final.Stage)
	}

	// Two files change upstream.
	f.git.HasUpdates = true
	f.git.PullAdvances = true
	f.git.UpdateFiles = map[string]string{
		"README.md": "# hello world, updated",
		"NEWS.md":   "fresh file",
	}
	f.clock.Advance(time.Hour)

	if final := f.runUpdate(t, repo.ID); final.Stage != events.StageDone {
		t.Fatalf("incremental update stage = %s", final.Stage)
	}

	archives, _ := f.svc.ListArchives(repo.ID)
	if len(archives) != 2 {
		t.Fatalf("len(archives) = %d, want 2", len(archives))
	}
	inc := archives[1]
	if !inc.Incremental {
		t.Error("second archive not marked incremental")
	}
	if inc.FileCount != 2 {
		t.Errorf("incremental FileCount = %d, want 2", inc.FileCount)
	}

	// Unpacking only the incremental archive yields exactly the two
	// changed files.
	dest := t.TempDir()
	if err := snapshot.Unpack(context.Background(), inc.FilePath, dest); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	extracted, err := hasher.HashTree(context.Background(), dest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(extracted) != 2 {
		t.Errorf("extracted files = %v, want exactly the 2 changed files", extracted)
	}
	for _, want := range []string{"README.md", "NEWS.md"} {
		if _, ok := extracted[want]; !ok {
			t.Errorf("%s missing from incremental archive", want)
		}
	}
}

func TestUpstreamVanishedDuringClone(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/gone")
	f.git.CloneErr = errRepoNotFound()

	final := f.runUpdate(t, repo.ID)
	if final.Stage != events.StageDone {
		t.Fatalf("terminal stage = %s, want Done (vanished upstream is not an error)", final.Stage)
	}

	got, _ := f.svc.GetRepo(repo.ID)
	if got.Status != model.StatusDeleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
	if got.ErrorMsg != "" {
		t.Errorf("ErrorMsg = %q, want empty", got.ErrorMsg)
	}
}

func TestCloneFailureSetsErrorState(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/broken")
	f.git.CloneErr = errUnauthorized()

	final := f.runUpdate(t, repo.ID)
	if final.Stage != events.StageFailed {
		t.Fatalf("terminal stage = %s, want Failed", final.Stage)
	}

	got, _ := f.svc.GetRepo(repo.ID)
	if got.Status != model.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.ErrorMsg == "" {
		t.Error("ErrorMsg empty after failed clone")
	}
}

func TestCancellationDuringClone(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/slow")
	f.git.CloneBlocks = true

	if err := f.svc.EnqueueUpdate(repo.ID); err != nil {
		t.Fatal(err)
	}
	// Wait for the clone to begin, then stop everything.
	testutil.WaitForStage(t, f.events, events.StageCloning)
	f.svc.StopAll()

	final := testutil.WaitForTerminal(t, f.events)
	if final.Stage != events.StageCancelled {
		t.Fatalf("terminal stage = %s, want Cancelled", final.Stage)
	}

	got, _ := f.svc.GetRepo(repo.ID)
	if got.Status == model.StatusError {
		t.Error("cancellation recorded as error state")
	}
	if archives, _ := f.svc.ListArchives(repo.ID); len(archives) != 0 {
		t.Errorf("archives created by a cancelled task: %d", len(archives))
	}
}

func TestReconcileStatuses(t *testing.T) {
	f := newFixture(t)
	alive := f.addRepo(t, "https://github.com/octocat/alive")
	gone := f.addRepo(t, "https://github.com/octocat/gone")
	old := f.addRepo(t, "https://github.com/octocat/old")

	f.forge.SetInfo("octocat", "alive", forge.RepoInfo{Description: "still here"})
	f.forge.SetInfo("octocat", "old", forge.RepoInfo{Archived: true, Private: true})
	// "gone" is absent from the fake: reported NotFound.

	final := f.runReconcile(t)
	if final.Stage != events.StageDone {
		t.Fatalf("terminal stage = %s", final.Stage)
	}

	gotAlive, _ := f.svc.GetRepo(alive.ID)
	if gotAlive.Status != model.StatusActive || gotAlive.Description != "still here" {
		t.Errorf("alive = %+v", gotAlive)
	}
	if gotAlive.LastChecked == nil {
		t.Error("LastChecked not stamped by reconcile")
	}

	gotGone, _ := f.svc.GetRepo(gone.ID)
	if gotGone.Status != model.StatusDeleted {
		t.Errorf("gone.Status = %s, want deleted", gotGone.Status)
	}

	gotOld, _ := f.svc.GetRepo(old.ID)
	if gotOld.Status != model.StatusArchived || !gotOld.Private {
		t.Errorf("old = %+v", gotOld)
	}
}

func TestReconcileRevivesDeletedRepo(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/phoenix")

	// First poll: gone.
	f.runReconcile(t)
	got, _ := f.svc.GetRepo(repo.ID)
	if got.Status != model.StatusDeleted {
		t.Fatalf("status = %s, want deleted", got.Status)
	}

	// Upstream reappears: a later poll promotes it back to active.
	f.forge.SetInfo("octocat", "phoenix", forge.RepoInfo{Description: "back"})
	f.runReconcile(t)
	got, _ = f.svc.GetRepo(repo.ID)
	if got.Status != model.StatusActive {
		t.Errorf("status = %s, want active after upstream reappeared", got.Status)
	}
}

func TestReconcileFailureLeavesStatusUnchanged(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "https://github.com/octocat/flaky")
	f.forge.Err = errTransport()

	final := f.runReconcile(t)
	if final.Stage != events.StageDone {
		t.Fatalf("terminal stage = %s (reconcile as a whole must not fail)", final.Stage)
	}

	got, _ := f.svc.GetRepo(repo.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want unchanged pending", got.Status)
	}
	if got.LastChecked != nil {
		t.Error("LastChecked stamped despite failed poll")
	}
}

func TestUpdateAllSkipsIneligible(t *testing.T) {
	f := newFixture(t)
	pending := f.addRepo(t, "https://github.com/octocat/pending")
	active := f.addRepo(t, "https://github.com/octocat/active")
	archived := f.addRepo(t, "https://github.com/octocat/archived")

	if err := f.store.UpdateRepoStatus(active.ID, model.StatusActive, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpdateRepoStatus(archived.ID, model.StatusArchived, ""); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.EnqueueUpdateAll(false); err != nil {
		t.Fatal(err)
	}
	// Only the active repository gets mirrored.
	final := testutil.WaitForTerminal(t, f.events)
	if final.RepoID != active.ID {
		t.Errorf("terminal event for repo %d, want %d", final.RepoID, active.ID)
	}

	waitForIdle(t, f.manager)
	if f.git.CloneCalls != 1 {
		t.Errorf("CloneCalls = %d, want 1 (pending and archived skipped)", f.git.CloneCalls)
	}
	_ = pending
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func waitForIdle(t *testing.T, m *tasks.Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		running, queued := m.Snapshot()
		if running == 0 && queued == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task manager never went idle")
}
