package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Technical-1/Git-Archiver/internal/events"
	"github.com/Technical-1/Git-Archiver/internal/forge"
	"github.com/Technical-1/Git-Archiver/internal/gitmirror"
	"github.com/Technical-1/Git-Archiver/internal/hasher"
	"github.com/Technical-1/Git-Archiver/internal/model"
	"github.com/Technical-1/Git-Archiver/internal/snapshot"
	"github.com/Technical-1/Git-Archiver/internal/tasks"
)

// timestampLayout is the ISO-basic UTC stamp embedded in archive filenames.
const timestampLayout = "20060102T150405Z"

// reconcileChunkSize caps how many repositories go into one forge batch
// query.
const reconcileChunkSize = 100

// Worker consumes tasks from the manager and drives the mirror, hash,
// snapshot, and store components.
type Worker struct {
	store   Store
	git     GitDriver
	forge   Forge
	manager *tasks.Manager
	bus     Publisher
	logger  Logger
	clock   Clock

	wg sync.WaitGroup
}

// NewWorker wires a worker over its collaborators.
func NewWorker(store Store, git GitDriver, forgeClient Forge, manager *tasks.Manager, bus Publisher, logger Logger, clock Clock) *Worker {
	return &Worker{
		store:   store,
		git:     git,
		forge:   forgeClient,
		manager: manager,
		bus:     bus,
		logger:  logger,
		clock:   clock,
	}
}

// Run consumes the task channel until the manager is closed, then waits for
// in-flight tasks to finish. Each task holds one concurrency permit for its
// lifetime.
func (w *Worker) Run() {
	for task := range w.manager.Tasks() {
		if err := w.manager.Acquire(context.Background()); err != nil {
			w.logger.Error("semaphore closed, stopping worker", "error", err)
			break
		}
		w.wg.Add(1)
		go func(t *tasks.Task) {
			defer w.wg.Done()
			defer w.manager.Release()
			defer w.manager.Done(t)
			w.process(t)
		}(task)
	}
	w.wg.Wait()
	w.logger.Info("worker loop exited")
}

func (w *Worker) process(t *tasks.Task) {
	w.manager.Start(t)
	switch t.Kind {
	case tasks.KindEnsureMirrored:
		w.ensureMirrored(t)
	case tasks.KindUpdateAll:
		w.updateAll(t)
	case tasks.KindReconcile:
		w.reconcile(t)
	}
}

// ensureMirrored clones or updates one repository and snapshots the result.
func (w *Worker) ensureMirrored(t *tasks.Task) {
	ctx := t.Context()

	repo, err := w.store.GetRepo(t.RepoID)
	if err == nil && repo == nil {
		err = fmt.Errorf("%w: id %d", ErrRepoMissing, t.RepoID)
	}
	if err != nil {
		w.logger.Error("loading repository for task failed", "repo_id", t.RepoID, "error", err)
		w.bus.Publish(events.TaskError{RepoID: t.RepoID, Kind: ErrorKind(err), Message: err.Error()})
		return
	}

	settings, err := w.store.LoadSettings()
	if err != nil {
		w.failTask(repo, settings, err)
		return
	}

	err = w.ensureMirroredInner(ctx, repo, settings)
	switch {
	case err == nil:
		w.bus.Publish(events.TaskProgress{
			RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageDone, Fraction: 1,
			Message: fmt.Sprintf("%s is up to date.", repo.FullName()),
		})
	case IsCancellation(err):
		w.logger.Info("task cancelled", "repo", repo.FullName())
		w.bus.Publish(events.TaskProgress{
			RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageCancelled, Fraction: -1,
			Message: fmt.Sprintf("Cancelled %s.", repo.FullName()),
		})
	case errors.Is(err, errUpstreamGone):
		// Not an error: the upstream vanished and the status transition
		// already happened.
		w.bus.Publish(events.TaskProgress{
			RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageDone, Fraction: 1,
			Message: fmt.Sprintf("%s is gone upstream; existing content kept.", repo.FullName()),
		})
	default:
		w.failTask(repo, settings, err)
	}
}

// errUpstreamGone is an internal signal: the upstream returned not-found
// during clone and the repository was marked deleted.
var errUpstreamGone = errors.New("upstream repository disappeared")

func (w *Worker) ensureMirroredInner(ctx context.Context, repo *model.Repository, settings model.Settings) error {
	mirrorPath := repo.LocalPath
	firstClone := false

	if mirrorPath == "" || !dirExists(mirrorPath) {
		mirrorPath = settings.RepoDir(repo.Owner, repo.Name)
		if err := w.clone(ctx, repo, settings, mirrorPath); err != nil {
			return err
		}
		firstClone = true
	} else {
		advanced, err := w.refresh(ctx, repo, mirrorPath)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
	return w.snapshotMirror(ctx, repo, settings, mirrorPath, firstClone)
}

// clone performs the initial mirror clone into dest.
func (w *Worker) clone(ctx context.Context, repo *model.Repository, settings model.Settings, dest string) error {
	w.bus.Publish(events.TaskProgress{
		RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageCloning, Fraction: 0,
		Message: fmt.Sprintf("Cloning %s...", repo.FullName()),
	})

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating mirror directory: %w", err)
	}

	progress := func(fraction float64, message string) {
		w.bus.Publish(events.TaskProgress{
			RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageCloning,
			Fraction: fraction, Message: message,
		})
	}

	err := w.git.Clone(ctx, repo.URL, dest, settings.MirrorDepth, progress)
	if err == nil {
		return nil
	}
	if errors.Is(err, gitmirror.ErrRepoNotFound) {
		// The upstream is gone; captured content survives.
		if serr := w.store.UpdateRepoStatus(repo.ID, model.StatusDeleted, ""); serr != nil {
			return serr
		}
		w.publishRepoUpdated(repo.ID)
		return errUpstreamGone
	}
	if errors.Is(err, gitmirror.ErrRepoUnauthorized) {
		return fmt.Errorf("%w (check the configured token)", err)
	}
	return err
}

// refresh fetches the mirror and fast-forwards it. Returns true when refs
// advanced and a snapshot is due.
func (w *Worker) refresh(ctx context.Context, repo *model.Repository, mirrorPath string) (bool, error) {
	w.bus.Publish(events.TaskProgress{
		RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageFetching, Fraction: -1,
		Message: fmt.Sprintf("Checking for updates to %s...", repo.FullName()),
	})

	hasUpdates, err := w.git.FetchHasUpdates(ctx, mirrorPath)
	if err != nil {
		return false, err
	}
	if !hasUpdates {
		return false, nil
	}
	return w.git.PullFastForward(ctx, mirrorPath)
}

// snapshotMirror hashes the working set, packs a full or incremental
// snapshot, and commits the result atomically.
func (w *Worker) snapshotMirror(ctx context.Context, repo *model.Repository, settings model.Settings, mirrorPath string, firstClone bool) error {
	w.bus.Publish(events.TaskProgress{
		RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageArchiving, Fraction: 0,
		Message: fmt.Sprintf("Creating archive for %s...", repo.FullName()),
	})

	curr, err := hasher.HashTree(ctx, mirrorPath, nil)
	if err != nil {
		return err
	}
	prev, err := w.store.GetFileHashes(repo.ID)
	if err != nil {
		return err
	}

	var fileList []string
	incremental := false
	if len(prev) > 0 {
		diff := hasher.Diff(prev, curr)
		if len(diff) == 0 {
			// A successful pull normally implies changes; tolerate the
			// contradiction and skip the archive.
			w.logger.Warn("no content changes after pull, skipping archive", "repo", repo.FullName())
			return nil
		}
		fileList = diff
		incremental = true
	}

	now := w.clock.Now().UTC()
	filename := fmt.Sprintf("%s_%s__%s.%s", repo.Owner, repo.Name, now.Format(timestampLayout), settings.ArchiveFormat)
	outputPath := filepath.Join(settings.VersionsDir(repo.Owner, repo.Name), filename)

	info, err := snapshot.Pack(ctx, mirrorPath, outputPath, fileList, nil)
	if err != nil {
		return err
	}

	commit := SnapshotCommit{
		RepoID:      repo.ID,
		Filename:    filename,
		FilePath:    outputPath,
		SizeBytes:   info.SizeBytes,
		FileCount:   info.FileCount,
		Incremental: incremental,
		Hashes:      curr,
		CreatedAt:   now,
	}
	if firstClone {
		commit.Cloned = &now
		commit.Status = model.StatusActive
		commit.LocalPath = mirrorPath
	} else {
		commit.Updated = &now
	}

	if _, err := w.store.CommitSnapshot(commit); err != nil {
		// The transaction failed after the file was written; drop the
		// orphan (best effort).
		if derr := snapshot.Delete(outputPath); derr != nil {
			w.logger.Warn("failed to remove orphan snapshot", "path", outputPath, "error", derr)
		}
		return err
	}

	w.publishRepoUpdated(repo.ID)
	return nil
}

// failTask persists the error state and publishes failure events.
func (w *Worker) failTask(repo *model.Repository, settings model.Settings, err error) {
	message := RedactPath(err.Error(), settings.DataDir)
	w.logger.Error("task failed", "repo", repo.FullName(), "error", err)

	if serr := w.store.UpdateRepoStatus(repo.ID, model.StatusError, message); serr != nil {
		w.logger.Error("recording error state failed", "repo", repo.FullName(), "error", serr)
	}
	w.publishRepoUpdated(repo.ID)
	w.bus.Publish(events.TaskError{RepoID: repo.ID, Kind: ErrorKind(err), Message: message})
	w.bus.Publish(events.TaskProgress{
		RepoID: repo.ID, RepoURL: repo.URL, Stage: events.StageFailed, Fraction: -1,
		Message: fmt.Sprintf("Task for %s failed: %s", repo.FullName(), message),
	})
}

// updateAll enqueues an EnsureMirrored task for every eligible repository.
func (w *Worker) updateAll(t *tasks.Task) {
	repos, err := w.store.ListRepos(nil)
	if err != nil {
		w.logger.Error("listing repositories for update-all failed", "error", err)
		w.bus.Publish(events.TaskError{Kind: ErrorKind(err), Message: err.Error()})
		return
	}

	for _, repo := range repos {
		if repo.Status == model.StatusPending {
			continue
		}
		if !t.IncludeArchived && (repo.Status == model.StatusArchived || repo.Status == model.StatusDeleted) {
			continue
		}
		if err := w.manager.Enqueue(tasks.NewEnsureMirrored(repo.ID)); err != nil {
			w.logger.Debug("skipping update", "repo", repo.FullName(), "reason", err)
		}
	}
}

// reconcile refreshes upstream lifecycle state for the task's scope in
// chunks, one transaction per chunk. A failed chunk leaves its
// repositories' statuses unchanged; the reconciliation as a whole does not
// fail.
func (w *Worker) reconcile(t *tasks.Task) {
	ctx := t.Context()

	repos, err := w.reconcileSubjects(t.Scope)
	if err != nil {
		w.logger.Error("listing repositories for reconcile failed", "error", err)
		w.bus.Publish(events.TaskError{Kind: ErrorKind(err), Message: err.Error()})
		return
	}
	if len(repos) == 0 {
		return
	}

	w.bus.Publish(events.TaskProgress{
		Stage: events.StageFetching, Fraction: 0,
		Message: fmt.Sprintf("Reconciling %d repositories...", len(repos)),
	})

	for start := 0; start < len(repos); start += reconcileChunkSize {
		if ctx.Err() != nil {
			w.bus.Publish(events.TaskProgress{Stage: events.StageCancelled, Fraction: -1, Message: "Reconcile cancelled."})
			return
		}
		end := min(start+reconcileChunkSize, len(repos))
		w.reconcileChunk(ctx, repos[start:end])
	}

	w.bus.Publish(events.TaskProgress{
		Stage: events.StageDone, Fraction: 1, Message: "Status reconcile complete.",
	})
}

func (w *Worker) reconcileSubjects(scope []int64) ([]model.Repository, error) {
	if scope == nil {
		return w.store.ListRepos(nil)
	}
	var repos []model.Repository
	for _, id := range scope {
		repo, err := w.store.GetRepo(id)
		if err != nil {
			return nil, err
		}
		if repo != nil {
			repos = append(repos, *repo)
		}
	}
	return repos, nil
}

func (w *Worker) reconcileChunk(ctx context.Context, repos []model.Repository) {
	keys := make([]forge.RepoKey, len(repos))
	for i, repo := range repos {
		keys[i] = forge.RepoKey{Owner: repo.Owner, Name: repo.Name}
	}

	infos, err := w.forge.BatchGetRepos(ctx, keys)
	if err != nil {
		// Statuses for this chunk stay as they were.
		w.logger.Warn("reconcile chunk failed", "count", len(repos), "error", err)
		w.bus.Publish(events.TaskError{Kind: ErrorKind(err), Message: err.Error()})
		return
	}

	updates := make([]RepoReconciliation, len(repos))
	for i, info := range infos {
		status := model.StatusActive
		switch {
		case info.NotFound:
			status = model.StatusDeleted
		case info.Archived:
			status = model.StatusArchived
		}
		updates[i] = RepoReconciliation{
			RepoID:      repos[i].ID,
			Status:      status,
			Description: info.Description,
			Private:     info.Private,
		}
	}

	if err := w.store.ReconcileRepos(updates, w.clock.Now().UTC()); err != nil {
		w.logger.Warn("persisting reconcile chunk failed", "error", err)
		w.bus.Publish(events.TaskError{Kind: ErrorKind(err), Message: err.Error()})
		return
	}

	for i, u := range updates {
		if repos[i].Status != u.Status {
			w.publishRepoUpdated(u.RepoID)
		}
	}
}

func (w *Worker) publishRepoUpdated(id int64) {
	repo, err := w.store.GetRepo(id)
	if err != nil || repo == nil {
		return
	}
	w.bus.Publish(events.RepoUpdated{Repo: *repo})
}

// RedactPath rewrites absolute data-directory paths in a message to their
// data-root-relative form.
func RedactPath(message, dataDir string) string {
	if dataDir == "" {
		return message
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		abs = dataDir
	}
	message = strings.ReplaceAll(message, abs+string(filepath.Separator), "")
	message = strings.ReplaceAll(message, dataDir+string(filepath.Separator), "")
	return message
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
