package archiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Technical-1/Git-Archiver/internal/forge"
	"github.com/Technical-1/Git-Archiver/internal/model"
	"github.com/Technical-1/Git-Archiver/internal/repourl"
	"github.com/Technical-1/Git-Archiver/internal/secrets"
	"github.com/Technical-1/Git-Archiver/internal/snapshot"
	"github.com/Technical-1/Git-Archiver/internal/tasks"
)

// Service is the inbound facade used by front ends. Every call returns
// quickly; long work is enqueued and reports progress on the event bus.
type Service struct {
	store         Store
	manager       *tasks.Manager
	forge         Forge
	secrets       secrets.Keeper
	secretService string
	logger        Logger
	clock         Clock
}

// NewService wires the facade over its collaborators. secretService is the
// platform secret-store entry name used for the forge token.
func NewService(store Store, manager *tasks.Manager, forgeClient Forge, keeper secrets.Keeper, secretService string, logger Logger, clock Clock) *Service {
	return &Service{
		store:         store,
		manager:       manager,
		forge:         forgeClient,
		secrets:       keeper,
		secretService: secretService,
		logger:        logger,
		clock:         clock,
	}
}

// AddRepo canonicalizes url and creates a tracked repository in status
// pending. Two URLs that canonicalize identically yield one repository and
// ErrDuplicateRepo on the second call.
func (s *Service) AddRepo(url string) (*model.Repository, error) {
	canonical, err := repourl.Canonicalize(url)
	if err != nil {
		return nil, err
	}
	owner, name, err := repourl.SplitOwnerName(canonical)
	if err != nil {
		return nil, err
	}

	repo, err := s.store.InsertRepo(owner, name, canonical)
	if err != nil {
		return nil, err
	}
	s.logger.Info("repository tracked", "repo", repo.FullName(), "url", canonical)
	return repo, nil
}

// ListRepos returns tracked repositories, optionally filtered by status.
func (s *Service) ListRepos(status *model.RepoStatus) ([]model.Repository, error) {
	return s.store.ListRepos(status)
}

// GetRepo returns one repository or ErrRepoMissing.
func (s *Service) GetRepo(id int64) (*model.Repository, error) {
	repo, err := s.store.GetRepo(id)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: id %d", ErrRepoMissing, id)
	}
	return repo, nil
}

// DeleteRepo removes a repository record; archives and file hashes cascade.
// When removeFiles is set the mirror directory (including its snapshots) is
// deleted too, provided it lies under the data directory.
func (s *Service) DeleteRepo(id int64, removeFiles bool) error {
	repo, err := s.GetRepo(id)
	if err != nil {
		return err
	}

	// Stop any in-flight work for this repository first.
	s.manager.Cancel(tasks.NewEnsureMirrored(id).Identity())

	if err := s.store.DeleteRepo(id); err != nil {
		return err
	}

	if removeFiles && repo.LocalPath != "" {
		settings, err := s.store.LoadSettings()
		if err != nil {
			return err
		}
		if !pathWithin(settings.DataDir, repo.LocalPath) {
			s.logger.Warn("mirror path outside data directory, not removing", "repo", repo.FullName())
			return nil
		}
		if err := os.RemoveAll(repo.LocalPath); err != nil {
			s.logger.Warn("removing mirror directory failed", "repo", repo.FullName(), "error", err)
		}
	}
	s.logger.Info("repository deleted", "repo", repo.FullName(), "files_removed", removeFiles)
	return nil
}

// EnqueueUpdate schedules an EnsureMirrored task for one repository.
// Returns tasks.ErrAlreadyInProgress if one is queued or active.
func (s *Service) EnqueueUpdate(id int64) error {
	if _, err := s.GetRepo(id); err != nil {
		return err
	}
	return s.manager.Enqueue(tasks.NewEnsureMirrored(id))
}

// EnqueueUpdateAll schedules the global update-all task.
func (s *Service) EnqueueUpdateAll(includeArchived bool) error {
	return s.manager.Enqueue(tasks.NewUpdateAll(includeArchived))
}

// StopAll signals cancellation on every queued or running task.
func (s *Service) StopAll() {
	s.manager.CancelAll()
}

// EnqueueReconcile schedules a full status reconciliation.
func (s *Service) EnqueueReconcile() error {
	return s.manager.Enqueue(tasks.NewReconcile(nil))
}

// TaskCounts reports the number of running and queued tasks.
func (s *Service) TaskCounts() (running, queued int) {
	return s.manager.Snapshot()
}

// ListArchives returns a repository's archives, oldest first.
func (s *Service) ListArchives(repoID int64) ([]model.Archive, error) {
	return s.store.ListArchives(repoID)
}

// ExtractArchive unpacks an archive into destination.
func (s *Service) ExtractArchive(ctx context.Context, archiveID int64, destination string) error {
	archive, err := s.store.GetArchive(archiveID)
	if err != nil {
		return err
	}
	if archive == nil {
		return fmt.Errorf("%w: id %d", ErrArchiveMissing, archiveID)
	}
	return snapshot.Unpack(ctx, archive.FilePath, destination)
}

// DeleteArchive removes the archive row and its on-disk file. Each side
// tolerates the other being already gone.
func (s *Service) DeleteArchive(archiveID int64) error {
	archive, err := s.store.GetArchive(archiveID)
	if err != nil {
		return err
	}
	if archive == nil {
		return fmt.Errorf("%w: id %d", ErrArchiveMissing, archiveID)
	}
	if err := s.store.DeleteArchive(archiveID); err != nil {
		return err
	}
	if err := snapshot.Delete(archive.FilePath); err != nil {
		s.logger.Warn("removing archive file failed", "path", archive.FilePath, "error", err)
	}
	return nil
}

// GetSettings returns the current runtime settings.
func (s *Service) GetSettings() (model.Settings, error) {
	return s.store.LoadSettings()
}

// SaveSettings persists settings; token, when non-nil, is stored in (or,
// if empty, erased from) the platform secret store. Tokens never touch the
// metadata store.
func (s *Service) SaveSettings(settings model.Settings, token *string) error {
	if err := s.store.SaveSettings(settings); err != nil {
		return err
	}
	if token != nil {
		if *token == "" {
			return s.secrets.EraseToken(s.secretService)
		}
		return s.secrets.SetToken(s.secretService, *token)
	}
	return nil
}

// GetRateLimit reports the forge API rate-limit window.
func (s *Service) GetRateLimit(ctx context.Context) (*forge.RateLimitInfo, error) {
	return s.forge.RateLimit(ctx)
}

// pathWithin reports whether path lies inside root (both made absolute).
func pathWithin(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
