package archiver

import (
	"time"

	"github.com/Technical-1/Git-Archiver/internal/model"
)

// SnapshotCommit is the unit persisted atomically after a successful
// snapshot: the Archive row, the full replacement FileHash set, and the
// repository fields that changed. Either all of it becomes visible or none
// of it does.
type SnapshotCommit struct {
	RepoID      int64
	Filename    string
	FilePath    string
	SizeBytes   int64
	FileCount   int
	Incremental bool
	Hashes      map[string]string
	CreatedAt   time.Time

	// Optional repository updates applied in the same transaction.
	Cloned    *time.Time
	Updated   *time.Time
	Checked   *time.Time
	Status    model.RepoStatus // "" leaves the status unchanged
	LocalPath string           // "" leaves the path unchanged
}

// RepoReconciliation is one repository's refreshed lifecycle state,
// applied in a batch by ReconcileRepos.
type RepoReconciliation struct {
	RepoID      int64
	Status      model.RepoStatus
	Description string
	Private     bool
}

// Store is the metadata store contract (repositories, archives, file
// hashes, settings). Lookups for absent rows return (nil, nil); every
// failure other than ErrDuplicateRepo wraps ErrStorage.
type Store interface {
	InsertRepo(owner, name, url string) (*model.Repository, error)
	GetRepo(id int64) (*model.Repository, error)
	GetRepoByURL(url string) (*model.Repository, error)
	ListRepos(status *model.RepoStatus) ([]model.Repository, error)
	UpdateRepoStatus(id int64, status model.RepoStatus, errorMsg string) error
	UpdateRepoMetadata(id int64, description string, private bool) error
	UpdateRepoTimestamps(id int64, cloned, updated, checked *time.Time) error
	DeleteRepo(id int64) error

	InsertArchive(a *model.Archive) (*model.Archive, error)
	ListArchives(repoID int64) ([]model.Archive, error)
	GetArchive(id int64) (*model.Archive, error)
	DeleteArchive(id int64) error

	ReplaceFileHashes(repoID int64, hashes map[string]string, seen time.Time) error
	GetFileHashes(repoID int64) (map[string]string, error)
	ClearFileHashes(repoID int64) error

	CommitSnapshot(c SnapshotCommit) (*model.Archive, error)
	ReconcileRepos(updates []RepoReconciliation, checked time.Time) error

	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	LoadSettings() (model.Settings, error)
	SaveSettings(s model.Settings) error

	Close() error
}
