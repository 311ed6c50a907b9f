package model

import (
	"path/filepath"
	"time"
)

// RepoStatus is the upstream lifecycle state of a tracked repository.
type RepoStatus string

const (
	StatusPending  RepoStatus = "pending"
	StatusActive   RepoStatus = "active"
	StatusArchived RepoStatus = "archived"
	StatusDeleted  RepoStatus = "deleted"
	StatusError    RepoStatus = "error"
)

// ValidStatus reports whether s is one of the canonical status values.
func ValidStatus(s RepoStatus) bool {
	switch s {
	case StatusPending, StatusActive, StatusArchived, StatusDeleted, StatusError:
		return true
	}
	return false
}

// Repository is a tracked remote repository and its local mirror state.
type Repository struct {
	ID          int64
	Owner       string
	Name        string
	URL         string // canonical form
	Description string
	Status      RepoStatus
	Private     bool
	LocalPath   string // empty until first clone
	LastCloned  *time.Time
	LastUpdated *time.Time // set only when a fetch produced new commits
	LastChecked *time.Time // set on any successful metadata poll
	ErrorMsg    string
	CreatedAt   time.Time
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Archive is an immutable snapshot record for a repository.
type Archive struct {
	ID          int64
	RepoID      int64
	Filename    string
	FilePath    string
	SizeBytes   int64
	FileCount   int
	Incremental bool
	CreatedAt   time.Time
}

// Settings are the runtime tunables stored in the metadata store.
// Keys outside the allowlist are rejected at the store layer.
type Settings struct {
	DataDir            string
	ArchiveFormat      string
	MirrorDepth        int // 0 = full history
	MaxConcurrentTasks int
	AutoCheckMinutes   int // 0 = auto reconcile disabled
}

// DefaultSettings returns the settings used when the store has no overrides.
func DefaultSettings() Settings {
	return Settings{
		DataDir:            "data",
		ArchiveFormat:      "tar.xz",
		MirrorDepth:        0,
		MaxConcurrentTasks: 4,
		AutoCheckMinutes:   0,
	}
}

// RepoDir returns the on-disk directory for a repository's mirror,
// <data_dir>/<owner>_<name>.
func (s Settings) RepoDir(owner, name string) string {
	return filepath.Join(s.DataDir, owner+"_"+name)
}

// VersionsDir returns the snapshot directory for a repository,
// <data_dir>/<owner>_<name>/versions.
func (s Settings) VersionsDir(owner, name string) string {
	return filepath.Join(s.RepoDir(owner, name), "versions")
}
