package archiver

import (
	"context"
	"errors"

	"github.com/Technical-1/Git-Archiver/internal/forge"
	"github.com/Technical-1/Git-Archiver/internal/gitmirror"
	"github.com/Technical-1/Git-Archiver/internal/repourl"
	"github.com/Technical-1/Git-Archiver/internal/snapshot"
	"github.com/Technical-1/Git-Archiver/internal/tasks"
)

// Sentinel errors for failures that originate in this package. Failures
// from the component packages keep their own sentinels (repourl.ErrInvalidURL,
// tasks.ErrAlreadyInProgress, snapshot.ErrUnsafePath, ...) and are matched
// with errors.Is; ErrorKind folds all of them into the event taxonomy.
var (
	// ErrDuplicateRepo means the canonical URL or (owner, name) pair is
	// already tracked.
	ErrDuplicateRepo = errors.New("repository is already tracked")
	// ErrStorage is the single storage-failure kind; everything the
	// metadata store can fail with, other than DuplicateRepo, wraps it.
	ErrStorage = errors.New("metadata store failure")
	// ErrRepoMissing means an operation referenced a repository id that is
	// not tracked.
	ErrRepoMissing = errors.New("repository not found")
	// ErrArchiveMissing means an operation referenced an archive id that
	// does not exist.
	ErrArchiveMissing = errors.New("archive not found")
)

// Error taxonomy tags carried on TaskError events. These are grouping keys
// for subscribers; user-visible text is always the message string.
const (
	KindInvalidURL        = "invalid_url"
	KindDuplicateRepo     = "duplicate_repo"
	KindGitFailure        = "git_failure"
	KindForgeAPIFailure   = "forge_api_failure"
	KindRateLimited       = "rate_limited"
	KindArchiveFailure    = "archive_failure"
	KindStorageFailure    = "storage_failure"
	KindAlreadyInProgress = "already_in_progress"
	KindCancelled         = "cancelled"
	KindSecretsFailure    = "secrets_failure"
	KindUnknown           = "unknown"
)

// ErrorKind maps an error to its taxonomy tag.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, repourl.ErrInvalidURL):
		return KindInvalidURL
	case errors.Is(err, ErrDuplicateRepo):
		return KindDuplicateRepo
	case errors.Is(err, gitmirror.ErrRepoNotFound), errors.Is(err, gitmirror.ErrRepoUnauthorized):
		return KindGitFailure
	case errors.Is(err, forge.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, forge.ErrAuth):
		return KindForgeAPIFailure
	case errors.Is(err, snapshot.ErrUnsafePath):
		return KindArchiveFailure
	case errors.Is(err, ErrStorage):
		return KindStorageFailure
	case errors.Is(err, tasks.ErrAlreadyInProgress):
		return KindAlreadyInProgress
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// IsCancellation reports whether err represents task cancellation, which is
// a distinct completion kind rather than an error to the user.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
