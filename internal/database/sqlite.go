// Package database implements the metadata store on SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Technical-1/Git-Archiver/internal/archiver"
	"github.com/Technical-1/Git-Archiver/internal/database/migrations"
	"github.com/Technical-1/Git-Archiver/internal/model"
)

// timeLayout is how timestamps are persisted: RFC 3339 UTC.
const timeLayout = time.RFC3339

// allowedSettingKeys is the closed allowlist of setting keys.
var allowedSettingKeys = map[string]bool{
	"data_dir":                    true,
	"archive_format":              true,
	"mirror_depth":                true,
	"max_concurrent_tasks":        true,
	"auto_check_interval_minutes": true,
}

// Store is the SQLite-backed metadata store.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path, applies PRAGMAs, and
// runs pending migrations. path can be ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", archiver.ErrStorage, err)
	}
	return &Store{db: db, path: path}, nil
}

// NewStoreFromDB wraps an existing connection. The caller is responsible
// for configuration and schema.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenConnection opens and configures a SQLite connection. Exported for
// tools and tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", archiver.ErrStorage, err)
	}

	// Every pooled connection to ":memory:" would otherwise get its own
	// empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Foreign keys are OFF by default in SQLite; the schema relies on
	// cascading deletes.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", archiver.ErrStorage, p, err)
		}
	}
	return db, nil
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Repository operations

const repoColumns = "id, owner, name, url, description, status, is_private, local_path, last_cloned, last_updated, last_checked, error_message, created_at"

// InsertRepo creates a new repository in status pending. A URL or
// (owner, name) collision returns ErrDuplicateRepo.
func (s *Store) InsertRepo(owner, name, url string) (*model.Repository, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO repositories (owner, name, url, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		owner, name, url, string(model.StatusPending), now.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", archiver.ErrDuplicateRepo, owner, name)
		}
		return nil, fmt.Errorf("%w: inserting repository: %v", archiver.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: reading new repository id: %v", archiver.ErrStorage, err)
	}
	return s.GetRepo(id)
}

// GetRepo returns the repository with the given id, or (nil, nil) when it
// does not exist.
func (s *Store) GetRepo(id int64) (*model.Repository, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repositories WHERE id = ?`, id)
	return scanRepo(row)
}

// GetRepoByURL returns the repository with the given canonical URL, or
// (nil, nil).
func (s *Store) GetRepoByURL(url string) (*model.Repository, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repositories WHERE url = ?`, url)
	return scanRepo(row)
}

// ListRepos returns repositories ordered by creation, optionally filtered
// by status.
func (s *Store) ListRepos(status *model.RepoStatus) ([]model.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories ORDER BY id`
	var args []any
	if status != nil {
		query = `SELECT ` + repoColumns + ` FROM repositories WHERE status = ? ORDER BY id`
		args = append(args, string(*status))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing repositories: %v", archiver.ErrStorage, err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		repo, err := scanRepoRow(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing repositories: %v", archiver.ErrStorage, err)
	}
	return repos, nil
}

// UpdateRepoStatus sets the lifecycle status. errorMsg is cleared when
// empty.
func (s *Store) UpdateRepoStatus(id int64, status model.RepoStatus, errorMsg string) error {
	_, err := s.db.Exec(
		`UPDATE repositories SET status = ?, error_message = ? WHERE id = ?`,
		string(status), nullString(errorMsg), id,
	)
	if err != nil {
		return fmt.Errorf("%w: updating repository status: %v", archiver.ErrStorage, err)
	}
	return nil
}

// UpdateRepoMetadata stores the upstream description and private flag.
func (s *Store) UpdateRepoMetadata(id int64, description string, private bool) error {
	_, err := s.db.Exec(
		`UPDATE repositories SET description = ?, is_private = ? WHERE id = ?`,
		nullString(description), private, id,
	)
	if err != nil {
		return fmt.Errorf("%w: updating repository metadata: %v", archiver.ErrStorage, err)
	}
	return nil
}

// UpdateRepoTimestamps sets any of the three event timestamps; nil values
// are left unchanged.
func (s *Store) UpdateRepoTimestamps(id int64, cloned, updated, checked *time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %v", archiver.ErrStorage, err)
	}
	defer tx.Rollback()

	if err := updateTimestamps(tx, id, cloned, updated, checked); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing timestamps: %v", archiver.ErrStorage, err)
	}
	return nil
}

// DeleteRepo removes the repository; archives and file hashes cascade.
func (s *Store) DeleteRepo(id int64) error {
	_, err := s.db.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting repository: %v", archiver.ErrStorage, err)
	}
	return nil
}

// Archive operations

const archiveColumns = "id, repo_id, filename, file_path, size_bytes, file_count, is_incremental, created_at"

// InsertArchive records a snapshot file.
func (s *Store) InsertArchive(a *model.Archive) (*model.Archive, error) {
	res, err := s.db.Exec(
		`INSERT INTO archives (repo_id, filename, file_path, size_bytes, file_count, is_incremental, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RepoID, a.Filename, a.FilePath, a.SizeBytes, a.FileCount, a.Incremental, a.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting archive: %v", archiver.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: reading new archive id: %v", archiver.ErrStorage, err)
	}
	return s.GetArchive(id)
}

// ListArchives returns a repository's archives ordered by creation,
// oldest first.
func (s *Store) ListArchives(repoID int64) ([]model.Archive, error) {
	rows, err := s.db.Query(
		`SELECT `+archiveColumns+` FROM archives WHERE repo_id = ? ORDER BY created_at ASC, id ASC`, repoID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing archives: %v", archiver.ErrStorage, err)
	}
	defer rows.Close()

	var archives []model.Archive
	for rows.Next() {
		a, err := scanArchiveRow(rows)
		if err != nil {
			return nil, err
		}
		archives = append(archives, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing archives: %v", archiver.ErrStorage, err)
	}
	return archives, nil
}

// GetArchive returns the archive with the given id, or (nil, nil).
func (s *Store) GetArchive(id int64) (*model.Archive, error) {
	row := s.db.QueryRow(`SELECT `+archiveColumns+` FROM archives WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteArchive removes an archive row. Deleting an absent row is not an
// error.
func (s *Store) DeleteArchive(id int64) error {
	_, err := s.db.Exec(`DELETE FROM archives WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting archive: %v", archiver.ErrStorage, err)
	}
	return nil
}

// FileHash operations

// ReplaceFileHashes atomically replaces the stored digest set for a
// repository.
func (s *Store) ReplaceFileHashes(repoID int64, hashes map[string]string, seen time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %v", archiver.ErrStorage, err)
	}
	defer tx.Rollback()

	if err := replaceHashes(tx, repoID, hashes, seen); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing file hashes: %v", archiver.ErrStorage, err)
	}
	return nil
}

// GetFileHashes returns the stored digest set for a repository.
func (s *Store) GetFileHashes(repoID int64) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT file_path, hash FROM file_hashes WHERE repo_id = ?`, repoID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading file hashes: %v", archiver.ErrStorage, err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("%w: scanning file hash: %v", archiver.ErrStorage, err)
		}
		hashes[path] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading file hashes: %v", archiver.ErrStorage, err)
	}
	return hashes, nil
}

// ClearFileHashes removes the digest set for a repository.
func (s *Store) ClearFileHashes(repoID int64) error {
	_, err := s.db.Exec(`DELETE FROM file_hashes WHERE repo_id = ?`, repoID)
	if err != nil {
		return fmt.Errorf("%w: clearing file hashes: %v", archiver.ErrStorage, err)
	}
	return nil
}

// CommitSnapshot persists an archive row, the replacement digest set, and
// the repository field updates in one transaction.
func (s *Store) CommitSnapshot(c archiver.SnapshotCommit) (*model.Archive, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: starting transaction: %v", archiver.ErrStorage, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO archives (repo_id, filename, file_path, size_bytes, file_count, is_incremental, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.RepoID, c.Filename, c.FilePath, c.SizeBytes, c.FileCount, c.Incremental, c.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting archive: %v", archiver.ErrStorage, err)
	}
	archiveID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: reading new archive id: %v", archiver.ErrStorage, err)
	}

	if err := replaceHashes(tx, c.RepoID, c.Hashes, c.CreatedAt); err != nil {
		return nil, err
	}

	if c.Status != "" {
		if _, err := tx.Exec(
			`UPDATE repositories SET status = ?, error_message = NULL WHERE id = ?`,
			string(c.Status), c.RepoID,
		); err != nil {
			return nil, fmt.Errorf("%w: updating repository status: %v", archiver.ErrStorage, err)
		}
	}
	if c.LocalPath != "" {
		if _, err := tx.Exec(
			`UPDATE repositories SET local_path = ? WHERE id = ?`, c.LocalPath, c.RepoID,
		); err != nil {
			return nil, fmt.Errorf("%w: updating repository path: %v", archiver.ErrStorage, err)
		}
	}
	if err := updateTimestamps(tx, c.RepoID, c.Cloned, c.Updated, c.Checked); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing snapshot: %v", archiver.ErrStorage, err)
	}
	return s.GetArchive(archiveID)
}

// ReconcileRepos applies a batch of lifecycle updates and stamps
// last_checked in one transaction.
func (s *Store) ReconcileRepos(updates []archiver.RepoReconciliation, checked time.Time) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %v", archiver.ErrStorage, err)
	}
	defer tx.Rollback()

	checkedStr := checked.UTC().Format(timeLayout)
	for _, u := range updates {
		_, err := tx.Exec(
			`UPDATE repositories
			 SET status = ?, description = ?, is_private = ?, last_checked = ?, error_message = NULL
			 WHERE id = ?`,
			string(u.Status), nullString(u.Description), u.Private, checkedStr, u.RepoID,
		)
		if err != nil {
			return fmt.Errorf("%w: reconciling repository %d: %v", archiver.ErrStorage, u.RepoID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing reconciliation: %v", archiver.ErrStorage, err)
	}
	return nil
}

// Settings operations

// GetSetting returns the stored value for key, or "" when unset. The key
// must be on the allowlist.
func (s *Store) GetSetting(key string) (string, error) {
	if !allowedSettingKeys[key] {
		return "", fmt.Errorf("%w: invalid setting key %q", archiver.ErrStorage, key)
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: reading setting %q: %v", archiver.ErrStorage, key, err)
	}
	return value, nil
}

// SetSetting upserts one setting. The key must be on the allowlist.
func (s *Store) SetSetting(key, value string) error {
	if !allowedSettingKeys[key] {
		return fmt.Errorf("%w: invalid setting key %q", archiver.ErrStorage, key)
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("%w: writing setting %q: %v", archiver.ErrStorage, key, err)
	}
	return nil
}

// LoadSettings reads every setting, falling back to defaults for missing
// or malformed values.
func (s *Store) LoadSettings() (model.Settings, error) {
	settings := model.DefaultSettings()

	if v, err := s.GetSetting("data_dir"); err != nil {
		return settings, err
	} else if v != "" {
		settings.DataDir = v
	}
	if v, err := s.GetSetting("archive_format"); err != nil {
		return settings, err
	} else if v != "" {
		settings.ArchiveFormat = v
	}
	if v, err := s.GetSetting("mirror_depth"); err != nil {
		return settings, err
	} else if n, convErr := strconv.Atoi(v); convErr == nil && n >= 0 {
		settings.MirrorDepth = n
	}
	if v, err := s.GetSetting("max_concurrent_tasks"); err != nil {
		return settings, err
	} else if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
		settings.MaxConcurrentTasks = n
	}
	if v, err := s.GetSetting("auto_check_interval_minutes"); err != nil {
		return settings, err
	} else if n, convErr := strconv.Atoi(v); convErr == nil && n >= 0 {
		settings.AutoCheckMinutes = n
	}
	return settings, nil
}

// SaveSettings writes every setting in one transaction.
func (s *Store) SaveSettings(settings model.Settings) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %v", archiver.ErrStorage, err)
	}
	defer tx.Rollback()

	pairs := map[string]string{
		"data_dir":                    settings.DataDir,
		"archive_format":              settings.ArchiveFormat,
		"mirror_depth":                strconv.Itoa(settings.MirrorDepth),
		"max_concurrent_tasks":        strconv.Itoa(settings.MaxConcurrentTasks),
		"auto_check_interval_minutes": strconv.Itoa(settings.AutoCheckMinutes),
	}
	for key, value := range pairs {
		if _, err := tx.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return fmt.Errorf("%w: writing setting %q: %v", archiver.ErrStorage, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing settings: %v", archiver.ErrStorage, err)
	}
	return nil
}

// helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanRepo(row *sql.Row) (*model.Repository, error) {
	repo, err := scanRepoFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return repo, nil
}

func scanRepoRow(rows *sql.Rows) (*model.Repository, error) {
	return scanRepoFrom(rows)
}

func scanRepoFrom(sc scanner) (*model.Repository, error) {
	var (
		repo                              model.Repository
		description, localPath, errorMsg  sql.NullString
		lastCloned, lastUpdated, lastSeen sql.NullString
		status, createdAt                 string
	)
	err := sc.Scan(
		&repo.ID, &repo.Owner, &repo.Name, &repo.URL, &description, &status,
		&repo.Private, &localPath, &lastCloned, &lastUpdated, &lastSeen,
		&errorMsg, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning repository: %v", archiver.ErrStorage, err)
	}

	repo.Status = model.RepoStatus(status)
	repo.Description = description.String
	repo.LocalPath = localPath.String
	repo.ErrorMsg = errorMsg.String
	repo.LastCloned = parseNullTime(lastCloned)
	repo.LastUpdated = parseNullTime(lastUpdated)
	repo.LastChecked = parseNullTime(lastSeen)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		repo.CreatedAt = t
	}
	return &repo, nil
}

func scanArchive(row *sql.Row) (*model.Archive, error) {
	a, err := scanArchiveFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return a, nil
}

func scanArchiveRow(rows *sql.Rows) (*model.Archive, error) {
	return scanArchiveFrom(rows)
}

func scanArchiveFrom(sc scanner) (*model.Archive, error) {
	var (
		a         model.Archive
		createdAt string
	)
	err := sc.Scan(&a.ID, &a.RepoID, &a.Filename, &a.FilePath, &a.SizeBytes, &a.FileCount, &a.Incremental, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning archive: %v", archiver.ErrStorage, err)
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

func replaceHashes(tx *sql.Tx, repoID int64, hashes map[string]string, seen time.Time) error {
	if _, err := tx.Exec(`DELETE FROM file_hashes WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("%w: clearing file hashes: %v", archiver.ErrStorage, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO file_hashes (repo_id, file_path, hash, last_seen) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: preparing hash insert: %v", archiver.ErrStorage, err)
	}
	defer stmt.Close()

	seenStr := seen.UTC().Format(timeLayout)
	for path, hash := range hashes {
		if _, err := stmt.Exec(repoID, path, hash, seenStr); err != nil {
			return fmt.Errorf("%w: inserting file hash for %s: %v", archiver.ErrStorage, path, err)
		}
	}
	return nil
}

func updateTimestamps(tx *sql.Tx, id int64, cloned, updated, checked *time.Time) error {
	set := func(column string, t *time.Time) error {
		if t == nil {
			return nil
		}
		_, err := tx.Exec(
			`UPDATE repositories SET `+column+` = ? WHERE id = ?`,
			t.UTC().Format(timeLayout), id,
		)
		if err != nil {
			return fmt.Errorf("%w: updating %s: %v", archiver.ErrStorage, column, err)
		}
		return nil
	}
	if err := set("last_cloned", cloned); err != nil {
		return err
	}
	if err := set("last_updated", updated); err != nil {
		return err
	}
	return set("last_checked", checked)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Compile-time check that Store implements the archiver.Store interface.
var _ archiver.Store = (*Store)(nil)
