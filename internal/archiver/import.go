package archiver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Technical-1/Git-Archiver/internal/model"
	"github.com/Technical-1/Git-Archiver/internal/repourl"
)

// legacyEntry is one repository record in the legacy JSON export: an object
// keyed by repository URL.
type legacyEntry struct {
	LastCloned  string `json:"last_cloned"`
	LastUpdated string `json:"last_updated"`
	LocalPath   string `json:"local_path"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ImportResult summarizes a legacy import run.
type ImportResult struct {
	Imported      int
	ArchivesFound int
	Errors        []string
}

// legacyTimeLayouts are the timestamp formats the legacy exporter produced.
var legacyTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ImportLegacy ingests a legacy JSON export. One repository is inserted per
// key; a status outside the canonical set coerces to pending. After each
// insert the entry's versions directory is scanned and one Archive row is
// recorded per .tar.xz file (size from disk, file count unknown).
//
// Per-entry failures are collected, not fatal.
func (s *Service) ImportLegacy(data []byte) (*ImportResult, error) {
	var entries map[string]legacyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing legacy export: %w", err)
	}

	result := &ImportResult{}
	for rawURL, entry := range entries {
		if err := s.importOne(rawURL, entry, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rawURL, err))
		}
	}
	s.logger.Info("legacy import finished",
		"imported", result.Imported, "archives", result.ArchivesFound, "errors", len(result.Errors))
	return result, nil
}

func (s *Service) importOne(rawURL string, entry legacyEntry, result *ImportResult) error {
	canonical, err := repourl.Canonicalize(rawURL)
	if err != nil {
		return err
	}
	owner, name, err := repourl.SplitOwnerName(canonical)
	if err != nil {
		return err
	}

	repo, err := s.store.InsertRepo(owner, name, canonical)
	if err != nil {
		return err
	}
	result.Imported++

	status := model.RepoStatus(entry.Status)
	if !model.ValidStatus(status) {
		status = model.StatusPending
	}
	if status != model.StatusPending {
		if err := s.store.UpdateRepoStatus(repo.ID, status, ""); err != nil {
			return err
		}
	}
	if entry.Description != "" {
		if err := s.store.UpdateRepoMetadata(repo.ID, entry.Description, false); err != nil {
			return err
		}
	}

	cloned := parseLegacyTime(entry.LastCloned)
	updated := parseLegacyTime(entry.LastUpdated)
	if cloned != nil || updated != nil {
		if err := s.store.UpdateRepoTimestamps(repo.ID, cloned, updated, nil); err != nil {
			return err
		}
	}

	if entry.LocalPath == "" {
		return nil
	}
	found, err := s.importArchives(repo.ID, entry.LocalPath)
	if err != nil {
		return err
	}
	result.ArchivesFound += found
	return nil
}

// importArchives records one Archive row per snapshot file found under
// <localPath>/versions. file_count is left at zero; recovering it would
// require streaming every archive.
func (s *Service) importArchives(repoID int64, localPath string) (int, error) {
	pattern := filepath.Join(localPath, "versions", "*.tar.xz")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("scanning legacy archives: %w", err)
	}

	found := 0
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		_, err = s.store.InsertArchive(&model.Archive{
			RepoID:      repoID,
			Filename:    filepath.Base(path),
			FilePath:    path,
			SizeBytes:   fi.Size(),
			FileCount:   0,
			Incremental: false,
			CreatedAt:   fi.ModTime().UTC(),
		})
		if err != nil {
			return found, err
		}
		found++
	}
	return found, nil
}

func parseLegacyTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
