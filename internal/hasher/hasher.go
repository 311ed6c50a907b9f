// Package hasher walks a mirror working set and produces content digests
// used for incremental change detection.
//
// Digests are MD5. They are used solely to detect changed files between
// snapshots, never as an integrity guarantee against adversarial input.
package hasher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExclusions returns the directory names always excluded from a walk:
// the VCS metadata directory and the snapshot directory.
func DefaultExclusions() map[string]bool {
	return map[string]bool{
		".git":     true,
		"versions": true,
	}
}

// HashTree walks root depth-first in deterministic (lexical) order and
// returns a map of slash-separated relative path to hex digest.
//
// Directories whose base name appears in exclude are skipped entirely, as
// are the default exclusions. Symbolic links are never followed: a link
// whose target stays inside root is digested over its link text, and a link
// whose target escapes root is skipped.
func HashTree(ctx context.Context, root string, exclude map[string]bool) (map[string]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	skip := DefaultExclusions()
	for name := range exclude {
		skip[name] = true
	}

	hashes := make(map[string]string)
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != absRoot && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			digest, ok, err := hashSymlink(absRoot, path)
			if err != nil {
				return err
			}
			if ok {
				hashes[rel] = digest
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// hashFile streams the file through MD5; file content is never held in
// memory whole.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashSymlink digests a symlink's text. Returns ok=false when the link
// target resolves outside root.
func hashSymlink(root, path string) (digest string, ok bool, err error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", false, fmt.Errorf("reading link %s: %w", path, err)
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(path), resolved)
	}
	resolved = filepath.Clean(resolved)
	if !withinRoot(root, resolved) {
		return "", false, nil
	}

	sum := md5.Sum([]byte(target))
	return hex.EncodeToString(sum[:]), true, nil
}

func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Diff returns the sorted list of paths that are new or changed in curr
// relative to prev. Deleted paths (present in prev only) are not reported.
func Diff(prev, curr map[string]string) []string {
	var changed []string
	for path, digest := range curr {
		if old, ok := prev[path]; !ok || old != digest {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}
