// Package snapshot writes and extracts compressed tar snapshots of a
// repository working set.
//
// Archives are POSIX tar streams inside an xz (LZMA2) container. Packing
// streams file content; the whole archive never lives in memory. Extraction
// validates every entry path against the destination to defend against
// tar-slip attacks.
package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/Technical-1/Git-Archiver/internal/hasher"
)

// ErrUnsafePath marks a security-class extraction failure: an archive entry
// whose resolved path would land outside the destination root.
var ErrUnsafePath = errors.New("archive entry resolves outside destination")

// Info describes a snapshot file that was written.
type Info struct {
	SizeBytes int64
	FileCount int
}

// Pack writes a .tar.xz snapshot of sourceRoot to outputPath.
//
// When fileList is nil every file under sourceRoot is included except the
// exclusions (and the defaults, .git and versions); this is a full snapshot.
// When fileList is non-nil only those relative paths are included
// (incremental snapshot); listed paths that no longer exist are skipped.
//
// The archive is written to a temporary sibling and renamed into place on
// success, so a failed or cancelled pack never leaves a partial file at
// outputPath.
func Pack(ctx context.Context, sourceRoot, outputPath string, fileList []string, exclude map[string]bool) (*Info, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary snapshot file: %w", err)
	}
	tmpPath := tmp.Name()

	count, err := writeArchive(ctx, tmp, sourceRoot, fileList, exclude)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("renaming snapshot into place: %w", err)
	}

	fi, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}
	return &Info{SizeBytes: fi.Size(), FileCount: count}, nil
}

func writeArchive(ctx context.Context, w io.Writer, sourceRoot string, fileList []string, exclude map[string]bool) (int, error) {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("creating xz writer: %w", err)
	}
	tw := tar.NewWriter(xzw)

	var paths []string
	if fileList != nil {
		paths = append(paths, fileList...)
		sort.Strings(paths)
	} else {
		paths, err = collectPaths(sourceRoot, exclude)
		if err != nil {
			return 0, err
		}
	}

	count := 0
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		added, err := addEntry(tw, sourceRoot, rel)
		if err != nil {
			return count, err
		}
		if added {
			count++
		}
	}

	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return count, fmt.Errorf("finalizing xz stream: %w", err)
	}
	return count, nil
}

// collectPaths walks sourceRoot and returns the sorted relative paths of
// every regular file and symlink, honoring exclusions.
func collectPaths(sourceRoot string, exclude map[string]bool) ([]string, error) {
	skip := hasher.DefaultExclusions()
	for name := range exclude {
		skip[name] = true
	}

	var paths []string
	err := filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != sourceRoot && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", sourceRoot, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// addEntry appends one file or symlink to the tar stream. Returns false
// when the path no longer exists (tolerated for incremental lists).
func addEntry(tw *tar.Writer, sourceRoot, rel string) (bool, error) {
	full := filepath.Join(sourceRoot, filepath.FromSlash(rel))
	fi, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}

	if fi.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return false, fmt.Errorf("reading link %s: %w", rel, err)
		}
		hdr, err := tar.FileInfoHeader(fi, target)
		if err != nil {
			return false, fmt.Errorf("building header for %s: %w", rel, err)
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return false, fmt.Errorf("writing header for %s: %w", rel, err)
		}
		return true, nil
	}

	if !fi.Mode().IsRegular() {
		return false, nil
	}

	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return false, fmt.Errorf("building header for %s: %w", rel, err)
	}
	hdr.Name = rel

	if err := tw.WriteHeader(hdr); err != nil {
		return false, fmt.Errorf("writing header for %s: %w", rel, err)
	}

	f, err := os.Open(full)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", rel, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return false, fmt.Errorf("writing %s: %w", rel, err)
	}
	return true, nil
}

// Unpack extracts a .tar.xz snapshot into destRoot.
//
// Every entry's resolved path must lie strictly within destRoot. Entries
// with absolute paths or ".." segments, and links whose target escapes
// destRoot, fail the extraction with ErrUnsafePath.
func Unpack(ctx context.Context, archivePath, destRoot string) error {
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	absDest, err := filepath.Abs(destRoot)
	if err != nil {
		return fmt.Errorf("resolving destination: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading xz stream: %w", err)
	}
	tr := tar.NewReader(xzr)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		dest, err := safeJoin(absDest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			if err := writeRegular(dest, tr, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(absDest, dest, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return fmt.Errorf("restoring link %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			// Hard links are restored as regular copies of the already
			// extracted target; a target outside the destination fails
			// with ErrUnsafePath.
			src, err := safeJoin(absDest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			if err := copyFile(src, dest); err != nil {
				return fmt.Errorf("restoring hard link %s: %w", hdr.Name, err)
			}
		default:
			// Devices, FIFOs and the like are not restored.
		}
	}
}

// safeJoin joins name onto root, rejecting absolute names and any ".."
// component.
func safeJoin(root, name string) (string, error) {
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q contains a parent-directory segment", ErrUnsafePath, name)
		}
	}
	dest := filepath.Join(root, clean)
	if !strings.HasPrefix(dest, root+string(filepath.Separator)) && dest != root {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return dest, nil
}

// checkLinkTarget verifies a symlink's target resolves inside root.
func checkLinkTarget(root, linkPath, target string) error {
	resolved := filepath.FromSlash(target)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(linkPath), resolved)
	}
	resolved = filepath.Clean(resolved)
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) && resolved != root {
		return fmt.Errorf("%w: link target %q", ErrUnsafePath, target)
	}
	return nil
}

func writeRegular(dest string, r io.Reader, hdr *tar.Header) error {
	mode := fs.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extracting %s: %w", hdr.Name, err)
	}
	return out.Close()
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Delete removes a snapshot file. A missing file is not an error.
func Delete(archivePath string) error {
	err := os.Remove(archivePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}
