package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/Technical-1/Git-Archiver/internal/gitmirror"
)

// FakeGit is a scripted GitDriver. Clone materializes CloneFiles (plus a
// stub .git directory) at the destination; PullFastForward materializes
// UpdateFiles when PullAdvances is set.
type FakeGit struct {
	mu sync.Mutex

	CloneFiles  map[string]string // relative path -> content written on Clone
	CloneErr    error
	CloneBlocks bool // Clone parks until its context is cancelled
	HasUpdates  bool
	FetchErr    error
	PullAdvances bool
	PullErr     error
	UpdateFiles map[string]string // written into the mirror on a successful pull

	CloneCalls int
	FetchCalls int
	PullCalls  int
}

func NewFakeGit() *FakeGit {
	return &FakeGit{
		CloneFiles: map[string]string{"README.md": "# fake upstream"},
	}
}

func (g *FakeGit) Clone(ctx context.Context, url, dest string, depth int, progress gitmirror.ProgressFunc) error {
	g.mu.Lock()
	g.CloneCalls++
	cloneErr := g.CloneErr
	files := g.CloneFiles
	blocks := g.CloneBlocks
	g.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if cloneErr != nil {
		return cloneErr
	}

	if progress != nil {
		progress(0.5, "Receiving objects:  50% (1/2)")
	}

	if err := writeFiles(dest, files); err != nil {
		return err
	}
	// Simulate the VCS metadata directory so exclusion logic has something
	// to exclude.
	if err := os.MkdirAll(filepath.Join(dest, ".git"), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, ".git", "config"), []byte("[core]"), 0644)
}

func (g *FakeGit) FetchHasUpdates(ctx context.Context, mirrorPath string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.FetchCalls++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.HasUpdates, g.FetchErr
}

func (g *FakeGit) PullFastForward(ctx context.Context, mirrorPath string) (bool, error) {
	g.mu.Lock()
	g.PullCalls++
	advances := g.PullAdvances
	pullErr := g.PullErr
	files := g.UpdateFiles
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if pullErr != nil {
		return false, pullErr
	}
	if advances {
		if err := writeFiles(mirrorPath, files); err != nil {
			return false, err
		}
	}
	return advances, nil
}

func writeFiles(root string, files map[string]string) error {
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}
