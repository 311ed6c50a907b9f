// Package gitmirror maintains the local mirror checkouts using a native Git
// implementation (go-git); no git CLI is invoked.
//
// Mirrors are read-only projections of the upstream: the driver clones,
// fetches, and fast-forwards, and never rewrites or force-updates refs.
package gitmirror

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrRepoNotFound marks an upstream that does not exist (or is invisible to
// the current credentials). Not retriable; the worker maps it to a status
// transition.
var ErrRepoNotFound = errors.New("upstream repository not found")

// ErrRepoUnauthorized marks an upstream that refused our credentials.
var ErrRepoUnauthorized = errors.New("upstream repository access unauthorized")

// ProgressFunc receives periodic progress callbacks during a clone.
// fraction is in [0,1], or negative when no percentage is known.
type ProgressFunc func(fraction float64, message string)

const remoteName = "origin"

var fetchRefSpecs = []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"}

// Driver performs mirror operations on local paths.
type Driver struct{}

// NewDriver returns a Driver.
func NewDriver() *Driver { return &Driver{} }

// Clone creates a mirror checkout of url at dest. A positive depth produces
// a shallow clone. Cancellation through ctx aborts the transfer and removes
// the partial destination.
func (d *Driver) Clone(ctx context.Context, url, dest string, depth int, progress ProgressFunc) error {
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return fmt.Errorf("destination %s is not empty", dest)
	}

	opts := &git.CloneOptions{
		URL:        url,
		RemoteName: remoteName,
		Depth:      depth,
		Tags:       git.AllTags,
	}
	if progress != nil {
		opts.Progress = newProgressWriter(progress)
	}

	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		os.RemoveAll(dest)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classify(url, err)
	}
	return nil
}

// FetchHasUpdates fetches the default remote and reports whether
// fast-forwarding the local HEAD would advance it.
func (d *Driver) FetchHasUpdates(ctx context.Context, mirrorPath string) (bool, error) {
	repo, err := git.PlainOpen(mirrorPath)
	if err != nil {
		return false, fmt.Errorf("opening mirror %s: %w", mirrorPath, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   fetchRefSpecs,
		Tags:       git.AllTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, classify(mirrorPath, err)
	}

	local, remote, err := headPair(repo)
	if err != nil {
		return false, err
	}
	return local != remote, nil
}

// PullFastForward fetches and fast-forwards the checkout. It returns true
// iff any ref advanced. A history that cannot be fast-forwarded is an
// error; the mirror is left untouched.
func (d *Driver) PullFastForward(ctx context.Context, mirrorPath string) (bool, error) {
	repo, err := git.PlainOpen(mirrorPath)
	if err != nil {
		return false, fmt.Errorf("opening mirror %s: %w", mirrorPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: remoteName})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return false, fmt.Errorf("mirror %s has diverged from upstream: %w", mirrorPath, err)
	default:
		return false, classify(mirrorPath, err)
	}
}

// headPair resolves the local HEAD hash and its remote-tracking
// counterpart.
func headPair(repo *git.Repository) (local, remote plumbing.Hash, err error) {
	head, err := repo.Head()
	if err != nil {
		return local, remote, fmt.Errorf("resolving HEAD: %w", err)
	}
	local = head.Hash()

	branch := head.Name().Short()
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		// No tracking ref for the current branch; nothing to compare.
		return local, local, nil
	}
	return local, remoteRef.Hash(), nil
}

// classify translates go-git transport errors into the driver's failure
// taxonomy.
func classify(subject string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %s", ErrRepoNotFound, subject)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %s", ErrRepoUnauthorized, subject)
	default:
		return fmt.Errorf("git operation on %s failed: %w", subject, err)
	}
}
