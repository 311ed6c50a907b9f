package archiver

import (
	"context"

	"github.com/Technical-1/Git-Archiver/internal/forge"
	"github.com/Technical-1/Git-Archiver/internal/gitmirror"
)

// GitDriver mirrors remote repositories onto local disk.
type GitDriver interface {
	// Clone creates a mirror checkout at dest. depth > 0 means shallow.
	// Cancellation aborts the transfer and cleans the partial destination.
	Clone(ctx context.Context, url, dest string, depth int, progress gitmirror.ProgressFunc) error
	// FetchHasUpdates fetches the default remote and reports whether
	// fast-forwarding would advance the checkout.
	FetchHasUpdates(ctx context.Context, mirrorPath string) (bool, error)
	// PullFastForward fetches and fast-forwards; true iff a ref advanced.
	PullFastForward(ctx context.Context, mirrorPath string) (bool, error)
}

// Forge reads repository metadata from the hosting service.
type Forge interface {
	GetRepo(ctx context.Context, owner, name string) (*forge.RepoInfo, error)
	BatchGetRepos(ctx context.Context, keys []forge.RepoKey) ([]forge.RepoInfo, error)
	RateLimit(ctx context.Context) (*forge.RateLimitInfo, error)
}

// Publisher is the worker's view of the event bus.
type Publisher interface {
	Publish(event any)
}
