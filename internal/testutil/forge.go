package testutil

import (
	"context"
	"sync"

	"github.com/Technical-1/Git-Archiver/internal/forge"
)

// FakeForge serves scripted repository metadata. Repositories absent from
// Infos are reported NotFound.
type FakeForge struct {
	mu    sync.Mutex
	Infos map[string]forge.RepoInfo // keyed by "owner/name"
	Err   error
	Limit forge.RateLimitInfo

	BatchCalls int
}

func NewFakeForge() *FakeForge {
	return &FakeForge{
		Infos: make(map[string]forge.RepoInfo),
		Limit: forge.RateLimitInfo{Limit: 5000, Remaining: 5000},
	}
}

// SetInfo scripts the metadata served for owner/name.
func (f *FakeForge) SetInfo(owner, name string, info forge.RepoInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info.Owner, info.Name = owner, name
	f.Infos[owner+"/"+name] = info
}

func (f *FakeForge) GetRepo(ctx context.Context, owner, name string) (*forge.RepoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if info, ok := f.Infos[owner+"/"+name]; ok {
		return &info, nil
	}
	return &forge.RepoInfo{Owner: owner, Name: name, NotFound: true}, nil
}

func (f *FakeForge) BatchGetRepos(ctx context.Context, keys []forge.RepoKey) ([]forge.RepoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BatchCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	infos := make([]forge.RepoInfo, len(keys))
	for i, key := range keys {
		if info, ok := f.Infos[key.Owner+"/"+key.Name]; ok {
			infos[i] = info
		} else {
			infos[i] = forge.RepoInfo{Owner: key.Owner, Name: key.Name, NotFound: true}
		}
	}
	return infos, nil
}

func (f *FakeForge) RateLimit(ctx context.Context) (*forge.RateLimitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	limit := f.Limit
	return &limit, nil
}
