package worktree

import "sync"

// repoLockEntry is a ref-counted mutex: held by however many goroutines are
// currently waiting on or inside the critical section for one path, and
// evicted from its owning map once the last holder releases it.
type repoLockEntry struct {
	mu       sync.Mutex
	refCount int
}

// RepoLocks is a set of per-path mutexes, each created on first use and
// dropped once unreferenced, so concurrent git operations against different
// repository directories never block on each other while operations against
// the same directory still serialize. Shared by Manager (one path: the repo
// it's rooted at) and repoclone.Cloner (one path per cloned repository).
type RepoLocks struct {
	mu    sync.Mutex
	locks map[string]*repoLockEntry
}

// NewRepoLocks builds an empty RepoLocks.
func NewRepoLocks() *RepoLocks {
	return &RepoLocks{locks: make(map[string]*repoLockEntry)}
}

// Lock blocks until path's lock is held and returns a function that releases
// it. Safe for concurrent use across distinct paths.
func (r *RepoLocks) Lock(path string) func() {
	r.mu.Lock()
	entry, ok := r.locks[path]
	if !ok {
		entry = &repoLockEntry{}
		r.locks[path] = entry
	}
	entry.refCount++
	r.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		r.mu.Lock()
		entry.refCount--
		if entry.refCount <= 0 {
			delete(r.locks, path)
		}
		r.mu.Unlock()
	}
}
