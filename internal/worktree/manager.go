package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/vcs"
)

// Worktree describes one checked-out branch.
type Worktree struct {
	Path       string
	Branch     string
	BaseBranch string
}

// CreateParams selects one of three creation strategies:
//
//   - BranchBase set: fresh-branch — create BranchName from BranchBase.
//   - FetchRemote set (BranchBase empty): fetch-then-attach — fetch
//     origin/<BranchName> first, then attach to the tracking ref.
//   - neither set: existing-branch — attach to a branch that already exists.
type CreateParams struct {
	BranchName  string
	BranchBase  string
	FetchRemote bool
}

// Manager creates, reuses, and removes isolated git checkouts, one per
// tracked branch. Persistence is an in-memory registry keyed by branch name —
// unlike the teacher's SQL-backed Store, nothing here survives a restart; after
// one, CreateOrReuse re-attaches an issue branch it finds in the repository.
//
// Grounded end to end on internal/worktree/manager.go: ref-counted repo
// locking (getRepoLock/releaseRepoLock, now RepoLocks in repolock.go),
// .git validation, the fetch-then-attach fallback chain, and the
// non-interactive git environment now in internal/vcs/git.go.
type Manager struct {
	repoPath string
	log      *logger.Logger

	mu        sync.RWMutex
	worktrees map[string]*Worktree // branch -> worktree

	repoLocks *RepoLocks
}

// NewManager builds a Manager rooted at repoPath, which must be a git repository.
func NewManager(repoPath string, log *logger.Logger) (*Manager, error) {
	if !isGitRepo(repoPath) {
		return nil, ErrRepoNotGit
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		repoPath:  repoPath,
		log:       log.With(zap.String("component", "worktree-manager")),
		worktrees: make(map[string]*Worktree),
		repoLocks: NewRepoLocks(),
	}, nil
}

func (m *Manager) lockRepo() func() {
	return m.repoLocks.Lock(m.repoPath)
}

// Create performs one of the three checkout strategies described by params
// and registers the result. Calling Create again for a branch that is already
// registered and valid on disk returns the existing Worktree unchanged.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Worktree, error) {
	m.mu.RLock()
	existing, ok := m.worktrees[params.BranchName]
	m.mu.RUnlock()
	if ok && isValidWorktreeDir(existing.Path) {
		return existing, nil
	}

	unlock := m.lockRepo()
	defer unlock()

	runner := vcs.NewRunner(m.repoPath)
	path := WorktreePath(m.repoPath, params.BranchName)

	switch {
	case params.BranchBase != "":
		if params.BranchBase != "HEAD" && !runner.BranchExists(ctx, params.BranchBase) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, params.BranchBase)
		}
		if err := runner.AddWorktreeNewBranch(ctx, params.BranchName, path, params.BranchBase); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGitCommandFailed, err)
		}
	case params.FetchRemote:
		if err := runner.FetchBranch(ctx, params.BranchName); err != nil {
			m.log.Warn("fetch before attach failed, attaching to local branch instead",
				zap.String("branch", params.BranchName), zap.Error(err))
			if err := m.attachExisting(ctx, runner, params.BranchName, path); err != nil {
				return nil, err
			}
			break
		}
		if err := runner.AddWorktreeExistingBranch(ctx, path, "origin/"+params.BranchName); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGitCommandFailed, err)
		}
	default:
		if err := m.attachExisting(ctx, runner, params.BranchName, path); err != nil {
			return nil, err
		}
	}

	wt := &Worktree{Path: path, Branch: params.BranchName, BaseBranch: params.BranchBase}
	m.mu.Lock()
	m.worktrees[params.BranchName] = wt
	m.mu.Unlock()

	m.log.Info("created worktree", zap.String("branch", params.BranchName), zap.String("path", path))
	return wt, nil
}

func (m *Manager) attachExisting(ctx context.Context, runner *vcs.Runner, branch, path string) error {
	if !runner.BranchExists(ctx, branch) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if err := runner.AddWorktreeExistingBranch(ctx, path, branch); err != nil {
		return fmt.Errorf("%w: %w", ErrGitCommandFailed, err)
	}
	return nil
}

// CreateOrReuse derives the branch/path for a tracked work item (issue-<N>)
// and creates or reuses its worktree. If the branch exists but the registered
// worktree directory was deleted out from under it, the worktree is pruned
// and re-added on the existing branch.
func (m *Manager) CreateOrReuse(ctx context.Context, issueNumber int) (*Worktree, error) {
	branch := issueBranchName(issueNumber)

	m.mu.RLock()
	existing, ok := m.worktrees[branch]
	m.mu.RUnlock()

	if ok {
		if isValidWorktreeDir(existing.Path) {
			return existing, nil
		}
		return m.reattach(ctx, branch)
	}

	runner := vcs.NewRunner(m.repoPath)
	if runner.BranchExists(ctx, branch) {
		return m.reattach(ctx, branch)
	}
	return m.Create(ctx, CreateParams{BranchName: branch, BranchBase: "HEAD"})
}

func (m *Manager) reattach(ctx context.Context, branch string) (*Worktree, error) {
	unlock := m.lockRepo()
	defer unlock()

	runner := vcs.NewRunner(m.repoPath)
	if err := runner.Prune(ctx); err != nil {
		m.log.Debug("worktree prune failed before reattach", zap.Error(err))
	}

	path := WorktreePath(m.repoPath, branch)
	if err := m.attachExisting(ctx, runner, branch, path); err != nil {
		return nil, err
	}

	wt := &Worktree{Path: path, Branch: branch}
	m.mu.Lock()
	m.worktrees[branch] = wt
	m.mu.Unlock()
	return wt, nil
}

// Remove removes the worktree for a tracked work item's branch, if any.
// Errors from the underlying git command are non-fatal to the caller: they
// are logged and the registry entry is dropped regardless.
func (m *Manager) Remove(ctx context.Context, issueNumber int) {
	m.RemoveByPath(ctx, WorktreePath(m.repoPath, issueBranchName(issueNumber)))
}

// RemoveByPath force-removes the worktree at path, swallowing failures.
func (m *Manager) RemoveByPath(ctx context.Context, path string) {
	unlock := m.lockRepo()
	defer unlock()

	runner := vcs.NewRunner(m.repoPath)
	if err := runner.RemoveWorktree(ctx, path); err != nil {
		m.log.Warn("worktree remove failed, ignoring", zap.String("path", path), zap.Error(err))
	}

	m.mu.Lock()
	for branch, wt := range m.worktrees {
		if wt.Path == path {
			delete(m.worktrees, branch)
			break
		}
	}
	m.mu.Unlock()
}

func issueBranchName(issueNumber int) string {
	return fmt.Sprintf("issue-%d", issueNumber)
}

func isGitRepo(path string) bool {
	info, err := os.Stat(path + "/.git")
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func isValidWorktreeDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return false
	}
	gitInfo, err := os.Stat(path + "/.git")
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	return err == nil && (gitInfo.IsDir() || gitInfo.Mode().IsRegular())
}
