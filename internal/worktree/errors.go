// Package worktree manages isolated git checkouts for agent sessions, one
// worktree per tracked branch, rooted at <repo-root>/.worktrees/<branch>.
package worktree

import "errors"

var (
	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrInvalidBaseBranch is returned when a fresh-branch create's base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrBranchNotFound is returned when an existing-branch create names a branch that isn't there.
	ErrBranchNotFound = errors.New("branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
