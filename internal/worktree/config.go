package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorktreePath returns the checkout path for branch, rooted under
// <repoPath>/.worktrees/<branch>.
func WorktreePath(repoPath, branch string) string {
	return filepath.Join(repoPath, ".worktrees", branch)
}

// BranchForIssue derives the canonical branch name for a tracked work item.
func BranchForIssue(issueNumber int) string {
	return issueBranchName(issueNumber)
}

// ExpandedBasePath returns basePath with a leading "~/" expanded to the
// current user's home directory. Used to resolve the configured base
// directory both for the shared repo clone (repoclone.Cloner) and, one day,
// for any worktree layout that wants to live outside the repo it checks out.
func ExpandedBasePath(basePath string) (string, error) {
	if !strings.HasPrefix(basePath, "~/") {
		return basePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, basePath[2:]), nil
}

// RepoPath returns the local clone path for owner/name under basePath, after
// "~" expansion. This is the path repoclone.Cloner clones into and
// Manager is rooted at.
func RepoPath(basePath, owner, name string) (string, error) {
	expanded, err := ExpandedBasePath(basePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(expanded, owner, name), nil
}
