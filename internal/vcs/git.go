// Package vcs wraps the git CLI for the operations the working-copy manager
// needs: worktree lifecycle, ref resolution, and diffing. Adapted directly
// from internal/worktree/manager.go's newNonInteractiveGitCmd/gitAddWorktree.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes git commands against a single repository checkout.
type Runner struct {
	RepoPath string
}

// NewRunner builds a Runner rooted at repoPath.
func NewRunner(repoPath string) *Runner {
	return &Runner{RepoPath: repoPath}
}

func (r *Runner) cmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.RepoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := r.cmd(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// WorktreeList runs "git worktree list --porcelain" and returns raw output.
func (r *Runner) WorktreeList(ctx context.Context) (string, error) {
	return r.run(ctx, "worktree", "list", "--porcelain")
}

// AddWorktreeNewBranch runs "git worktree add -b <branch> <path> <ref>",
// creating path on a fresh branch forked from ref.
func (r *Runner) AddWorktreeNewBranch(ctx context.Context, branch, path, ref string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", branch, path, ref)
	return err
}

// AddWorktreeExistingBranch runs "git worktree add <path> <branch>", attaching
// path to a branch that already exists.
func (r *Runner) AddWorktreeExistingBranch(ctx context.Context, path, branch string) error {
	_, err := r.run(ctx, "worktree", "add", path, branch)
	return err
}

// RemoveWorktree runs "git worktree remove <path> --force".
func (r *Runner) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.run(ctx, "worktree", "remove", path, "--force")
	return err
}

// Prune runs "git worktree prune".
func (r *Runner) Prune(ctx context.Context) error {
	_, err := r.run(ctx, "worktree", "prune")
	return err
}

// BranchExists reports whether refs/heads/<branch> resolves.
func (r *Runner) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Toplevel runs "git rev-parse --show-toplevel" and returns the trimmed path.
func (r *Runner) Toplevel(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FetchBranch runs "git fetch origin <branch>".
func (r *Runner) FetchBranch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "fetch", "origin", branch)
	return err
}

// Diff runs "git diff <base>..<head> -- <path>" and returns the raw diff text.
func (r *Runner) Diff(ctx context.Context, base, head, path string) (string, error) {
	args := []string{"diff", base + ".." + head}
	if path != "" {
		args = append(args, "--", path)
	}
	return r.run(ctx, args...)
}
