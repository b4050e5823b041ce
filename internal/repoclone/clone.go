// Package repoclone handles automatic cloning and fetching of the one
// repository the engine operates on, ahead of worktree.Manager taking over
// per-branch checkouts inside it.
package repoclone

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
	"github.com/ridgeline-labs/controlplane/internal/worktree"
)

// Config holds configuration for the repository cloner.
type Config struct {
	// BasePath is the base directory for cloned repos.
	// Supports ~ expansion for home directory.
	// Default: ~/.controlplane/repos
	BasePath string `mapstructure:"basePath"`
}

// Cloner handles git clone and fetch operations. Locking uses the same
// ref-counted RepoLocks type as worktree.Manager rather than a separately
// written set of per-path mutexes, but Cloner holds its own instance, so the
// two never share a lock; they key it with paths from different stages of the
// repo's lifecycle (Cloner before Manager exists, Manager for everything after).
type Cloner struct {
	config    Config
	protocol  string
	logger    *logger.Logger
	repoLocks *worktree.RepoLocks
}

// NewCloner creates a new Cloner with the given config and git protocol.
func NewCloner(cfg Config, protocol string, log *logger.Logger) *Cloner {
	if cfg.BasePath == "" {
		cfg.BasePath = "~/.controlplane/repos"
	}
	return &Cloner{config: cfg, protocol: protocol, logger: log, repoLocks: worktree.NewRepoLocks()}
}

// RepoPath returns the full local path for a repository, delegating to
// worktree.RepoPath so both packages resolve the same base-path config the
// same way.
func (c *Cloner) RepoPath(owner, name string) (string, error) {
	return worktree.RepoPath(c.config.BasePath, owner, name)
}

// EnsureCloned clones the repository if it doesn't exist locally, or fetches if it does.
// The cloneURL is the full git URL (HTTPS or SSH) to clone from.
// Returns the local filesystem path to the repository.
// Concurrent calls for the same repository are serialised to prevent double-clone races.
func (c *Cloner) EnsureCloned(ctx context.Context, cloneURL, owner, name string) (string, error) {
	targetPath, err := c.RepoPath(owner, name)
	if err != nil {
		return "", err
	}

	unlock := c.repoLocks.Lock(targetPath)
	defer unlock()

	gitDir := filepath.Join(targetPath, ".git")
	if info, statErr := os.Stat(gitDir); statErr == nil && info.IsDir() {
		c.fetch(ctx, targetPath)
		return targetPath, nil
	}

	return targetPath, c.clone(ctx, cloneURL, targetPath)
}

func (c *Cloner) fetch(ctx context.Context, repoPath string) {
	c.logger.Debug("repository already cloned, fetching", zap.String("path", repoPath))
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "fetch", "--all", "--prune")
	if out, err := cmd.CombinedOutput(); err != nil {
		c.logger.Warn("git fetch failed (non-fatal)",
			zap.String("path", repoPath),
			zap.String("output", string(out)),
			zap.Error(err))
	}
}

func (c *Cloner) clone(ctx context.Context, cloneURL, targetPath string) error {
	parentDir := filepath.Dir(targetPath)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	c.logger.Info("cloning repository",
		zap.String("url", cloneURL),
		zap.String("target", targetPath))

	cmd := exec.CommandContext(ctx, "git", "clone", cloneURL, targetPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %s: %w", string(out), err)
	}
	return nil
}
