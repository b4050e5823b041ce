package worktree

import (
	"context"
	"os/exec"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-q", "-m", "initial")
	return dir
}

func TestNewManagerRejectsNonGitPath(t *testing.T) {
	if _, err := NewManager(t.TempDir(), nil); err != ErrRepoNotGit {
		t.Fatalf("NewManager() error = %v, want ErrRepoNotGit", err)
	}
}

func TestCreateOrReuseCreatesThenReuses(t *testing.T) {
	repo := initTestRepo(t)
	mgr, err := NewManager(repo, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx := context.Background()
	wt1, err := mgr.CreateOrReuse(ctx, 42)
	if err != nil {
		t.Fatalf("CreateOrReuse() error = %v", err)
	}
	if wt1.Branch != "issue-42" {
		t.Fatalf("Branch = %q, want issue-42", wt1.Branch)
	}

	wt2, err := mgr.CreateOrReuse(ctx, 42)
	if err != nil {
		t.Fatalf("second CreateOrReuse() error = %v", err)
	}
	if wt2.Path != wt1.Path {
		t.Fatalf("second call returned a different path: %q != %q", wt2.Path, wt1.Path)
	}
}

func TestCreateFreshBranchFromBase(t *testing.T) {
	repo := initTestRepo(t)
	mgr, err := NewManager(repo, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	wt, err := mgr.Create(context.Background(), CreateParams{BranchName: "feature/x", BranchBase: "HEAD"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if wt.BaseBranch != "HEAD" {
		t.Fatalf("BaseBranch = %q, want HEAD", wt.BaseBranch)
	}
}

func TestCreateExistingBranchRejectsUnknownBranch(t *testing.T) {
	repo := initTestRepo(t)
	mgr, err := NewManager(repo, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	_, err = mgr.Create(context.Background(), CreateParams{BranchName: "does-not-exist"})
	if err == nil {
		t.Fatal("expected an error for a nonexistent branch")
	}
}

func TestRemoveByPathIsNonFatalForMissingPath(t *testing.T) {
	repo := initTestRepo(t)
	mgr, err := NewManager(repo, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	mgr.RemoveByPath(context.Background(), repo+"/.worktrees/does-not-exist")
}
