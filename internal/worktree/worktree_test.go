package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestEnsureWorktreeExistsCreatesAndIsIdempotent(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureWorktreeExists(ctx, repo, "feat/x", wt, false); err != nil {
		t.Fatalf("EnsureWorktreeExists: %v", err)
	}
	if _, err := os.Stat(wt); err != nil {
		t.Fatalf("worktree directory missing: %v", err)
	}
	if got := gitRun(t, wt, "rev-parse", "--abbrev-ref", "HEAD"); got != "feat/x" {
		t.Errorf("worktree branch = %q, want feat/x", got)
	}

	// Second call with an aligned worktree is a no-op.
	if err := m.EnsureWorktreeExists(ctx, repo, "feat/x", wt, false); err != nil {
		t.Fatalf("idempotent EnsureWorktreeExists: %v", err)
	}
}

func TestEnsureWorktreeExistsSwitchesBranch(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureWorktreeExists(ctx, repo, "feat/x", wt, false); err != nil {
		t.Fatalf("EnsureWorktreeExists: %v", err)
	}
	if err := m.EnsureWorktreeExists(ctx, repo, "feat/y", wt, false); err != nil {
		t.Fatalf("switch to feat/y: %v", err)
	}
	if got := gitRun(t, wt, "rev-parse", "--abbrev-ref", "HEAD"); got != "feat/y" {
		t.Errorf("worktree branch = %q, want feat/y", got)
	}
}

func TestEnsureWorktreeExistsRefusesDirtySwitchWithoutForce(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureWorktreeExists(ctx, repo, "feat/x", wt, false); err != nil {
		t.Fatalf("EnsureWorktreeExists: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt, "README.md"), []byte("dirty\n"), 0o644); err != nil {
		t.Fatalf("dirty worktree: %v", err)
	}

	err := m.EnsureWorktreeExists(ctx, repo, "feat/y", wt, false)
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}

	if err := m.EnsureWorktreeExists(ctx, repo, "feat/y", wt, true); err != nil {
		t.Fatalf("forced switch: %v", err)
	}
	if got := gitRun(t, wt, "rev-parse", "--abbrev-ref", "HEAD"); got != "feat/y" {
		t.Errorf("worktree branch = %q, want feat/y", got)
	}
}

func TestCleanupWorktreesRemovesDirectory(t *testing.T) {
	repo := initTestRepo(t)
	m := NewManager()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "wt")

	if err := m.EnsureWorktreeExists(ctx, repo, "feat/x", wt, false); err != nil {
		t.Fatalf("EnsureWorktreeExists: %v", err)
	}

	m.CleanupWorktrees([]CleanupTarget{{AttemptID: uuid.New(), WorktreePath: wt, RepoPath: repo}})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(wt); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("worktree directory still present after cleanup")
}
