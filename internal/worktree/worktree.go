// Package worktree maintains the 1-to-1 mapping between a task attempt and a
// git worktree checked out on a specific branch. Creation is serialized and
// retried because git's worktree plumbing has internal races on
// .git/worktrees/*/commondir when several worktrees are created concurrently.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// Manager creates, refreshes, and removes per-attempt worktrees.
type Manager struct {
	log      *slog.Logger
	createMu sync.Mutex // serializes worktree creation against git's internal races
}

// NewManager constructs a Manager.
func NewManager() *Manager {
	return &Manager{log: logging.WithComponent("worktree")}
}

// CleanupTarget names one worktree scheduled for background removal.
type CleanupTarget struct {
	AttemptID    uuid.UUID
	WorktreePath string
	RepoPath     string
}

// EnsureWorktreeExists is idempotent: if worktreePath is missing, a new
// worktree pointing at branch is created there (creating branch from repo's
// HEAD when it does not exist yet); if the directory is present and already
// on branch, nothing happens; if present but on a different branch, the
// worktree is switched to branch, refusing when uncommitted changes would be
// lost unless force is set (the restore path passes force upstream).
func (m *Manager) EnsureWorktreeExists(ctx context.Context, repo, branch, worktreePath string, force bool) error {
	if branch == "" {
		return domain.NewError(domain.KindValidation, "branch must not be empty")
	}

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		return m.create(ctx, repo, branch, worktreePath)
	} else if err != nil {
		return domain.WrapError(domain.KindStorage, fmt.Sprintf("stat worktree %s", worktreePath), err)
	}

	current, err := m.currentBranch(ctx, worktreePath)
	if err != nil {
		return err
	}
	if current == branch {
		return nil
	}

	if !force {
		dirty, err := m.isDirty(ctx, worktreePath)
		if err != nil {
			return err
		}
		if dirty {
			return domain.NewError(domain.KindConflict,
				fmt.Sprintf("worktree %s has uncommitted changes; refusing to switch from %s to %s", worktreePath, current, branch))
		}
	}

	args := []string{"checkout"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, branch)
	if out, err := m.git(ctx, worktreePath, args...); err != nil {
		return domain.WrapError(domain.KindExternalService,
			fmt.Sprintf("switch worktree %s to branch %s: %s", worktreePath, branch, strings.TrimSpace(string(out))), err)
	}
	return nil
}

// create adds a worktree for branch at worktreePath, retrying the known
// transient commondir/gitdir race up to three times. If branch does not
// exist in repo it is created at repo's current HEAD.
func (m *Manager) create(ctx context.Context, repo, branch, worktreePath string) error {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return domain.WrapError(domain.KindStorage, "create worktree parent directory", err)
	}

	args := []string{"worktree", "add", worktreePath, branch}
	if !m.branchExists(ctx, repo, branch) {
		args = []string{"worktree", "add", "-b", branch, worktreePath, "HEAD"}
	}

	var out []byte
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		out, err = m.git(ctx, repo, args...)
		if err == nil {
			return nil
		}
		s := string(out)
		if strings.Contains(s, "commondir") || strings.Contains(s, "gitdir") {
			time.Sleep(time.Duration(10*(attempt+1)) * time.Millisecond)
			continue
		}
		break
	}
	return domain.WrapError(domain.KindExternalService,
		fmt.Sprintf("create worktree at %s for branch %s: %s", worktreePath, branch, strings.TrimSpace(string(out))), err)
}

// CleanupWorktrees removes the given worktrees in the background,
// best-effort. Errors are logged and never surfaced.
func (m *Manager) CleanupWorktrees(targets []CleanupTarget) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, t := range targets {
			if out, err := m.git(ctx, t.RepoPath, "worktree", "remove", "--force", t.WorktreePath); err != nil {
				m.log.Warn("worktree removal failed",
					slog.String("attempt_id", t.AttemptID.String()),
					slog.String("path", t.WorktreePath),
					slog.String("output", strings.TrimSpace(string(out))),
					slog.Any("error", err))
				// The directory may be gone already; prune stale bookkeeping.
				_, _ = m.git(ctx, t.RepoPath, "worktree", "prune")
				continue
			}
			m.log.Info("worktree removed",
				slog.String("attempt_id", t.AttemptID.String()),
				slog.String("path", t.WorktreePath))
		}
	}()
}

func (m *Manager) branchExists(ctx context.Context, repo, branch string) bool {
	_, err := m.git(ctx, repo, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) currentBranch(ctx context.Context, worktree string) (string, error) {
	out, err := m.git(ctx, worktree, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", domain.WrapError(domain.KindExternalService,
			fmt.Sprintf("read current branch of %s: %s", worktree, strings.TrimSpace(string(out))), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) isDirty(ctx context.Context, worktree string) (bool, error) {
	out, err := m.git(ctx, worktree, "status", "--porcelain")
	if err != nil {
		return false, domain.WrapError(domain.KindExternalService,
			fmt.Sprintf("read status of %s: %s", worktree, strings.TrimSpace(string(out))), err)
	}
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		// Untracked files survive a branch switch; only tracked changes block.
		if line != "" && !strings.HasPrefix(line, "??") {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
