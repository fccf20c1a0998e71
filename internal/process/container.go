package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// worktreeRoot is where generated attempt worktrees live.
func worktreeRoot() string {
	return filepath.Join(os.TempDir(), "kanbanforge-worktrees")
}

// EnsureContainerExists re-provisions an attempt's worktree on the fly: if
// the attempt already has an aligned worktree on disk this is a cheap no-op,
// otherwise a branch and path are assigned (or the recorded ones reused) and
// the worktree is created. Returns the worktree path.
func (s *Supervisor) EnsureContainerExists(ctx context.Context, attemptID uuid.UUID) (string, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	task, err := s.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return "", err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}

	branch := ""
	if attempt.Branch != nil {
		branch = *attempt.Branch
	}
	if branch == "" {
		branch = generateBranchName(task.Title, attempt.ID)
	}

	path := ""
	if attempt.ContainerRef != nil {
		path = *attempt.ContainerRef
	}
	if path == "" {
		path = filepath.Join(worktreeRoot(), attempt.ID.String())
	}

	if err := s.worktrees.EnsureWorktreeExists(ctx, project.GitRepoPath, branch, path, false); err != nil {
		return "", err
	}

	needsUpdate := attempt.Branch == nil || attempt.ContainerRef == nil || attempt.WorktreeDeleted
	if needsUpdate {
		if err := s.store.SetAttemptBranch(ctx, attempt.ID, branch, path, attempt.BaseBranch); err != nil {
			return "", err
		}
		if attempt.WorktreeDeleted {
			if err := s.store.SetAttemptWorktreeDeleted(ctx, attempt.ID, false); err != nil {
				return "", err
			}
		}
	}
	return path, nil
}

// IsContainerClean reports whether the attempt's worktree has no uncommitted
// and no untracked changes.
func (s *Supervisor) IsContainerClean(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if attempt.ContainerRef == nil {
		return true, nil
	}
	uncommitted, untracked, err := s.git.GetWorktreeChangeCounts(ctx, *attempt.ContainerRef)
	if err != nil {
		return false, err
	}
	return uncommitted == 0 && untracked == 0, nil
}

// generateBranchName derives a branch for an attempt from its task title and
// the first segment of the attempt id, e.g. "kf/fix-login-9f3a2b1c".
func generateBranchName(title string, attemptID uuid.UUID) string {
	return fmt.Sprintf("kf/%s-%s", slug(title), firstUUIDSegment(attemptID))
}

func firstUUIDSegment(id uuid.UUID) string {
	return strings.SplitN(id.String(), "-", 2)[0]
}

// slug lowercases title and keeps only [a-z0-9-], collapsing runs of other
// characters to single dashes, capped at 40 chars.
func slug(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "task"
	}
	return out
}
