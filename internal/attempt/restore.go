package attempt

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// RestoreRequest truncates an attempt's process history at a chosen process
// and optionally resets the worktree to that process's after-head commit.
type RestoreRequest struct {
	AttemptID       uuid.UUID
	ProcessID       uuid.UUID
	ForceWhenDirty  bool
	PerformGitReset bool
}

// RestoreResult reports what the restore observed and did.
type RestoreResult struct {
	HadLaterProcesses bool
	GitResetNeeded    bool
	GitResetApplied   bool
	TargetAfterOID    *string
}

// Restore marks every process later than the target as dropped -- the only
// unconditional mutation -- then, when the target's after-head commit is
// known, compares it against the worktree and applies a hard reset when
// requested. Callers must stop the attempt first; a process spawned after
// the drop boundary is not dropped.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: req.AttemptID, ProcessID: req.ProcessID})
	attempt, err := s.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		return nil, err
	}
	proc, err := s.store.GetProcess(ctx, req.ProcessID)
	if err != nil {
		return nil, err
	}
	if proc.AttemptID != attempt.ID {
		return nil, domain.NewError(domain.KindValidation, "process belongs to a different attempt")
	}

	later, err := s.store.CountLaterThan(ctx, attempt.ID, proc.ID)
	if err != nil {
		return nil, err
	}
	result := &RestoreResult{HadLaterProcesses: later > 0}
	if later > 0 {
		if _, err := s.store.DropLaterThan(ctx, attempt.ID, proc); err != nil {
			return nil, err
		}
	}

	if proc.AfterHeadCommit == nil {
		return result, nil
	}
	target := *proc.AfterHeadCommit
	result.TargetAfterOID = &target

	worktreePath, err := s.sup.EnsureContainerExists(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}

	head, err := s.git.GetHeadInfo(worktreePath)
	if err != nil {
		return nil, err
	}
	clean, err := s.sup.IsContainerClean(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	isDirty := !clean

	// Computed even when no reset will be applied; the caller sees what a
	// reset would have done.
	result.GitResetNeeded = head.OID != target || isDirty

	if req.PerformGitReset && result.GitResetNeeded && (!isDirty || req.ForceWhenDirty) {
		if err := s.git.ResetWorktreeToCommit(ctx, worktreePath, target, req.ForceWhenDirty); err != nil {
			logging.Scoped(ctx, s.log).Warn("restore reset failed", slog.String("target", target), slog.Any("error", err))
		} else {
			result.GitResetApplied = true
		}
	}

	s.publishAttemptChanged(ctx, attempt.ID)
	return result, nil
}
