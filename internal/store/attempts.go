package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// CreateAttempt inserts a, assigning an ID and timestamps.
func (s *Store) CreateAttempt(ctx context.Context, a *domain.TaskAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	branch := nullableString(a.Branch)
	container := nullableString(a.ContainerRef)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (id, task_id, base_branch, branch, container_ref, executor, worktree_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.TaskID.String(), a.BaseBranch, branch, container, a.Executor, boolToInt(a.WorktreeDeleted),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "insert attempt", err)
	}
	return nil
}

// GetAttempt fetches an attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TaskAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, base_branch, branch, container_ref, executor, worktree_deleted, created_at, updated_at
		FROM task_attempts WHERE id = ?`, id.String())
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindNotFound, "attempt not found")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query attempt", err)
	}
	return a, nil
}

// LatestLiveAttemptForTask returns the most recently created attempt of
// taskID whose worktree has not been deleted and which has a live branch,
// excluding excludeID (the attempt currently being created). Used by the
// soft-lock rule. Returns nil, nil if none exists.
func (s *Store) LatestLiveAttemptForTask(ctx context.Context, taskID uuid.UUID, excludeID uuid.UUID) (*domain.TaskAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, base_branch, branch, container_ref, executor, worktree_deleted, created_at, updated_at
		FROM task_attempts
		WHERE task_id = ? AND id != ? AND worktree_deleted = 0 AND branch IS NOT NULL AND container_ref IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`, taskID.String(), excludeID.String())
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query latest live attempt", err)
	}
	return a, nil
}

// ListAttemptsByTask returns every attempt of taskID, most recent first.
func (s *Store) ListAttemptsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, base_branch, branch, container_ref, executor, worktree_deleted, created_at, updated_at
		FROM task_attempts WHERE task_id = ? ORDER BY created_at DESC`, taskID.String())
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list attempts", err)
	}
	defer rows.Close()
	var out []*domain.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan attempt", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAttemptBranch persists the branch/container_ref/base_branch triple,
// used both by initial provisioning and by soft-lock reuse.
func (s *Store) SetAttemptBranch(ctx context.Context, id uuid.UUID, branch, containerRef, baseBranch string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_attempts SET branch = ?, container_ref = ?, base_branch = ?, updated_at = ? WHERE id = ?`,
		branch, containerRef, baseBranch, time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "update attempt branch", err)
	}
	return nil
}

// SetAttemptBaseBranch persists a new base_branch without touching history.
func (s *Store) SetAttemptBaseBranch(ctx context.Context, id uuid.UUID, baseBranch string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_attempts SET base_branch = ?, updated_at = ? WHERE id = ?`,
		baseBranch, time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "update attempt base branch", err)
	}
	return nil
}

// SetAttemptWorktreeDeleted marks an attempt's worktree gone.
func (s *Store) SetAttemptWorktreeDeleted(ctx context.Context, id uuid.UUID, deleted bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_attempts SET worktree_deleted = ?, updated_at = ? WHERE id = ?`,
		boolToInt(deleted), time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "update attempt worktree_deleted", err)
	}
	return nil
}

// DeleteAttempt removes an attempt row; ON DELETE CASCADE removes its
// executions, logs, and merges.
func (s *Store) DeleteAttempt(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_attempts WHERE id = ?`, id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "delete attempt", err)
	}
	return nil
}

func scanAttempt(row rowScanner) (*domain.TaskAttempt, error) {
	var a domain.TaskAttempt
	var id, taskID string
	var branch, container sql.NullString
	var worktreeDeleted int
	var createdAt, updatedAt string
	if err := row.Scan(&id, &taskID, &a.BaseBranch, &branch, &container, &a.Executor, &worktreeDeleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse attempt id: %w", err)
	}
	tid, err := uuid.Parse(taskID)
	if err != nil {
		return nil, fmt.Errorf("parse attempt task id: %w", err)
	}
	a.ID, a.TaskID = uid, tid
	if branch.Valid {
		b := branch.String
		a.Branch = &b
	}
	if container.Valid {
		c := container.String
		a.ContainerRef = &c
	}
	a.WorktreeDeleted = worktreeDeleted != 0
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
