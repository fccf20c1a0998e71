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

// CreateTask inserts t, assigning an ID, default status, and timestamps.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.TaskStatusTodo
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	var parent sql.NullString
	if t.ParentAttemptID != nil {
		parent = sql.NullString{String: t.ParentAttemptID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, parent_attempt_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.ProjectID.String(), t.Title, t.Description, string(t.Status), parent,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "insert task", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, status, parent_attempt_id, created_at, updated_at
		FROM tasks WHERE id = ?`, id.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindNotFound, "task not found")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query task", err)
	}
	return t, nil
}

// SetTaskStatus updates a task's status.
func (s *Store) SetTaskStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "update task status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewError(domain.KindNotFound, "task not found")
	}
	return nil
}

// HasChildTasks reports whether any task names attemptID as its parent
// attempt, used by Delete-Attempt's Conflict check.
func (s *Store) HasChildTasks(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE parent_attempt_id = ?`, attemptID.String()).Scan(&n)
	if err != nil {
		return false, domain.WrapError(domain.KindStorage, "count child tasks", err)
	}
	return n > 0, nil
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var id, projectID, status string
	var parent sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&id, &projectID, &t.Title, &t.Description, &status, &parent, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	pid, err := uuid.Parse(projectID)
	if err != nil {
		return nil, fmt.Errorf("parse task project id: %w", err)
	}
	t.ID, t.ProjectID, t.Status = uid, pid, domain.TaskStatus(status)
	if parent.Valid {
		pa, err := uuid.Parse(parent.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent attempt id: %w", err)
		}
		t.ParentAttemptID = &pa
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

// ListTasksByProject returns a project's tasks, most recently created first.
func (s *Store) ListTasksByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, status, parent_attempt_id, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at DESC`, projectID.String())
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list tasks", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes a task row; ON DELETE CASCADE removes its attempts,
// executions, logs, and merges.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "delete task", err)
	}
	return nil
}
