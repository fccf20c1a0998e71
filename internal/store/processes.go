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

// CreateProcess inserts p, assigning an ID and timestamps.
func (s *Store) CreateProcess(ctx context.Context, p *domain.ExecutionProcess) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = domain.ProcessStatusRunning
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	actionJSON, err := marshalAction(p.Action)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "marshal action", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_processes (id, attempt_id, run_reason, action_json, status, exit_code, session_id, before_head_commit, after_head_commit, dropped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AttemptID.String(), string(p.RunReason), actionJSON, string(p.Status),
		nullableInt(p.ExitCode), nullableString(p.SessionID), nullableString(p.BeforeHeadCommit), nullableString(p.AfterHeadCommit), boolToInt(p.Dropped),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "insert execution process", err)
	}
	return nil
}

// GetProcess fetches an execution process by id.
func (s *Store) GetProcess(ctx context.Context, id uuid.UUID) (*domain.ExecutionProcess, error) {
	row := s.db.QueryRowContext(ctx, processSelect+` WHERE id = ?`, id.String())
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindNotFound, "execution process not found")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query execution process", err)
	}
	return p, nil
}

// LatestNonDroppedCodingAgent returns the most recent non-dropped process
// with RunReason CodingAgent for the attempt, or nil, nil if there is none.
// This is what Follow-Up uses to discover the session to resume.
func (s *Store) LatestNonDroppedCodingAgent(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionProcess, error) {
	row := s.db.QueryRowContext(ctx, processSelect+`
		WHERE attempt_id = ? AND run_reason = ? AND dropped = 0
		ORDER BY created_at DESC, id DESC LIMIT 1`, attemptID.String(), string(domain.RunReasonCodingAgent))
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query latest coding agent process", err)
	}
	return p, nil
}

// ListProcessesByAttempt returns all non-dropped processes for an attempt,
// oldest first -- the conversational timeline.
func (s *Store) ListProcessesByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*domain.ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx, processSelect+`
		WHERE attempt_id = ? AND dropped = 0 ORDER BY created_at ASC, id ASC`, attemptID.String())
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list processes", err)
	}
	defer rows.Close()
	var out []*domain.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan process", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountLaterThan returns the number of non-dropped processes for attemptID
// created strictly after the given process's created_at.
func (s *Store) CountLaterThan(ctx context.Context, attemptID, processID uuid.UUID) (int, error) {
	target, err := s.GetProcess(ctx, processID)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM execution_processes
		WHERE attempt_id = ? AND dropped = 0 AND (created_at > ? OR (created_at = ? AND id > ?))`,
		attemptID.String(), target.CreatedAt.Format(time.RFC3339Nano), target.CreatedAt.Format(time.RFC3339Nano), target.ID.String(),
	).Scan(&n)
	if err != nil {
		return 0, domain.WrapError(domain.KindStorage, "count later processes", err)
	}
	return n, nil
}

// DropLaterThan marks every non-dropped process for attemptID created
// strictly after target as dropped, in a single statement -- the "restore
// boundary". Returns the number of rows affected.
func (s *Store) DropLaterThan(ctx context.Context, attemptID uuid.UUID, target *domain.ExecutionProcess) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_processes SET dropped = 1, updated_at = ?
		WHERE attempt_id = ? AND dropped = 0 AND (created_at > ? OR (created_at = ? AND id > ?))`,
		time.Now().UTC().Format(time.RFC3339Nano),
		attemptID.String(), target.CreatedAt.Format(time.RFC3339Nano), target.CreatedAt.Format(time.RFC3339Nano), target.ID.String(),
	)
	if err != nil {
		return 0, domain.WrapError(domain.KindStorage, "drop later processes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasRunningProcesses reports whether any process of any attempt of taskID
// is Running.
func (s *Store) HasRunningProcesses(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM execution_processes ep
		JOIN task_attempts ta ON ta.id = ep.attempt_id
		WHERE ta.task_id = ? AND ep.status = ?`, taskID.String(), string(domain.ProcessStatusRunning)).Scan(&n)
	if err != nil {
		return false, domain.WrapError(domain.KindStorage, "count running processes", err)
	}
	return n > 0, nil
}

// RunningProcessesForAttempt returns all Running processes for an attempt,
// used by try_stop.
func (s *Store) RunningProcessesForAttempt(ctx context.Context, attemptID uuid.UUID) ([]*domain.ExecutionProcess, error) {
	rows, err := s.db.QueryContext(ctx, processSelect+`
		WHERE attempt_id = ? AND status = ?`, attemptID.String(), string(domain.ProcessStatusRunning))
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list running processes", err)
	}
	defer rows.Close()
	var out []*domain.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan process", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProcessSessionID records the session id a coding agent announced for
// this process, once known.
func (s *Store) SetProcessSessionID(ctx context.Context, id uuid.UUID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE execution_processes SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "update process session id", err)
	}
	return nil
}

// FinishProcess records the terminal state of a process: status, exit code,
// and the after-head commit observed at exit.
func (s *Store) FinishProcess(ctx context.Context, id uuid.UUID, status domain.ExecutionProcessStatus, exitCode *int, afterHeadCommit *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_processes SET status = ?, exit_code = ?, after_head_commit = ?, updated_at = ? WHERE id = ?`,
		string(status), nullableInt(exitCode), nullableString(afterHeadCommit), time.Now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return domain.WrapError(domain.KindStorage, "finish execution process", err)
	}
	return nil
}

const processSelect = `
	SELECT id, attempt_id, run_reason, action_json, status, exit_code, session_id, before_head_commit, after_head_commit, dropped, created_at, updated_at
	FROM execution_processes`

func scanProcess(row rowScanner) (*domain.ExecutionProcess, error) {
	var p domain.ExecutionProcess
	var id, attemptID, runReason, status, actionJSON string
	var exitCode sql.NullInt64
	var sessionID, before, after sql.NullString
	var dropped int
	var createdAt, updatedAt string
	if err := row.Scan(&id, &attemptID, &runReason, &actionJSON, &status, &exitCode, &sessionID, &before, &after, &dropped, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse process id: %w", err)
	}
	aid, err := uuid.Parse(attemptID)
	if err != nil {
		return nil, fmt.Errorf("parse process attempt id: %w", err)
	}
	action, err := unmarshalAction(actionJSON)
	if err != nil {
		return nil, err
	}
	p.ID, p.AttemptID = uid, aid
	p.RunReason = domain.RunReason(runReason)
	p.Action = action
	p.Status = domain.ExecutionProcessStatus(status)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		p.ExitCode = &v
	}
	if sessionID.Valid {
		v := sessionID.String
		p.SessionID = &v
	}
	if before.Valid {
		v := before.String
		p.BeforeHeadCommit = &v
	}
	if after.Valid {
		v := after.String
		p.AfterHeadCommit = &v
	}
	p.Dropped = dropped != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
