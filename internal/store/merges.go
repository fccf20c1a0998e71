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

// CreateMerge inserts m. A UNIQUE index on (attempt_id, pr_number) enforces
// invariant 6: a Merge::Pr row exists at most once per (attempt, PR-number).
func (s *Store) CreateMerge(ctx context.Context, m *domain.Merge) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()

	var commitOID, base sql.NullString
	var prNumber sql.NullInt64
	var prURL, prStatus sql.NullString
	switch m.Kind {
	case domain.MergeKindDirect:
		commitOID = sql.NullString{String: m.Direct.CommitOID, Valid: true}
		base = sql.NullString{String: m.Direct.Base, Valid: true}
	case domain.MergeKindPR:
		base = sql.NullString{String: m.PR.Base, Valid: true}
		prNumber = sql.NullInt64{Int64: int64(m.PR.Number), Valid: true}
		prURL = sql.NullString{String: m.PR.URL, Valid: true}
		prStatus = sql.NullString{String: string(m.PR.Status), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merges (id, attempt_id, kind, commit_oid, base, pr_number, pr_url, pr_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.AttemptID.String(), string(m.Kind), commitOID, base, prNumber, prURL, prStatus,
		m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "insert merge", err)
	}
	return nil
}

// ListMergesByAttempt returns all merge rows for an attempt.
func (s *Store) ListMergesByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*domain.Merge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, kind, commit_oid, base, pr_number, pr_url, pr_status, created_at
		FROM merges WHERE attempt_id = ? ORDER BY created_at ASC`, attemptID.String())
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list merges", err)
	}
	defer rows.Close()

	var out []*domain.Merge
	for rows.Next() {
		m, err := scanMerge(rows)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan merge", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// OpenPRForAttempt returns the attempt's open PR merge, if any.
func (s *Store) OpenPRForAttempt(ctx context.Context, attemptID uuid.UUID) (*domain.Merge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, kind, commit_oid, base, pr_number, pr_url, pr_status, created_at
		FROM merges WHERE attempt_id = ? AND kind = ? AND pr_status = ? ORDER BY created_at DESC LIMIT 1`,
		attemptID.String(), string(domain.MergeKindPR), string(domain.PRStatusOpen))
	m, err := scanMerge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query open pr", err)
	}
	return m, nil
}

// HasMerges reports whether any merge row exists for attemptID, used by
// Delete-Attempt's Conflict check.
func (s *Store) HasMerges(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM merges WHERE attempt_id = ?`, attemptID.String()).Scan(&n)
	if err != nil {
		return false, domain.WrapError(domain.KindStorage, "count merges", err)
	}
	return n > 0, nil
}

func scanMerge(row rowScanner) (*domain.Merge, error) {
	var m domain.Merge
	var id, attemptID, kind string
	var commitOID, base, prURL, prStatus sql.NullString
	var prNumber sql.NullInt64
	var createdAt string
	if err := row.Scan(&id, &attemptID, &kind, &commitOID, &base, &prNumber, &prURL, &prStatus, &createdAt); err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse merge id: %w", err)
	}
	aid, err := uuid.Parse(attemptID)
	if err != nil {
		return nil, fmt.Errorf("parse merge attempt id: %w", err)
	}
	m.ID, m.AttemptID, m.Kind = uid, aid, domain.MergeKind(kind)
	switch m.Kind {
	case domain.MergeKindDirect:
		m.Direct = &domain.DirectMerge{CommitOID: commitOID.String, Base: base.String}
	case domain.MergeKindPR:
		m.PR = &domain.PRMerge{Number: int(prNumber.Int64), URL: prURL.String, Base: base.String, Status: domain.PRStatus(prStatus.String)}
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}
