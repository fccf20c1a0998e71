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

// CreateProject inserts p, assigning an ID and timestamps if unset.
func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, git_repo_path, cleanup_script, dev_server_script, workspace_dirs, append_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.GitRepoPath, p.CleanupScript, p.DevServerScript, p.WorkspaceDirs, p.AppendPrompt,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "insert project", err)
	}
	return nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, git_repo_path, cleanup_script, dev_server_script, workspace_dirs, append_prompt, created_at, updated_at
		FROM projects WHERE id = ?`, id.String())
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.KindNotFound, "project not found")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query project", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var p domain.Project
	var id string
	var createdAt, updatedAt string
	if err := row.Scan(&id, &p.Name, &p.GitRepoPath, &p.CleanupScript, &p.DevServerScript, &p.WorkspaceDirs, &p.AppendPrompt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse project id: %w", err)
	}
	p.ID = uid
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, git_repo_path, cleanup_script, dev_server_script, workspace_dirs, append_prompt, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list projects", err)
	}
	defer rows.Close()

	var out []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan project", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
