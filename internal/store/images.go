package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// AssociateTaskImage records that an image at path belongs to taskID.
func (s *Store) AssociateTaskImage(ctx context.Context, img *domain.TaskImage) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	img.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_images (id, task_id, path, created_at) VALUES (?, ?, ?, ?)`,
		img.ID.String(), img.TaskID.String(), img.Path, img.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "insert task image", err)
	}
	return nil
}

// ListTaskImages returns the images associated with imageIDs that belong to
// taskID, in no particular order.
func (s *Store) ListTaskImages(ctx context.Context, taskID uuid.UUID, imageIDs []uuid.UUID) ([]*domain.TaskImage, error) {
	if len(imageIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []any{taskID.String()}
	for i, id := range imageIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id.String())
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, task_id, path, created_at FROM task_images
		WHERE task_id = ? AND id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "list task images", err)
	}
	defer rows.Close()

	var out []*domain.TaskImage
	for rows.Next() {
		var img domain.TaskImage
		var id, tid, createdAt string
		if err := rows.Scan(&id, &tid, &img.Path, &createdAt); err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan task image", err)
		}
		img.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse image id: %w", err)
		}
		img.TaskID, err = uuid.Parse(tid)
		if err != nil {
			return nil, fmt.Errorf("parse image task id: %w", err)
		}
		img.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &img)
	}
	return out, rows.Err()
}
