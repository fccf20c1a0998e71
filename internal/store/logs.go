package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// AppendLog appends one LogMsg to a process's log sequence. Append-only:
// callers never update or delete existing rows.
func (s *Store) AppendLog(ctx context.Context, processID uuid.UUID, msg domain.LogMsg) error {
	var patchJSON string
	if msg.Kind == domain.LogMsgJSONPatch {
		b, err := json.Marshal(msg.Patch)
		if err != nil {
			return fmt.Errorf("marshal log patch: %w", err)
		}
		patchJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_process_logs (process_id, kind, text, patch_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		processID.String(), string(msg.Kind), msg.Text, patchJSON, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapError(domain.KindStorage, "append log", err)
	}
	return nil
}

// GetLogs returns the entire stored transcript for a process, oldest first.
func (s *Store) GetLogs(ctx context.Context, processID uuid.UUID) ([]domain.LogMsg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, text, patch_json FROM execution_process_logs
		WHERE process_id = ? ORDER BY id ASC`, processID.String())
	if err != nil {
		return nil, domain.WrapError(domain.KindStorage, "query logs", err)
	}
	defer rows.Close()

	var out []domain.LogMsg
	for rows.Next() {
		var kind, text, patchJSON string
		if err := rows.Scan(&kind, &text, &patchJSON); err != nil {
			return nil, domain.WrapError(domain.KindStorage, "scan log", err)
		}
		msg := domain.LogMsg{Kind: domain.LogMsgKind(kind), Text: text}
		if msg.Kind == domain.LogMsgJSONPatch && patchJSON != "" {
			if err := json.Unmarshal([]byte(patchJSON), &msg.Patch); err != nil {
				return nil, fmt.Errorf("unmarshal log patch: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
