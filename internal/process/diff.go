package process

import (
	"context"
	"os/exec"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// DiffEvent is one file's worth of structured diff, streamed to the caller.
type DiffEvent struct {
	Path     string
	OldPath  string
	Added    int
	Deleted  int
	Hunks    int
	Unified  string // the file's raw unified diff text
}

// GetDiff streams the attempt's changes against its base branch as one
// DiffEvent per touched file. The channel is closed when the diff is
// exhausted or ctx is cancelled; parse failures end the stream early with a
// logged warning rather than an error event.
func (s *Supervisor) GetDiff(ctx context.Context, attemptID uuid.UUID) (<-chan DiffEvent, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.ContainerRef == nil {
		return nil, domain.NewError(domain.KindValidation, "attempt has no worktree to diff")
	}
	worktreePath := *attempt.ContainerRef

	cmd := exec.CommandContext(ctx, "git", "diff", attempt.BaseBranch)
	cmd.Dir = worktreePath
	raw, err := cmd.Output()
	if err != nil {
		return nil, domain.WrapError(domain.KindExternalService, "git diff", err)
	}

	log := logging.Scoped(logging.ContextWithScope(ctx, logging.Scope{AttemptID: attemptID}), s.log)
	out := make(chan DiffEvent)
	go func() {
		defer close(out)
		if len(raw) == 0 {
			return
		}
		files, err := godiff.ParseMultiFileDiff(raw)
		if err != nil {
			log.Warn("diff parse failed", "error", err)
			return
		}
		for _, f := range files {
			ev := DiffEvent{
				Path:    strings.TrimPrefix(f.NewName, "b/"),
				OldPath: strings.TrimPrefix(f.OrigName, "a/"),
				Hunks:   len(f.Hunks),
			}
			for _, h := range f.Hunks {
				added, deleted := countHunkLines(h.Body)
				ev.Added += added
				ev.Deleted += deleted
			}
			if b, err := godiff.PrintFileDiff(f); err == nil {
				ev.Unified = string(b)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func countHunkLines(body []byte) (added, deleted int) {
	for _, line := range strings.Split(string(body), "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return added, deleted
}
