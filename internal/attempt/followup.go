package attempt

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/logging"
	"github.com/alekspetrov/kanbanforge/internal/logstore"
	"github.com/alekspetrov/kanbanforge/internal/process"
)

// contextTransferHeader opens the reconstructed transcript prepended to a
// cross-executor follow-up prompt.
const contextTransferHeader = "Context from previous agent (shortened):"

// FollowUpRequest is the input to FollowUp.
type FollowUpRequest struct {
	AttemptID            uuid.UUID
	Prompt               string
	ExecutorProfileID    *domain.ExecutorProfileID // nil preserves the initial executor
	ImageIDs             []uuid.UUID
	CodexModelOverride   string
	CodexReasoningEffort string
	ClaudeModelOverride  string
}

// FollowUp dispatches a follow-up coding-agent run: it resumes the latest
// non-dropped session where possible, transfers context across an executor
// switch, and falls back to a compact fresh-session prompt when a Codex run
// previously died on exit code 1.
func (s *Service) FollowUp(ctx context.Context, req FollowUpRequest) (*domain.ExecutionProcess, error) {
	attempt, task, project, err := s.resolve(ctx, req.AttemptID)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithScope(ctx, logging.Scope{ProjectID: project.ID, TaskID: task.ID, AttemptID: attempt.ID})

	if err := s.refuseWhileAgentRunning(ctx, attempt.ID); err != nil {
		return nil, err
	}

	worktreePath, err := s.sup.EnsureContainerExists(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.LatestNonDroppedCodingAgent(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, domain.NewError(domain.KindValidation, "attempt has no prior coding-agent run to follow up")
	}

	initialProfile, ok := latest.Action.ExecutorProfile()
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "latest process carries no executor profile")
	}
	profile := initialProfile
	if req.ExecutorProfileID != nil {
		profile = *req.ExecutorProfileID
	}

	sessionID := ""
	if latest.SessionID != nil {
		sessionID = *latest.SessionID
	}

	prompt := req.Prompt
	prompt, err = s.embedImages(ctx, task.ID, worktreePath, prompt, req.ImageIDs)
	if err != nil {
		return nil, err
	}
	if project.AppendPrompt != "" {
		prompt += "\n\n" + project.AppendPrompt
	}

	forceNewSession := false

	// Cross-executor transfer: a different executor cannot resume the old
	// session, so it gets a fresh one seeded with the rebuilt transcript.
	if profile.Executor != initialProfile.Executor {
		forceNewSession = true
		transcript, err := s.rebuildConversation(ctx, attempt.ID)
		if err != nil {
			logging.Scoped(ctx, s.log).Warn("conversation rebuild failed", slog.Any("error", err))
		} else if transcript != "" {
			prompt = contextTransferHeader + "\n\n" + transcript + "\n\n---\n\n" + prompt
		}
	}

	// Codex oversized-context fallback: triggered solely by exit code 1 of
	// the previous Codex run, with no content inspection.
	if !forceNewSession &&
		profile.Executor == process.ExecutorCodex &&
		initialProfile.Executor == process.ExecutorCodex &&
		latest.Status == domain.ProcessStatusFailed &&
		latest.ExitCode != nil && *latest.ExitCode == 1 {
		forceNewSession = true
		prompt = buildCodexFallbackPrompt(req.Prompt, task, attempt.Branch)
	}

	action := domain.NewCodingAgentFollowUpAction(domain.CodingAgentFollowUpRequest{
		Prompt:               prompt,
		SessionID:            sessionID,
		ExecutorProfileID:    profile,
		CodexModelOverride:   req.CodexModelOverride,
		CodexReasoningEffort: req.CodexReasoningEffort,
		ClaudeModelOverride:  req.ClaudeModelOverride,
		ForceNewSession:      forceNewSession,
	})
	if project.CleanupScript != "" {
		action = action.WithNext(domain.NewScriptAction(domain.ScriptRequest{
			Script:  project.CleanupScript,
			Context: domain.ScriptContextCleanup,
		}))
	}

	return s.sup.StartExecution(ctx, attempt.ID, action, domain.RunReasonCodingAgent)
}

// refuseWhileAgentRunning enforces single-writer worktrees: no follow-up
// while a CodingAgent process is still Running for the attempt.
func (s *Service) refuseWhileAgentRunning(ctx context.Context, attemptID uuid.UUID) error {
	running, err := s.store.RunningProcessesForAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	for _, p := range running {
		if p.RunReason == domain.RunReasonCodingAgent {
			return domain.NewError(domain.KindConflict, "a coding agent is already running for this attempt")
		}
	}
	return nil
}

// rebuildConversation concatenates the stored logs of the attempt's
// non-dropped coding-agent processes, in timeline order, and reduces them to
// the capped transcript.
func (s *Service) rebuildConversation(ctx context.Context, attemptID uuid.UUID) (string, error) {
	procs, err := s.store.ListProcessesByAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	var all []domain.LogMsg
	for _, p := range procs {
		if p.RunReason != domain.RunReasonCodingAgent {
			continue
		}
		logs, err := s.logs.GetTranscript(ctx, p.ID)
		if err != nil {
			return "", err
		}
		all = append(all, logs...)
	}
	return logstore.BuildConversationContext(all), nil
}

// buildCodexFallbackPrompt composes the compact fresh-session prompt used
// when a Codex session cannot be resumed: the raw user prompt, a [Task]
// block, and [Guidance] steering the agent to git instead of the dead
// conversation.
func buildCodexFallbackPrompt(rawPrompt string, task *domain.Task, branch *string) string {
	var b strings.Builder
	b.WriteString(rawPrompt)
	b.WriteString("\n\n[Task]\nTitle: ")
	b.WriteString(task.Title)
	b.WriteString("\n")
	if task.Description != "" {
		b.WriteString("Description: ")
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n[Guidance]\n")
	b.WriteString("Do not try to reload the previous conversation; it is unavailable.\n")
	b.WriteString("Use `git log --oneline -n 20`, `git status`, and `git diff` to understand the work done so far")
	if branch != nil && *branch != "" {
		b.WriteString(" on branch ")
		b.WriteString(*branch)
	}
	b.WriteString(".\n")
	return b.String()
}

// embedImages associates the given images with the task, copies their blobs
// into the worktree, and rewrites image-id tokens in the prompt to the
// canonical worktree paths.
func (s *Service) embedImages(ctx context.Context, taskID uuid.UUID, worktreePath, prompt string, imageIDs []uuid.UUID) (string, error) {
	if len(imageIDs) == 0 {
		return prompt, nil
	}
	images, err := s.store.ListTaskImages(ctx, taskID, imageIDs)
	if err != nil {
		return "", err
	}

	destDir := filepath.Join(worktreePath, ".kanbanforge", "images")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", domain.WrapError(domain.KindStorage, "create worktree images dir", err)
	}

	for _, img := range images {
		src := filepath.Join(s.imagesDir, img.Path)
		dest := filepath.Join(destDir, filepath.Base(img.Path))
		if err := copyFile(src, dest); err != nil {
			logging.Scoped(ctx, s.log).Warn("image copy failed", slog.String("image_id", img.ID.String()), slog.Any("error", err))
			continue
		}
		rel, err := filepath.Rel(worktreePath, dest)
		if err != nil {
			rel = dest
		}
		prompt = strings.ReplaceAll(prompt, img.ID.String(), rel)
	}
	return prompt, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// AssociateImages records image blobs against a task for later prompt
// embedding.
func (s *Service) AssociateImages(ctx context.Context, taskID uuid.UUID, paths []string) ([]*domain.TaskImage, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	var out []*domain.TaskImage
	for _, p := range paths {
		img := &domain.TaskImage{TaskID: taskID, Path: p}
		if err := s.store.AssociateTaskImage(ctx, img); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}
