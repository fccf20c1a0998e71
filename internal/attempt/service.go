// Package attempt is the attempt-level state machine: creating attempts
// under the soft-lock branch reuse rule, dispatching initial and follow-up
// agent runs, and orchestrating restore, merge, rebase, pull-request, and
// deletion flows over the store, worktree manager, and process supervisor.
package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/analytics"
	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/eventbus"
	"github.com/alekspetrov/kanbanforge/internal/gitops"
	"github.com/alekspetrov/kanbanforge/internal/logging"
	"github.com/alekspetrov/kanbanforge/internal/logstore"
	"github.com/alekspetrov/kanbanforge/internal/process"
	"github.com/alekspetrov/kanbanforge/internal/secrets"
	"github.com/alekspetrov/kanbanforge/internal/store"
	"github.com/alekspetrov/kanbanforge/internal/worktree"
)

// Service orchestrates attempt lifecycles.
type Service struct {
	store     *store.Store
	sup       *process.Supervisor
	git       *gitops.GitOps
	worktrees *worktree.Manager
	logs      *logstore.LogStore
	bus       *eventbus.Bus
	tracker   analytics.Tracker
	github    GitHubClient
	imagesDir string
	log       *slog.Logger
}

// Deps bundles the collaborators a Service needs. Bus, Tracker, GitHub, and
// ImagesDir are optional; a nil Tracker degrades to no-op analytics.
type Deps struct {
	Store     *store.Store
	Processes *process.Supervisor
	Git       *gitops.GitOps
	Worktrees *worktree.Manager
	Logs      *logstore.LogStore
	Bus       *eventbus.Bus
	Tracker   analytics.Tracker
	GitHub    GitHubClient
	ImagesDir string
}

// NewService wires a Service.
func NewService(d Deps) *Service {
	tracker := d.Tracker
	if tracker == nil {
		tracker = analytics.NoOp{}
	}
	return &Service{
		store:     d.Store,
		sup:       d.Processes,
		git:       d.Git,
		worktrees: d.Worktrees,
		logs:      d.Logs,
		bus:       d.Bus,
		tracker:   tracker,
		github:    d.GitHub,
		imagesDir: d.ImagesDir,
		log:       logging.WithComponent("attempt"),
	}
}

// CreateAttemptRequest is the input to CreateAttempt.
type CreateAttemptRequest struct {
	TaskID                 uuid.UUID
	BaseBranch             string
	ExecutorProfileID      domain.ExecutorProfileID
	ReuseBranchOfAttemptID *uuid.UUID
	InitialInstructions    string
	CodexModelOverride     string
	CodexReasoningEffort   string
	ClaudeModelOverride    string
}

// CreateAttempt inserts the attempt row, applies explicit reuse or the
// soft-lock rule, and dispatches the initial coding-agent run.
func (s *Service) CreateAttempt(ctx context.Context, req CreateAttemptRequest) (*domain.TaskAttempt, *domain.ExecutionProcess, error) {
	if req.BaseBranch == "" {
		return nil, nil, domain.NewError(domain.KindValidation, "base branch must not be empty")
	}
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, nil, err
	}
	ctx = logging.ContextWithScope(ctx, logging.Scope{ProjectID: task.ProjectID, TaskID: task.ID})

	attempt := &domain.TaskAttempt{
		TaskID:     task.ID,
		BaseBranch: req.BaseBranch,
		Executor:   req.ExecutorProfileID.Executor,
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, nil, err
	}
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attempt.ID})

	if req.ReuseBranchOfAttemptID != nil {
		if err := s.reuseExplicit(ctx, attempt, *req.ReuseBranchOfAttemptID); err != nil {
			return nil, nil, err
		}
	} else if err := s.applySoftLock(ctx, attempt); err != nil {
		return nil, nil, err
	}

	proc, err := s.sup.StartAttempt(ctx, attempt.ID, req.ExecutorProfileID,
		req.InitialInstructions, req.CodexModelOverride, req.CodexReasoningEffort, req.ClaudeModelOverride)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.SetTaskStatus(ctx, task.ID, domain.TaskStatusInProgress); err != nil {
		logging.Scoped(ctx, s.log).Warn("set task in_progress failed", slog.Any("error", err))
	}

	s.tracker.Track("attempt_created", map[string]any{
		"executor":    req.ExecutorProfileID.Executor,
		"base_branch": req.BaseBranch,
	})
	s.publishAttemptChanged(ctx, attempt.ID)

	fresh, err := s.store.GetAttempt(ctx, attempt.ID)
	if err != nil {
		return attempt, proc, nil
	}
	return fresh, proc, nil
}

// reuseExplicit copies branch/container_ref/base_branch from a
// caller-nominated source attempt of the same task.
func (s *Service) reuseExplicit(ctx context.Context, attempt *domain.TaskAttempt, sourceID uuid.UUID) error {
	source, err := s.store.GetAttempt(ctx, sourceID)
	if err != nil {
		return err
	}
	if source.TaskID != attempt.TaskID {
		return domain.NewError(domain.KindValidation, "source attempt belongs to a different task")
	}
	if source.Branch == nil || source.ContainerRef == nil || source.WorktreeDeleted {
		return domain.NewError(domain.KindValidation, "source attempt has no branch/worktree to reuse")
	}
	return s.store.SetAttemptBranch(ctx, attempt.ID, *source.Branch, *source.ContainerRef, source.BaseBranch)
}

// applySoftLock implements "one task, one branch": without explicit reuse,
// the most recent live attempt of the same task donates its branch,
// worktree, and base branch. A policy, not a constraint -- races at worst
// produce duplicate idempotent pointer copies.
func (s *Service) applySoftLock(ctx context.Context, attempt *domain.TaskAttempt) error {
	source, err := s.store.LatestLiveAttemptForTask(ctx, attempt.TaskID, attempt.ID)
	if err != nil {
		return err
	}
	if source == nil {
		return nil
	}
	return s.store.SetAttemptBranch(ctx, attempt.ID, *source.Branch, *source.ContainerRef, source.BaseBranch)
}

// Merge integrates the attempt's branch into its base with a merge commit,
// records a Direct merge row, and moves the task to Done. The diff is
// scanned for leaked credentials first; a detection blocks the merge.
func (s *Service) Merge(ctx context.Context, attemptID uuid.UUID) (*domain.Merge, error) {
	attempt, task, project, err := s.resolve(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	ctx = logging.ContextWithScope(ctx, logging.Scope{ProjectID: project.ID, TaskID: task.ID, AttemptID: attempt.ID})
	if attempt.Branch == nil || attempt.ContainerRef == nil {
		return nil, domain.NewError(domain.KindValidation, "attempt has no branch to merge")
	}

	if err := s.scanDiffForSecrets(ctx, attempt); err != nil {
		return nil, err
	}

	message := fmt.Sprintf("%s (vibe-kanban %s)", task.Title, firstUUIDSegment(attempt.ID))
	if task.Description != "" {
		message += "\n\n" + task.Description
	}

	oid, err := s.git.MergeChanges(ctx, project.GitRepoPath, *attempt.ContainerRef, *attempt.Branch, attempt.BaseBranch, message)
	if err != nil {
		return nil, err
	}

	merge := domain.NewDirectMerge(attempt.ID, domain.DirectMerge{CommitOID: oid, Base: attempt.BaseBranch})
	if err := s.store.CreateMerge(ctx, &merge); err != nil {
		return nil, err
	}
	if err := s.store.SetTaskStatus(ctx, task.ID, domain.TaskStatusDone); err != nil {
		logging.Scoped(ctx, s.log).Warn("set task done failed", slog.Any("error", err))
	}

	s.tracker.Track("attempt_merged", map[string]any{"kind": "direct"})
	s.publishMergeChanged(attempt, &merge)
	return &merge, nil
}

// Rebase rebases the attempt's branch onto newBaseBranch (or the recorded
// base when nil) and persists a changed base.
func (s *Service) Rebase(ctx context.Context, attemptID uuid.UUID, newBaseBranch *string) error {
	attempt, _, project, err := s.resolve(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.ContainerRef == nil {
		return domain.NewError(domain.KindValidation, "attempt has no worktree to rebase")
	}

	token := s.tokenOrNil(ctx)
	if _, err := s.git.RebaseBranch(ctx, project.GitRepoPath, *attempt.ContainerRef, newBaseBranch, attempt.BaseBranch, token); err != nil {
		return err
	}

	if newBaseBranch != nil && *newBaseBranch != "" && *newBaseBranch != attempt.BaseBranch {
		if err := s.store.SetAttemptBaseBranch(ctx, attempt.ID, *newBaseBranch); err != nil {
			return err
		}
	}
	s.publishAttemptChanged(ctx, attempt.ID)
	return nil
}

// Push pushes the attempt's branch to origin.
func (s *Service) Push(ctx context.Context, attemptID uuid.UUID) error {
	attempt, _, _, err := s.resolve(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Branch == nil || attempt.ContainerRef == nil {
		return domain.NewError(domain.KindValidation, "attempt has no branch to push")
	}
	return s.git.PushToGithub(ctx, *attempt.ContainerRef, *attempt.Branch, s.tokenOrNil(ctx))
}

// UpdateBranch repoints the attempt's worktree at an existing local branch
// and persists the change.
func (s *Service) UpdateBranch(ctx context.Context, attemptID uuid.UUID, newBranch string) error {
	if newBranch == "" {
		return domain.NewError(domain.KindValidation, "branch must not be empty")
	}
	attempt, _, project, err := s.resolve(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.ContainerRef == nil {
		return domain.NewError(domain.KindValidation, "attempt has no worktree")
	}

	kind, err := s.git.FindBranchType(project.GitRepoPath, newBranch)
	if err != nil {
		return err
	}
	if kind != gitops.BranchTypeLocal {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("branch %q is not a local branch", newBranch))
	}

	if err := s.worktrees.EnsureWorktreeExists(ctx, project.GitRepoPath, newBranch, *attempt.ContainerRef, false); err != nil {
		return err
	}
	if err := s.store.SetAttemptBranch(ctx, attempt.ID, newBranch, *attempt.ContainerRef, attempt.BaseBranch); err != nil {
		return err
	}
	s.publishAttemptChanged(ctx, attempt.ID)
	return nil
}

// DeleteFile removes a file from the attempt's worktree and commits the
// removal, returning the new commit's OID.
func (s *Service) DeleteFile(ctx context.Context, attemptID uuid.UUID, path string) (string, error) {
	attempt, _, _, err := s.resolve(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if attempt.ContainerRef == nil {
		return "", domain.NewError(domain.KindValidation, "attempt has no worktree")
	}
	return s.git.DeleteFileAndCommit(ctx, *attempt.ContainerRef, path)
}

// StartDevServer dispatches the project's dev-server script against the
// attempt's worktree.
func (s *Service) StartDevServer(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionProcess, error) {
	_, _, project, err := s.resolve(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if project.DevServerScript == "" {
		return nil, domain.NewError(domain.KindValidation, "project has no dev-server script")
	}
	action := domain.NewScriptAction(domain.ScriptRequest{Script: project.DevServerScript, Context: domain.ScriptContextDevServer})
	return s.sup.StartExecution(ctx, attemptID, action, domain.RunReasonDevServer)
}

// Stop best-effort terminates the attempt's running processes.
func (s *Service) Stop(ctx context.Context, attemptID uuid.UUID) error {
	return s.sup.TryStop(ctx, attemptID)
}

// DeleteAttempt removes an attempt and everything cascaded under it,
// refusing when child tasks reference it or merges exist.
func (s *Service) DeleteAttempt(ctx context.Context, attemptID uuid.UUID) error {
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attemptID})
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	hasChildren, err := s.store.HasChildTasks(ctx, attemptID)
	if err != nil {
		return err
	}
	if hasChildren {
		return domain.NewError(domain.KindConflict, "attempt has child tasks referencing it")
	}
	hasMerges, err := s.store.HasMerges(ctx, attemptID)
	if err != nil {
		return err
	}
	if hasMerges {
		return domain.NewError(domain.KindConflict, "attempt has merges or pull requests recorded")
	}

	if err := s.sup.TryStop(ctx, attemptID); err != nil {
		logging.Scoped(ctx, s.log).Warn("stop during attempt delete failed", slog.Any("error", err))
	}
	if err := s.store.DeleteAttempt(ctx, attemptID); err != nil {
		return err
	}

	if attempt.ContainerRef != nil {
		if task, err := s.store.GetTask(ctx, attempt.TaskID); err == nil {
			if project, err := s.store.GetProject(ctx, task.ProjectID); err == nil {
				s.worktrees.CleanupWorktrees([]worktree.CleanupTarget{{
					AttemptID:    attempt.ID,
					WorktreePath: *attempt.ContainerRef,
					RepoPath:     project.GitRepoPath,
				}})
			}
		}
	}
	return nil
}

// DeleteTask removes a task and all attempts under it, refusing while any
// process is still running. Worktree cleanup is scheduled in the
// background; callers report the deletion accepted immediately.
func (s *Service) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	running, err := s.store.HasRunningProcesses(ctx, taskID)
	if err != nil {
		return err
	}
	if running {
		return domain.NewError(domain.KindConflict, "task has running processes")
	}

	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	var targets []worktree.CleanupTarget
	attempts, err := s.attemptsWithWorktrees(ctx, taskID)
	if err == nil {
		for _, a := range attempts {
			targets = append(targets, worktree.CleanupTarget{
				AttemptID:    a.ID,
				WorktreePath: *a.ContainerRef,
				RepoPath:     project.GitRepoPath,
			})
		}
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if len(targets) > 0 {
		s.worktrees.CleanupWorktrees(targets)
	}
	return nil
}

// BranchStatus reports how far the attempt's branch diverged from its base.
func (s *Service) BranchStatus(ctx context.Context, attemptID uuid.UUID) (ahead, behind int, err error) {
	attempt, _, project, err := s.resolve(ctx, attemptID)
	if err != nil {
		return 0, 0, err
	}
	if attempt.Branch == nil {
		return 0, 0, domain.NewError(domain.KindValidation, "attempt has no branch")
	}
	return s.git.GetBranchStatus(project.GitRepoPath, *attempt.Branch, attempt.BaseBranch)
}

func (s *Service) attemptsWithWorktrees(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskAttempt, error) {
	attempts, err := s.store.ListAttemptsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []*domain.TaskAttempt
	seen := make(map[string]struct{})
	for _, a := range attempts {
		if a.ContainerRef == nil || a.WorktreeDeleted {
			continue
		}
		// Soft-lock reuse means several attempts can share one worktree.
		if _, dup := seen[*a.ContainerRef]; dup {
			continue
		}
		seen[*a.ContainerRef] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

// scanDiffForSecrets runs the gitleaks ruleset over the attempt's diff
// against its base. Scan tooling failures are swallowed; detections block.
func (s *Service) scanDiffForSecrets(ctx context.Context, attempt *domain.TaskAttempt) error {
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attempt.ID})
	events, err := s.sup.GetDiff(ctx, attempt.ID)
	if err != nil {
		logging.Scoped(ctx, s.log).Warn("secret scan skipped, diff unavailable", slog.Any("error", err))
		return nil
	}
	var unified strings.Builder
	for ev := range events {
		unified.WriteString(ev.Unified)
	}
	return secrets.CheckDiff(unified.String())
}

// tokenOrNil fetches the GitHub token, degrading to anonymous git access
// when no client is wired or the lookup fails.
func (s *Service) tokenOrNil(ctx context.Context) *string {
	if s.github == nil {
		return nil
	}
	token, err := s.github.Token(ctx)
	if err != nil || token == "" {
		return nil
	}
	return &token
}

func (s *Service) resolve(ctx context.Context, attemptID uuid.UUID) (*domain.TaskAttempt, *domain.Task, *domain.Project, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, nil, err
	}
	task, err := s.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	return attempt, task, project, nil
}

func (s *Service) publishAttemptChanged(ctx context.Context, attemptID uuid.UUID) {
	if s.bus == nil {
		return
	}
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.EventAttemptChanged, AttemptID: attemptID, Payload: *attempt})
}

func (s *Service) publishMergeChanged(attempt *domain.TaskAttempt, merge *domain.Merge) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.EventMergeChanged, AttemptID: attempt.ID, Payload: *merge})
}

func firstUUIDSegment(id uuid.UUID) string {
	return strings.SplitN(id.String(), "-", 2)[0]
}
