// Package process is the ProcessSupervisor: it spawns agent and script
// processes in their own OS process groups, captures their output into the
// log store, records head-commit deltas around each run, and chains cleanup
// actions declared on the dispatched ExecutorAction.
package process

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/eventbus"
	"github.com/alekspetrov/kanbanforge/internal/gitops"
	"github.com/alekspetrov/kanbanforge/internal/logging"
	"github.com/alekspetrov/kanbanforge/internal/logstore"
	"github.com/alekspetrov/kanbanforge/internal/store"
	"github.com/alekspetrov/kanbanforge/internal/worktree"
)

// GracePeriod is how long try_stop waits after SIGTERM before SIGKILL.
const GracePeriod = 5 * time.Second

// CommandBuilder translates an ExecutorAction into the child command to
// spawn in dir. The default knows the embedded agent CLIs and the shell;
// tests and alternative executor registries may substitute their own.
type CommandBuilder func(action domain.ExecutorAction, dir string) (*exec.Cmd, error)

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithCommandBuilder overrides how actions become child commands.
func WithCommandBuilder(b CommandBuilder) Option {
	return func(s *Supervisor) { s.buildCmd = b }
}

// Supervisor spawns and tracks execution processes.
type Supervisor struct {
	store     *store.Store
	logs      *logstore.LogStore
	git       *gitops.GitOps
	worktrees *worktree.Manager
	bus       *eventbus.Bus
	buildCmd  CommandBuilder
	log       *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*runningProcess
	stopped map[uuid.UUID]bool
}

type runningProcess struct {
	pid  int
	done chan struct{}
}

// NewSupervisor wires a Supervisor. bus may be nil in tests.
func NewSupervisor(st *store.Store, logs *logstore.LogStore, git *gitops.GitOps, wt *worktree.Manager, bus *eventbus.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:     st,
		logs:      logs,
		git:       git,
		worktrees: wt,
		bus:       bus,
		buildCmd:  buildCommand,
		log:       logging.WithComponent("process"),
		running:   make(map[uuid.UUID]*runningProcess),
		stopped:   make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAttempt provisions the attempt's worktree if needed, composes the
// effective initial prompt, and spawns the coding agent. The project's
// cleanup script, if any, is chained as the action's next step.
func (s *Supervisor) StartAttempt(ctx context.Context, attemptID uuid.UUID, profile domain.ExecutorProfileID,
	initialInstructions, codexModel, codexEffort, claudeModel string) (*domain.ExecutionProcess, error) {

	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	prompt := initialInstructions
	if prompt == "" {
		prompt = task.Title
		if task.Description != "" {
			prompt += "\n\n" + task.Description
		}
	}
	if project.AppendPrompt != "" {
		prompt += "\n\n" + project.AppendPrompt
	}

	action := domain.NewCodingAgentInitialAction(domain.CodingAgentInitialRequest{
		Prompt:               prompt,
		ExecutorProfileID:    profile,
		CodexModelOverride:   codexModel,
		CodexReasoningEffort: codexEffort,
		ClaudeModelOverride:  claudeModel,
	})
	if project.CleanupScript != "" {
		action = action.WithNext(domain.NewScriptAction(domain.ScriptRequest{
			Script:  project.CleanupScript,
			Context: domain.ScriptContextCleanup,
		}))
	}
	return s.StartExecution(ctx, attemptID, action, domain.RunReasonCodingAgent)
}

// StartExecution dispatches an arbitrary action against the attempt's
// worktree: (i) record before_head_commit, (ii) spawn in its own process
// group, (iii) stream output into the log store, (iv) on exit record
// after_head_commit, exit code, and terminal status, then chain the next
// action if the step did not fail fatally.
func (s *Supervisor) StartExecution(ctx context.Context, attemptID uuid.UUID, action domain.ExecutorAction, reason domain.RunReason) (*domain.ExecutionProcess, error) {
	dir, err := s.EnsureContainerExists(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	proc := &domain.ExecutionProcess{
		AttemptID: attemptID,
		RunReason: reason,
		Action:    action,
		Status:    domain.ProcessStatusRunning,
	}
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attemptID})
	if head, err := s.git.GetHeadInfo(dir); err == nil {
		oid := head.OID
		proc.BeforeHeadCommit = &oid
	} else {
		logging.Scoped(ctx, s.log).Warn("before-head lookup failed", slog.String("worktree", dir), slog.Any("error", err))
	}

	cmd, err := s.buildCmd(action, dir)
	if err != nil {
		return nil, err
	}

	output, err := s.startInProcessGroup(cmd, reason)
	if err != nil {
		return nil, domain.WrapError(domain.KindExternalService, "spawn process", err)
	}

	if err := s.store.CreateProcess(ctx, proc); err != nil {
		_ = cmd.Process.Kill()
		_ = output.Close()
		return nil, err
	}
	s.publishProcessChanged(proc)

	log := logging.Scoped(logging.ContextWithScope(ctx, logging.Scope{ProcessID: proc.ID}), s.log)

	rp := &runningProcess{pid: cmd.Process.Pid, done: make(chan struct{})}
	s.mu.Lock()
	s.running[proc.ID] = rp
	s.mu.Unlock()

	go s.supervise(proc, cmd, output, dir, rp, log)
	return proc, nil
}

// startInProcessGroup starts cmd detached into its own process group so a
// stop signals the whole tree the agent may spawn. Coding agents get a pty
// (their CLIs switch to terse non-interactive output without one); scripts
// get a plain pipe.
func (s *Supervisor) startInProcessGroup(cmd *exec.Cmd, reason domain.RunReason) (io.ReadCloser, error) {
	if reason == domain.RunReasonCodingAgent {
		ptmx, err := pty.Start(cmd) // pty.Start applies Setsid + Setctty
		if err != nil {
			return nil, err
		}
		return ptmx, nil
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close() // child holds the write end now
	return pr, nil
}

// supervise drains output into the log store, waits for exit, records the
// terminal row state, and chains the next action when eligible. log is
// already scoped to the attempt and process.
func (s *Supervisor) supervise(proc *domain.ExecutionProcess, cmd *exec.Cmd, output io.ReadCloser, dir string, rp *runningProcess, log *slog.Logger) {
	ctx := context.Background()

	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sessionRecorded := false
	for scanner.Scan() {
		line := scanner.Text()
		if !sessionRecorded && proc.RunReason == domain.RunReasonCodingAgent {
			if id, ok := sessionIDFromLine(line); ok {
				sessionRecorded = true
				proc.SessionID = &id
				if err := s.store.SetProcessSessionID(ctx, proc.ID, id); err != nil {
					log.Warn("record session id failed", slog.Any("error", err))
				}
			}
		}
		var msg domain.LogMsg
		if ops, ok := patchFromLine(line); ok {
			msg = domain.NewJSONPatchMsg(ops)
		} else {
			msg = domain.NewStdoutMsg(line)
		}
		if err := s.logs.Append(ctx, proc.AttemptID, proc.ID, msg); err != nil {
			log.Warn("log append failed", slog.Any("error", err))
		}
	}
	_ = output.Close()

	waitErr := cmd.Wait()
	close(rp.done)

	status := domain.ProcessStatusCompleted
	exitCode := 0
	if waitErr != nil {
		status = domain.ProcessStatusFailed
		exitCode = -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status = domain.ProcessStatusKilled
			}
			exitCode = ee.ExitCode()
		}
	}
	if s.wasStopped(proc.ID) {
		status = domain.ProcessStatusKilled
	}

	var afterHead *string
	if head, err := s.git.GetHeadInfo(dir); err == nil {
		oid := head.OID
		afterHead = &oid
	} else {
		log.Warn("after-head lookup failed", slog.String("worktree", dir), slog.Any("error", err))
	}

	if err := s.store.FinishProcess(ctx, proc.ID, status, &exitCode, afterHead); err != nil {
		log.Error("finish process failed", slog.Any("error", err))
	}
	if err := s.logs.Append(ctx, proc.AttemptID, proc.ID, domain.FinishedMsg); err != nil {
		log.Warn("append finished marker failed", slog.Any("error", err))
	}

	s.mu.Lock()
	delete(s.running, proc.ID)
	delete(s.stopped, proc.ID)
	s.mu.Unlock()

	proc.Status = status
	proc.ExitCode = &exitCode
	proc.AfterHeadCommit = afterHead
	s.publishProcessChanged(proc)

	log.Info("process finished",
		slog.String("status", string(status)),
		slog.Int("exit_code", exitCode))

	if next := proc.Action.NextAction; next != nil && chainEligible(proc.Action.Kind, status) {
		reason := domain.RunReasonCleanupScript
		if next.Kind != domain.ActionScript {
			reason = domain.RunReasonCodingAgent
		}
		if _, err := s.StartExecution(ctx, proc.AttemptID, *next, reason); err != nil {
			log.Error("chained action dispatch failed", slog.Any("error", err))
		}
	}
}

// chainEligible: a coding agent's next action runs only after clean
// completion; a script's cleanup chain runs unless the step was killed.
func chainEligible(kind domain.ActionKind, status domain.ExecutionProcessStatus) bool {
	switch kind {
	case domain.ActionScript:
		return status != domain.ProcessStatusKilled
	default:
		return status == domain.ProcessStatusCompleted
	}
}

// markStopped flags a process as explicitly stopped so supervise records
// Killed even when the child's exit status looks like a plain failure.
// Callers hold s.mu.
func (s *Supervisor) markStopped(id uuid.UUID) {
	s.stopped[id] = true
}

func (s *Supervisor) wasStopped(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[id]
}

// TryStop terminates every running process of the attempt, best-effort:
// SIGTERM to the process group, a bounded grace, then SIGKILL.
func (s *Supervisor) TryStop(ctx context.Context, attemptID uuid.UUID) error {
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attemptID})
	procs, err := s.store.RunningProcessesForAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	for _, p := range procs {
		log := logging.Scoped(logging.ContextWithScope(ctx, logging.Scope{ProcessID: p.ID}), s.log)
		s.mu.Lock()
		rp := s.running[p.ID]
		if rp != nil {
			s.markStopped(p.ID)
		}
		s.mu.Unlock()
		if rp == nil {
			// Running in the DB but not in memory: a previous engine run died.
			// Reconcile the row rather than signal a pid we no longer own.
			code := -1
			if err := s.store.FinishProcess(ctx, p.ID, domain.ProcessStatusKilled, &code, p.AfterHeadCommit); err != nil {
				log.Warn("reconcile stale process failed", slog.Any("error", err))
			}
			continue
		}

		if err := syscall.Kill(-rp.pid, syscall.SIGTERM); err != nil {
			log.Warn("SIGTERM failed", slog.Int("pid", rp.pid), slog.Any("error", err))
		}
		select {
		case <-rp.done:
		case <-time.After(GracePeriod):
			log.Warn("grace period expired, sending SIGKILL", slog.Int("pid", rp.pid))
			if err := syscall.Kill(-rp.pid, syscall.SIGKILL); err != nil {
				log.Warn("SIGKILL failed", slog.Int("pid", rp.pid), slog.Any("error", err))
			}
			<-rp.done
		}
	}
	return nil
}

// HasRunningProcesses reports whether any attempt of the task has a Running
// process.
func (s *Supervisor) HasRunningProcesses(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.store.HasRunningProcesses(ctx, taskID)
}

// CountLaterThan counts the attempt's non-dropped processes created after
// the given process.
func (s *Supervisor) CountLaterThan(ctx context.Context, attemptID, processID uuid.UUID) (int, error) {
	return s.store.CountLaterThan(ctx, attemptID, processID)
}

// Delete stops the attempt's running processes, marks the worktree deleted,
// and schedules its removal in the background. Best-effort: stop and cleanup
// failures are logged, not surfaced.
func (s *Supervisor) Delete(ctx context.Context, attemptID uuid.UUID) error {
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attemptID})
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if err := s.TryStop(ctx, attemptID); err != nil {
		logging.Scoped(ctx, s.log).Warn("stop during delete failed", slog.Any("error", err))
	}
	if err := s.store.SetAttemptWorktreeDeleted(ctx, attemptID, true); err != nil {
		return err
	}
	if attempt.ContainerRef != nil {
		task, err := s.store.GetTask(ctx, attempt.TaskID)
		if err != nil {
			return err
		}
		project, err := s.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			return err
		}
		s.worktrees.CleanupWorktrees([]worktree.CleanupTarget{{
			AttemptID:    attempt.ID,
			WorktreePath: *attempt.ContainerRef,
			RepoPath:     project.GitRepoPath,
		}})
	}
	return nil
}

func (s *Supervisor) publishProcessChanged(p *domain.ExecutionProcess) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Kind:      eventbus.EventProcessChanged,
		AttemptID: p.AttemptID,
		Payload:   *p,
	})
}
