// Package domain holds the shared entity and tagged-variant types that the
// store, worktree manager, process supervisor, and attempt service all
// operate on. Nothing in here talks to a database or a filesystem.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Project is a git repository the engine dispatches coding agents against.
type Project struct {
	ID              uuid.UUID
	Name            string
	GitRepoPath     string
	CleanupScript   string
	DevServerScript string
	WorkspaceDirs   string // comma-separated, relative to GitRepoPath
	AppendPrompt    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Task is a unit of work inside a Project. A Task may be spawned as a child
// of another attempt (ParentAttemptID), e.g. a decomposed sub-task.
type Task struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Title           string
	Description     string
	Status          TaskStatus
	ParentAttemptID *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskAttempt is one working context for a Task: a branch and, once
// provisioned, a worktree on which one or more ExecutionProcess runs occur.
type TaskAttempt struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	BaseBranch      string
	Branch          *string // nil until a worktree has been created
	ContainerRef    *string // worktree filesystem path; nil until provisioned
	Executor        string  // executor profile identifier, e.g. "CLAUDE_CODE"
	WorktreeDeleted bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RunReason is why an ExecutionProcess was spawned.
type RunReason string

const (
	RunReasonSetupScript   RunReason = "setup_script"
	RunReasonCleanupScript RunReason = "cleanup_script"
	RunReasonCodingAgent   RunReason = "coding_agent"
	RunReasonDevServer     RunReason = "dev_server"
)

// ExecutionProcessStatus is the terminal-or-not state of an ExecutionProcess.
type ExecutionProcessStatus string

const (
	ProcessStatusRunning   ExecutionProcessStatus = "running"
	ProcessStatusCompleted ExecutionProcessStatus = "completed"
	ProcessStatusFailed    ExecutionProcessStatus = "failed"
	ProcessStatusKilled    ExecutionProcessStatus = "killed"
)

// ExecutionProcess is one spawn of an agent or script process against an
// attempt's worktree. Never physically deleted while its attempt exists;
// Restore marks it Dropped instead of removing it, so audit history survives.
type ExecutionProcess struct {
	ID               uuid.UUID
	AttemptID        uuid.UUID
	RunReason        RunReason
	Action           ExecutorAction
	Status           ExecutionProcessStatus
	ExitCode         *int
	SessionID        *string // issued by the coding agent once its session starts
	BeforeHeadCommit *string
	AfterHeadCommit  *string
	Dropped          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskImage associates an image blob with a task, for prompt embedding.
type TaskImage struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Path      string // path under the asset directory's images/ subtree
	CreatedAt time.Time
}
