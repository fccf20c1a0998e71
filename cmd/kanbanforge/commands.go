package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/kanbanforge/internal/attempt"
	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/eventbus"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its maintenance loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			eng, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			if err := eng.maintenance.Start(ctx); err != nil {
				return err
			}
			defer eng.maintenance.Stop()

			fmt.Printf("kanbanforge engine running (assets: %s)\n", eng.assetDir)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			fmt.Println("shutting down")
			return nil
		},
	}
}

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	var repoPath, cleanupScript, devServerScript, appendPrompt string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a git repository as a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			p := &domain.Project{
				Name:            args[0],
				GitRepoPath:     repoPath,
				CleanupScript:   cleanupScript,
				DevServerScript: devServerScript,
				AppendPrompt:    appendPrompt,
			}
			if err := eng.store.CreateProject(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Println(p.ID)
			return nil
		},
	}
	add.Flags().StringVar(&repoPath, "repo", ".", "path to the git repository")
	add.Flags().StringVar(&cleanupScript, "cleanup-script", "", "script chained after agent runs")
	add.Flags().StringVar(&devServerScript, "dev-server-script", "", "script for start-dev-server")
	add.Flags().StringVar(&appendPrompt, "append-prompt", "", "suffix appended to every prompt")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			projects, err := eng.store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("%s  %s  %s\n", p.ID, p.Name, p.GitRepoPath)
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var projectID, description string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := uuid.Parse(projectID)
			if err != nil {
				return fmt.Errorf("parse --project: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			t := &domain.Task{ProjectID: pid, Title: args[0], Description: description}
			if err := eng.store.CreateTask(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
	add.Flags().StringVar(&projectID, "project", "", "project id")
	add.Flags().StringVar(&description, "description", "", "task description")
	_ = add.MarkFlagRequired("project")

	del := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()
			return eng.attempts.DeleteTask(cmd.Context(), id)
		},
	}

	cmd.AddCommand(add, del)
	return cmd
}

func newAttemptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "attempt", Short: "Dispatch and manage task attempts"}
	cmd.AddCommand(
		newAttemptCreateCmd(),
		newAttemptFollowUpCmd(),
		newAttemptRestoreCmd(),
		newAttemptMergeCmd(),
		newAttemptRebaseCmd(),
		newAttemptLogsCmd(),
	)
	return cmd
}

func newAttemptCreateCmd() *cobra.Command {
	var taskID, baseBranch, executor, instructions string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an attempt and dispatch the initial agent run",
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := uuid.Parse(taskID)
			if err != nil {
				return fmt.Errorf("parse --task: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			a, proc, err := eng.attempts.CreateAttempt(cmd.Context(), attempt.CreateAttemptRequest{
				TaskID:              tid,
				BaseBranch:          baseBranch,
				ExecutorProfileID:   domain.ExecutorProfileID{Executor: executor},
				InitialInstructions: instructions,
			})
			if err != nil {
				return err
			}
			fmt.Printf("attempt %s process %s\n", a.ID, proc.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&baseBranch, "base", "main", "base branch")
	cmd.Flags().StringVar(&executor, "executor", "CODEX", "executor (CODEX or CLAUDE_CODE)")
	cmd.Flags().StringVar(&instructions, "instructions", "", "initial instructions overriding the task text")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newAttemptFollowUpCmd() *cobra.Command {
	var attemptID, executor string
	cmd := &cobra.Command{
		Use:   "follow-up <prompt>",
		Short: "Dispatch a follow-up run on an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aid, err := uuid.Parse(attemptID)
			if err != nil {
				return fmt.Errorf("parse --attempt: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			req := attempt.FollowUpRequest{AttemptID: aid, Prompt: args[0]}
			if executor != "" {
				req.ExecutorProfileID = &domain.ExecutorProfileID{Executor: executor}
			}
			proc, err := eng.attempts.FollowUp(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(proc.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&attemptID, "attempt", "", "attempt id")
	cmd.Flags().StringVar(&executor, "executor", "", "switch executor for this follow-up")
	_ = cmd.MarkFlagRequired("attempt")
	return cmd
}

func newAttemptRestoreCmd() *cobra.Command {
	var attemptID, processID string
	var force, noReset bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Drop history after a process and reset the worktree to its commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			aid, err := uuid.Parse(attemptID)
			if err != nil {
				return fmt.Errorf("parse --attempt: %w", err)
			}
			pid, err := uuid.Parse(processID)
			if err != nil {
				return fmt.Errorf("parse --process: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			res, err := eng.attempts.Restore(cmd.Context(), attempt.RestoreRequest{
				AttemptID:       aid,
				ProcessID:       pid,
				ForceWhenDirty:  force,
				PerformGitReset: !noReset,
			})
			if err != nil {
				return err
			}
			fmt.Printf("had_later_processes=%t git_reset_needed=%t git_reset_applied=%t\n",
				res.HadLaterProcesses, res.GitResetNeeded, res.GitResetApplied)
			return nil
		},
	}
	cmd.Flags().StringVar(&attemptID, "attempt", "", "attempt id")
	cmd.Flags().StringVar(&processID, "process", "", "process id to restore to")
	cmd.Flags().BoolVar(&force, "force", false, "reset even when the worktree is dirty")
	cmd.Flags().BoolVar(&noReset, "no-reset", false, "truncate history without touching the worktree")
	_ = cmd.MarkFlagRequired("attempt")
	_ = cmd.MarkFlagRequired("process")
	return cmd
}

func newAttemptMergeCmd() *cobra.Command {
	var attemptID string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge an attempt's branch into its base",
		RunE: func(cmd *cobra.Command, args []string) error {
			aid, err := uuid.Parse(attemptID)
			if err != nil {
				return fmt.Errorf("parse --attempt: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			merge, err := eng.attempts.Merge(cmd.Context(), aid)
			if err != nil {
				return err
			}
			fmt.Println(merge.Direct.CommitOID)
			return nil
		},
	}
	cmd.Flags().StringVar(&attemptID, "attempt", "", "attempt id")
	_ = cmd.MarkFlagRequired("attempt")
	return cmd
}

func newAttemptRebaseCmd() *cobra.Command {
	var attemptID, newBase string
	cmd := &cobra.Command{
		Use:   "rebase",
		Short: "Rebase an attempt's branch onto its (or a new) base",
		RunE: func(cmd *cobra.Command, args []string) error {
			aid, err := uuid.Parse(attemptID)
			if err != nil {
				return fmt.Errorf("parse --attempt: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			var base *string
			if newBase != "" {
				base = &newBase
			}
			return eng.attempts.Rebase(cmd.Context(), aid, base)
		},
	}
	cmd.Flags().StringVar(&attemptID, "attempt", "", "attempt id")
	cmd.Flags().StringVar(&newBase, "base", "", "new base branch")
	_ = cmd.MarkFlagRequired("attempt")
	return cmd
}

func newAttemptLogsCmd() *cobra.Command {
	var attemptID string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Stream live log events for an attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			aid, err := uuid.Parse(attemptID)
			if err != nil {
				return fmt.Errorf("parse --attempt: %w", err)
			}
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			events, cancel := eng.bus.Subscribe(eventbus.Scope{AttemptID: aid})
			defer cancel()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if msg, isLog := ev.Payload.(domain.LogMsg); isLog {
						fmt.Println(msg.Text)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&attemptID, "attempt", "", "attempt id")
	_ = cmd.MarkFlagRequired("attempt")
	return cmd
}

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Database maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run one WAL checkpoint / vacuum cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()
			eng.maintenance.RunOnce(cmd.Context())
			return nil
		},
	})
	return cmd
}
