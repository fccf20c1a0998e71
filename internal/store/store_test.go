package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProjectTaskAttempt(t *testing.T, s *Store) (*domain.Project, *domain.Task, *domain.TaskAttempt) {
	t.Helper()
	ctx := context.Background()

	p := &domain.Project{Name: "demo", GitRepoPath: "/tmp/demo"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	tk := &domain.Task{ProjectID: p.ID, Title: "do the thing"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	a := &domain.TaskAttempt{TaskID: tk.ID, BaseBranch: "main", Executor: "CLAUDE_CODE"}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	return p, tk, a
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	p, _, _ := seedProjectTaskAttempt(t, s)

	got, err := s.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q, want demo", got.Name)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject(context.Background(), uuid.New())
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestSoftLockLatestLiveAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, tk, a1 := seedProjectTaskAttempt(t, s)

	branch, container := "feat/x", "/tmp/wt"
	if err := s.SetAttemptBranch(ctx, a1.ID, branch, container, a1.BaseBranch); err != nil {
		t.Fatalf("SetAttemptBranch: %v", err)
	}

	a2 := &domain.TaskAttempt{TaskID: tk.ID, BaseBranch: a1.BaseBranch, Executor: a1.Executor}
	if err := s.CreateAttempt(ctx, a2); err != nil {
		t.Fatalf("CreateAttempt a2: %v", err)
	}

	live, err := s.LatestLiveAttemptForTask(ctx, tk.ID, a2.ID)
	if err != nil {
		t.Fatalf("LatestLiveAttemptForTask: %v", err)
	}
	if live == nil {
		t.Fatal("expected a live attempt, got nil")
	}
	if live.ID != a1.ID || *live.Branch != branch || *live.ContainerRef != container {
		t.Errorf("unexpected live attempt: %+v", live)
	}
}

func TestDropLaterThanMarksOnlyStrictlyLaterProcesses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, a := seedProjectTaskAttempt(t, s)

	mk := func(prompt string) *domain.ExecutionProcess {
		p := &domain.ExecutionProcess{
			AttemptID: a.ID,
			RunReason: domain.RunReasonCodingAgent,
			Action:    domain.NewCodingAgentInitialAction(domain.CodingAgentInitialRequest{Prompt: prompt}),
		}
		if err := s.CreateProcess(ctx, p); err != nil {
			t.Fatalf("CreateProcess: %v", err)
		}
		return p
	}

	p1, p2, p3 := mk("p1"), mk("p2"), mk("p3")

	n, err := s.DropLaterThan(ctx, a.ID, p1)
	if err != nil {
		t.Fatalf("DropLaterThan: %v", err)
	}
	if n != 2 {
		t.Fatalf("dropped %d processes, want 2", n)
	}

	remaining, err := s.ListProcessesByAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListProcessesByAttempt: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != p1.ID {
		t.Fatalf("expected only p1 to remain non-dropped, got %+v", remaining)
	}

	for _, id := range []uuid.UUID{p2.ID, p3.ID} {
		got, err := s.GetProcess(ctx, id)
		if err != nil {
			t.Fatalf("GetProcess: %v", err)
		}
		if !got.Dropped {
			t.Errorf("process %s should be dropped", id)
		}
	}
}

func TestMergePRUniquePerAttemptAndNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, a := seedProjectTaskAttempt(t, s)

	m := domain.NewPRMerge(a.ID, domain.PRMerge{Number: 42, URL: "https://example/pr/42", Base: "main", Status: domain.PRStatusOpen})
	if err := s.CreateMerge(ctx, &m); err != nil {
		t.Fatalf("CreateMerge: %v", err)
	}

	dup := domain.NewPRMerge(a.ID, domain.PRMerge{Number: 42, URL: "https://example/pr/42", Base: "main", Status: domain.PRStatusOpen})
	if err := s.CreateMerge(ctx, &dup); err == nil {
		t.Fatal("expected unique constraint violation for duplicate (attempt, pr_number)")
	}

	open, err := s.OpenPRForAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("OpenPRForAttempt: %v", err)
	}
	if open == nil || open.PR.Number != 42 {
		t.Fatalf("unexpected open PR: %+v", open)
	}
}
