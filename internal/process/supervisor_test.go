package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/gitops"
	"github.com/alekspetrov/kanbanforge/internal/logstore"
	"github.com/alekspetrov/kanbanforge/internal/store"
	"github.com/alekspetrov/kanbanforge/internal/worktree"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

type fixture struct {
	sup     *Supervisor
	store   *store.Store
	logs    *logstore.LogStore
	repo    string
	project *domain.Project
	task    *domain.Task
	attempt *domain.TaskAttempt
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	repo := initTestRepo(t)
	p := &domain.Project{Name: "demo", GitRepoPath: repo}
	if err := st.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	tk := &domain.Task{ProjectID: p.ID, Title: "Fix login"}
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	a := &domain.TaskAttempt{TaskID: tk.ID, BaseBranch: "main", Executor: ExecutorCodex}
	if err := st.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	logs := logstore.New(st, nil)
	sup := NewSupervisor(st, logs, gitops.New(), worktree.NewManager(), nil)
	return &fixture{sup: sup, store: st, logs: logs, repo: repo, project: p, task: tk, attempt: a}
}

func waitForTerminal(t *testing.T, st *store.Store, id uuid.UUID) *domain.ExecutionProcess {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p, err := st.GetProcess(context.Background(), id)
		if err != nil {
			t.Fatalf("GetProcess: %v", err)
		}
		if p.Status != domain.ProcessStatusRunning {
			return p
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("process never reached a terminal status")
	return nil
}

func TestEnsureContainerExistsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path1, err := f.sup.EnsureContainerExists(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("EnsureContainerExists: %v", err)
	}
	path2, err := f.sup.EnsureContainerExists(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("second EnsureContainerExists: %v", err)
	}
	if path1 != path2 {
		t.Errorf("paths differ: %q vs %q", path1, path2)
	}

	got, err := f.store.GetAttempt(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Branch == nil || !strings.HasPrefix(*got.Branch, "kf/fix-login-") {
		t.Errorf("branch = %v, want kf/fix-login-* prefix", got.Branch)
	}
	if got.ContainerRef == nil || *got.ContainerRef != path1 {
		t.Errorf("container_ref = %v, want %q", got.ContainerRef, path1)
	}
}

func TestScriptExecutionRecordsLogsAndHeadCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := domain.NewScriptAction(domain.ScriptRequest{Script: "echo setup ran", Context: domain.ScriptContextSetup})
	proc, err := f.sup.StartExecution(ctx, f.attempt.ID, action, domain.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	done := waitForTerminal(t, f.store, proc.ID)
	if done.Status != domain.ProcessStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", done.ExitCode)
	}
	if done.BeforeHeadCommit == nil || done.AfterHeadCommit == nil {
		t.Fatalf("head commits not recorded: %+v", done)
	}
	if *done.BeforeHeadCommit != *done.AfterHeadCommit {
		t.Errorf("script changed HEAD unexpectedly")
	}

	logs, err := f.logs.GetTranscript(ctx, proc.ID)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	var sawOutput, sawFinished bool
	for _, m := range logs {
		if m.Kind == domain.LogMsgStdout && strings.Contains(m.Text, "setup ran") {
			sawOutput = true
		}
		if m.Kind == domain.LogMsgFinished {
			sawFinished = true
		}
	}
	if !sawOutput || !sawFinished {
		t.Errorf("transcript missing output or terminal marker: %+v", logs)
	}
}

func TestFailingScriptIsMarkedFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := domain.NewScriptAction(domain.ScriptRequest{Script: "exit 3", Context: domain.ScriptContextSetup})
	proc, err := f.sup.StartExecution(ctx, f.attempt.ID, action, domain.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	done := waitForTerminal(t, f.store, proc.ID)
	if done.Status != domain.ProcessStatusFailed {
		t.Errorf("status = %s, want failed", done.Status)
	}
	if done.ExitCode == nil || *done.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", done.ExitCode)
	}
}

func TestNextActionChainsAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := domain.NewScriptAction(domain.ScriptRequest{Script: "echo first", Context: domain.ScriptContextSetup}).
		WithNext(domain.NewScriptAction(domain.ScriptRequest{Script: "echo cleanup", Context: domain.ScriptContextCleanup}))
	proc, err := f.sup.StartExecution(ctx, f.attempt.ID, action, domain.RunReasonSetupScript)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	waitForTerminal(t, f.store, proc.ID)

	// The chained cleanup gets its own process row.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		procs, err := f.store.ListProcessesByAttempt(ctx, f.attempt.ID)
		if err != nil {
			t.Fatalf("ListProcessesByAttempt: %v", err)
		}
		if len(procs) == 2 {
			last := procs[1]
			if last.RunReason != domain.RunReasonCleanupScript {
				t.Fatalf("chained run reason = %s", last.RunReason)
			}
			waitForTerminal(t, f.store, last.ID)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("chained cleanup process never appeared")
}

func TestTryStopKillsLongRunningScript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	action := domain.NewScriptAction(domain.ScriptRequest{Script: "sleep 60", Context: domain.ScriptContextDevServer})
	proc, err := f.sup.StartExecution(ctx, f.attempt.ID, action, domain.RunReasonDevServer)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	if err := f.sup.TryStop(ctx, f.attempt.ID); err != nil {
		t.Fatalf("TryStop: %v", err)
	}

	done := waitForTerminal(t, f.store, proc.ID)
	if done.Status != domain.ProcessStatusKilled {
		t.Errorf("status = %s, want killed", done.Status)
	}
}

func TestIsContainerCleanReflectsWorktreeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path, err := f.sup.EnsureContainerExists(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("EnsureContainerExists: %v", err)
	}

	clean, err := f.sup.IsContainerClean(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("IsContainerClean: %v", err)
	}
	if !clean {
		t.Error("fresh worktree reported dirty")
	}

	if err := os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write scratch: %v", err)
	}
	clean, err = f.sup.IsContainerClean(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("IsContainerClean: %v", err)
	}
	if clean {
		t.Error("worktree with untracked file reported clean")
	}
}

func TestGetDiffStreamsChangedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path, err := f.sup.EnsureContainerExists(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("EnsureContainerExists: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatalf("edit README: %v", err)
	}

	events, err := f.sup.GetDiff(ctx, f.attempt.ID)
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	var got []DiffEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Path != "README.md" || got[0].Added != 1 {
		t.Errorf("unexpected diff events: %+v", got)
	}
}

func TestSessionIDSniffing(t *testing.T) {
	if id, ok := sessionIDFromLine(`{"type":"session_started","session_id":"S1"}`); !ok || id != "S1" {
		t.Errorf("sessionIDFromLine = (%q, %v)", id, ok)
	}
	if _, ok := sessionIDFromLine("plain text output"); ok {
		t.Error("plain text sniffed as session id")
	}
	if _, ok := sessionIDFromLine(`{"other":"field"}`); ok {
		t.Error("frame without session_id sniffed as session id")
	}
}

func TestPatchSniffing(t *testing.T) {
	ops, ok := patchFromLine(`[{"op":"add","path":"/entries/0","value":{"type":"NORMALIZED_ENTRY"}}]`)
	if !ok || len(ops) != 1 || ops[0].Op != "add" {
		t.Errorf("patchFromLine = (%+v, %v)", ops, ok)
	}
	if _, ok := patchFromLine(`["just","strings"]`); ok {
		t.Error("non-patch array sniffed as patch")
	}
	if _, ok := patchFromLine("plain"); ok {
		t.Error("plain text sniffed as patch")
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Fix Login":          "fix-login",
		"  weird -- title  ": "weird-title",
		"":                   "task",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
