package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/store"
)

func newTestLogStore(t *testing.T) (*LogStore, *store.Store, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := &domain.Project{Name: "demo", GitRepoPath: "/tmp/demo"}
	if err := st.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	tk := &domain.Task{ProjectID: p.ID, Title: "task"}
	if err := st.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	a := &domain.TaskAttempt{TaskID: tk.ID, BaseBranch: "main", Executor: "CODEX"}
	if err := st.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	proc := &domain.ExecutionProcess{
		AttemptID: a.ID,
		RunReason: domain.RunReasonCodingAgent,
		Action:    domain.NewCodingAgentInitialAction(domain.CodingAgentInitialRequest{Prompt: "go"}),
	}
	if err := st.CreateProcess(ctx, proc); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	return New(st, nil), st, a.ID, proc.ID
}

func normalizedPatchOp(t *testing.T, entryType, action, content string) domain.PatchOp {
	t.Helper()
	entry := domain.NormalizedEntry{
		Type: "NORMALIZED_ENTRY",
		Content: domain.NormalizedEntryContent{
			EntryType: domain.NormalizedEntryType{Type: entryType},
			Content:   content,
		},
	}
	if action != "" {
		entry.Content.EntryType.ActionType = &domain.ActionType{Action: action}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return domain.PatchOp{Op: "add", Path: "/entries/0", Value: raw}
}

func TestAppendAndGetTranscript(t *testing.T) {
	ls, _, attemptID, processID := newTestLogStore(t)
	ctx := context.Background()

	msgs := []domain.LogMsg{
		domain.NewStdoutMsg("line 1"),
		domain.NewStderrMsg("warning"),
		domain.FinishedMsg,
	}
	for _, m := range msgs {
		if err := ls.Append(ctx, attemptID, processID, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := ls.GetTranscript(ctx, processID)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if len(got) != 3 || got[0].Text != "line 1" || got[2].Kind != domain.LogMsgFinished {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestTailReceivesLiveMessages(t *testing.T) {
	ls, _, attemptID, processID := newTestLogStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tail := ls.Tail(ctx, processID)

	if err := ls.Append(context.Background(), attemptID, processID, domain.NewStdoutMsg("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case msg := <-tail:
		if msg.Text != "hello" {
			t.Errorf("tail message = %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("tail subscriber received nothing")
	}

	cancel()
	select {
	case _, open := <-tail:
		if open {
			t.Error("tail channel should close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("tail channel not closed after cancel")
	}
}

func TestBuildConversationContextRoundTrip(t *testing.T) {
	var logs []domain.LogMsg
	for i := 0; i < 3; i++ {
		logs = append(logs,
			domain.NewJSONPatchMsg([]domain.PatchOp{normalizedPatchOp(t, "user_message", "", fmt.Sprintf("question %d", i))}),
			domain.NewJSONPatchMsg([]domain.PatchOp{normalizedPatchOp(t, "assistant_message", "", fmt.Sprintf("answer %d", i))}),
		)
	}

	out := BuildConversationContext(logs)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("got %d lines, want 6:\n%s", len(lines), out)
	}
	for i := 0; i < 3; i++ {
		if want := fmt.Sprintf("User: question %d", i); lines[2*i] != want {
			t.Errorf("line %d = %q, want %q", 2*i, lines[2*i], want)
		}
		if want := fmt.Sprintf("Assistant: answer %d", i); lines[2*i+1] != want {
			t.Errorf("line %d = %q, want %q", 2*i+1, lines[2*i+1], want)
		}
	}
}

func TestBuildConversationContextPlanAndIgnored(t *testing.T) {
	logs := []domain.LogMsg{
		domain.NewStdoutMsg("raw stdout is ignored"),
		domain.NewJSONPatchMsg([]domain.PatchOp{normalizedPatchOp(t, "tool_use", "plan_presentation", "1. do x\n2. do y")}),
		domain.NewJSONPatchMsg([]domain.PatchOp{normalizedPatchOp(t, "tool_use", "file_edit", "ignored tool use")}),
		domain.NewJSONPatchMsg([]domain.PatchOp{normalizedPatchOp(t, "user_message", "", "   ")}),
	}

	out := BuildConversationContext(logs)
	if out != "Plan:\n1. do x\n2. do y\n" {
		t.Errorf("unexpected transcript: %q", out)
	}
}

func TestBuildConversationContextTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxContextChars)
	logs := []domain.LogMsg{
		domain.NewJSONPatchMsg([]domain.PatchOp{normalizedPatchOp(t, "assistant_message", "", long)}),
	}
	out := BuildConversationContext(logs)
	if len(out) != MaxContextChars {
		t.Errorf("len = %d, want %d", len(out), MaxContextChars)
	}
}
