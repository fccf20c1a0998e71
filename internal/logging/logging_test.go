package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// captureLogger points the global logger at a buffer for the test's
// duration.
func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	mu.Lock()
	prev := global
	global = slog.New(slog.NewJSONHandler(&buf, nil))
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		global = prev
		mu.Unlock()
	})
	return &buf
}

func TestConfigLevelParsing(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &Config{Level: in}
		if got := cfg.level(); got != want {
			t.Errorf("level(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithComponentTagsLines(t *testing.T) {
	buf := captureLogger(t)

	WithComponent("store").Info("pragma applied")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if line["component"] != "store" {
		t.Errorf("component = %v", line["component"])
	}
	if line["msg"] != "pragma applied" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestScopeAccumulatesAcrossContexts(t *testing.T) {
	taskID, attemptID, processID := uuid.New(), uuid.New(), uuid.New()

	ctx := context.Background()
	ctx = ContextWithScope(ctx, Scope{TaskID: taskID})
	ctx = ContextWithScope(ctx, Scope{AttemptID: attemptID})
	ctx = ContextWithScope(ctx, Scope{ProcessID: processID})

	sc := ScopeFromContext(ctx)
	if sc.TaskID != taskID || sc.AttemptID != attemptID || sc.ProcessID != processID {
		t.Errorf("scope lost fields across merges: %+v", sc)
	}
	if sc.ProjectID != uuid.Nil {
		t.Errorf("unset field should stay zero: %+v", sc)
	}
}

func TestScopeLaterSetWins(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	ctx := ContextWithScope(context.Background(), Scope{AttemptID: first})
	ctx = ContextWithScope(ctx, Scope{AttemptID: second})

	if got := ScopeFromContext(ctx).AttemptID; got != second {
		t.Errorf("AttemptID = %s, want %s", got, second)
	}
}

func TestScopedEmitsScopeIDs(t *testing.T) {
	buf := captureLogger(t)
	attemptID := uuid.New()

	ctx := ContextWithScope(context.Background(), Scope{AttemptID: attemptID})
	Scoped(ctx, WithComponent("attempt")).Warn("restore reset failed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if line["attempt_id"] != attemptID.String() {
		t.Errorf("attempt_id = %v, want %s", line["attempt_id"], attemptID)
	}
	if line["component"] != "attempt" {
		t.Errorf("component = %v", line["component"])
	}
}

func TestScopedWithoutScopeReturnsBase(t *testing.T) {
	base := WithComponent("worktree")
	if got := Scoped(context.Background(), base); got != base {
		t.Error("unscoped context should return base logger unchanged")
	}
}

func TestInitSelectsFormat(t *testing.T) {
	if err := Init(&Config{Level: "debug", Format: "json", Output: "stderr"}); err != nil {
		t.Fatalf("Init json/stderr: %v", err)
	}
	if err := Init(&Config{Format: "text", Output: "stdout"}); err != nil {
		t.Fatalf("Init text/stdout: %v", err)
	}
	if err := Init(nil); err != nil {
		t.Fatalf("Init nil config: %v", err)
	}
}

func TestGlobalConvenienceFuncs(t *testing.T) {
	buf := captureLogger(t)

	Info("one")
	Warn("two")
	Error("three")

	lines := strings.Count(buf.String(), "\n")
	if lines != 3 {
		t.Errorf("emitted %d lines, want 3:\n%s", lines, buf.String())
	}
}
