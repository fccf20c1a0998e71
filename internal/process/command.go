package process

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// Executor identifiers the engine knows how to spawn. An executor profile's
// Executor field must be one of these.
const (
	ExecutorCodex      = "CODEX"
	ExecutorClaudeCode = "CLAUDE_CODE"
)

// buildCommand translates an ExecutorAction into the child argv to spawn in
// dir. Coding agents run their real CLIs in non-interactive streaming mode;
// scripts run under the shell.
func buildCommand(action domain.ExecutorAction, dir string) (*exec.Cmd, error) {
	switch action.Kind {
	case domain.ActionScript:
		cmd := exec.Command("sh", "-c", action.ScriptRequest.Script)
		cmd.Dir = dir
		return cmd, nil
	case domain.ActionCodingAgentInitial:
		req := action.CodingAgentInitialRequest
		return buildAgentCommand(req.ExecutorProfileID, req.Prompt, "", false,
			req.CodexModelOverride, req.CodexReasoningEffort, req.ClaudeModelOverride, dir)
	case domain.ActionCodingAgentFollowUp:
		req := action.CodingAgentFollowUpRequest
		return buildAgentCommand(req.ExecutorProfileID, req.Prompt, req.SessionID, req.ForceNewSession,
			req.CodexModelOverride, req.CodexReasoningEffort, req.ClaudeModelOverride, dir)
	default:
		return nil, domain.NewError(domain.KindValidation, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

func buildAgentCommand(profile domain.ExecutorProfileID, prompt, sessionID string, forceNewSession bool,
	codexModel, codexEffort, claudeModel, dir string) (*exec.Cmd, error) {

	resume := sessionID != "" && !forceNewSession

	var cmd *exec.Cmd
	switch profile.Executor {
	case ExecutorCodex:
		args := []string{"exec", "--json"}
		if codexModel != "" {
			args = append(args, "-m", codexModel)
		}
		if codexEffort != "" {
			args = append(args, "-c", "model_reasoning_effort="+codexEffort)
		}
		if resume {
			args = append(args, "resume", sessionID)
		}
		args = append(args, prompt)
		cmd = exec.Command("codex", args...)
	case ExecutorClaudeCode:
		args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
		if claudeModel != "" {
			args = append(args, "--model", claudeModel)
		}
		if resume {
			args = append(args, "--resume", sessionID)
		}
		cmd = exec.Command("claude", args...)
	default:
		return nil, domain.NewError(domain.KindValidation, fmt.Sprintf("unknown executor profile %q", profile.Executor))
	}
	cmd.Dir = dir
	return cmd, nil
}

// sessionIDFromLine sniffs a coding agent's streamed output line for a
// session id announcement. Both embedded CLIs emit JSON-lines carrying a
// session_id field near the start of a run.
func sessionIDFromLine(line string) (string, bool) {
	if len(line) == 0 || line[0] != '{' {
		return "", false
	}
	var frame struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return "", false
	}
	return frame.SessionID, frame.SessionID != ""
}

// patchFromLine sniffs a streamed output line for a JSON-patch frame: a
// top-level array of ops with op and path fields. Anything else is plain
// stdout.
func patchFromLine(line string) ([]domain.PatchOp, bool) {
	if len(line) == 0 || line[0] != '[' {
		return nil, false
	}
	var ops []domain.PatchOp
	if err := json.Unmarshal([]byte(line), &ops); err != nil {
		return nil, false
	}
	if len(ops) == 0 {
		return nil, false
	}
	for _, op := range ops {
		if op.Op == "" || op.Path == "" {
			return nil, false
		}
	}
	return ops, true
}
