package domain

// ExecutorProfileID names an executor and an optional named variant bundle
// of defaults (model, reasoning effort) for that executor.
type ExecutorProfileID struct {
	Executor string
	Variant  string
}

// ActionKind discriminates the ExecutorAction payload carried in a given
// request. A single discriminator plus one payload struct per variant is
// enough to model this without a source-language enum.
type ActionKind string

const (
	ActionCodingAgentInitial  ActionKind = "coding_agent_initial_request"
	ActionCodingAgentFollowUp ActionKind = "coding_agent_follow_up_request"
	ActionScript              ActionKind = "script_request"
)

// ScriptContext is which lifecycle point a ScriptRequest runs at.
type ScriptContext string

const (
	ScriptContextSetup     ScriptContext = "setup"
	ScriptContextCleanup   ScriptContext = "cleanup"
	ScriptContextDevServer ScriptContext = "dev_server"
)

// CodingAgentInitialRequest is the first dispatch of a coding agent against
// a freshly provisioned attempt worktree.
type CodingAgentInitialRequest struct {
	Prompt               string
	ExecutorProfileID    ExecutorProfileID
	CodexModelOverride   string
	CodexReasoningEffort string
	ClaudeModelOverride  string
}

// CodingAgentFollowUpRequest resumes (or deliberately abandons) a prior
// coding-agent session on the same attempt.
type CodingAgentFollowUpRequest struct {
	Prompt               string
	SessionID            string
	ExecutorProfileID    ExecutorProfileID
	CodexModelOverride   string
	CodexReasoningEffort string
	ClaudeModelOverride  string
	ForceNewSession      bool
}

// ScriptRequest runs a project-configured shell script (setup, cleanup, or
// dev-server) rather than an interactive coding agent.
type ScriptRequest struct {
	Script  string
	Context ScriptContext
}

// ExecutorAction is a tagged variant over the three request shapes the
// supervisor can spawn, plus an optional chained NextAction used for
// cleanup-after-agent sequencing.
type ExecutorAction struct {
	Kind ActionKind

	CodingAgentInitialRequest  *CodingAgentInitialRequest
	CodingAgentFollowUpRequest *CodingAgentFollowUpRequest
	ScriptRequest              *ScriptRequest

	NextAction *ExecutorAction
}

// NewCodingAgentInitialAction builds the Kind-tagged wrapper for an initial
// coding-agent dispatch.
func NewCodingAgentInitialAction(req CodingAgentInitialRequest) ExecutorAction {
	return ExecutorAction{Kind: ActionCodingAgentInitial, CodingAgentInitialRequest: &req}
}

// NewCodingAgentFollowUpAction builds the Kind-tagged wrapper for a
// follow-up coding-agent dispatch.
func NewCodingAgentFollowUpAction(req CodingAgentFollowUpRequest) ExecutorAction {
	return ExecutorAction{Kind: ActionCodingAgentFollowUp, CodingAgentFollowUpRequest: &req}
}

// NewScriptAction builds the Kind-tagged wrapper for a script dispatch.
func NewScriptAction(req ScriptRequest) ExecutorAction {
	return ExecutorAction{Kind: ActionScript, ScriptRequest: &req}
}

// WithNext returns a copy of a chained onto as this action's NextAction.
func (a ExecutorAction) WithNext(next ExecutorAction) ExecutorAction {
	a.NextAction = &next
	return a
}

// Prompt returns the user-facing prompt text carried by coding-agent
// variants, or "" for ScriptRequest.
func (a ExecutorAction) Prompt() string {
	switch a.Kind {
	case ActionCodingAgentInitial:
		return a.CodingAgentInitialRequest.Prompt
	case ActionCodingAgentFollowUp:
		return a.CodingAgentFollowUpRequest.Prompt
	default:
		return ""
	}
}

// ExecutorProfile returns the executor profile carried by coding-agent
// variants. ok is false for ScriptRequest.
func (a ExecutorAction) ExecutorProfile() (ExecutorProfileID, bool) {
	switch a.Kind {
	case ActionCodingAgentInitial:
		return a.CodingAgentInitialRequest.ExecutorProfileID, true
	case ActionCodingAgentFollowUp:
		return a.CodingAgentFollowUpRequest.ExecutorProfileID, true
	default:
		return ExecutorProfileID{}, false
	}
}
