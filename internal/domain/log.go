package domain

import "encoding/json"

// LogMsgKind discriminates the payload carried by a LogMsg.
type LogMsgKind string

const (
	LogMsgStdout    LogMsgKind = "stdout"
	LogMsgStderr    LogMsgKind = "stderr"
	LogMsgJSONPatch LogMsgKind = "json_patch"
	LogMsgFinished  LogMsgKind = "finished"
)

// PatchOp is one JSON-pointer add/replace operation inside a JsonPatch
// LogMsg. Value holds the raw JSON so normalization (see logstore) can
// decode it as whatever shape the entry declares.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// LogMsg is one append-only record in an ExecutionProcess's log sequence.
type LogMsg struct {
	Kind  LogMsgKind
	Text  string    // set for Stdout / Stderr
	Patch []PatchOp // set for JSONPatch
}

// NewStdoutMsg builds a Stdout LogMsg.
func NewStdoutMsg(text string) LogMsg { return LogMsg{Kind: LogMsgStdout, Text: text} }

// NewStderrMsg builds a Stderr LogMsg.
func NewStderrMsg(text string) LogMsg { return LogMsg{Kind: LogMsgStderr, Text: text} }

// NewJSONPatchMsg builds a JsonPatch LogMsg.
func NewJSONPatchMsg(ops []PatchOp) LogMsg { return LogMsg{Kind: LogMsgJSONPatch, Patch: ops} }

// FinishedMsg is the terminal record that closes a process's log sequence.
var FinishedMsg = LogMsg{Kind: LogMsgFinished}

// NormalizedEntry is the `value` shape of a JsonPatch op that the
// transcript reducer understands: `{ type: "NORMALIZED_ENTRY", content: {...} }`.
type NormalizedEntry struct {
	Type    string                 `json:"type"`
	Content NormalizedEntryContent `json:"content"`
}

// NormalizedEntryContent carries the entry's classification and text.
type NormalizedEntryContent struct {
	EntryType NormalizedEntryType `json:"entry_type"`
	Content   string              `json:"content"`
}

// NormalizedEntryType classifies a normalized entry: user_message,
// assistant_message, tool_use (with an optional action_type), etc.
type NormalizedEntryType struct {
	Type       string      `json:"type"`
	ActionType *ActionType `json:"action_type,omitempty"`
}

// ActionType is the tool_use sub-classification the reducer inspects for
// plan-presentation detection.
type ActionType struct {
	Action string `json:"action"`
}
