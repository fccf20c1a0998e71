package logstore

import (
	"encoding/json"
	"strings"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// MaxContextChars caps the rebuilt conversation transcript before it is
// embedded in a fallback prompt.
const MaxContextChars = 8000

// BuildConversationContext reduces a stored log sequence to a readable
// transcript: JsonPatch messages are scanned for NORMALIZED_ENTRY values and
// user messages, assistant messages, and plan presentations are emitted as
// "User: ...", "Assistant: ...", and "Plan:\n..." lines. Every other entry
// kind, and every Stdout/Stderr record, is ignored. Empty texts are
// suppressed. The result is truncated to MaxContextChars by byte prefix.
func BuildConversationContext(logs []domain.LogMsg) string {
	var b strings.Builder
	for _, msg := range logs {
		if msg.Kind != domain.LogMsgJSONPatch {
			continue
		}
		for _, op := range msg.Patch {
			if op.Op != "add" && op.Op != "replace" {
				continue
			}
			entry := decodeNormalizedEntry(op.Value)
			if entry == nil {
				continue
			}
			text := strings.TrimSpace(entry.Content.Content)
			if text == "" {
				continue
			}
			switch entry.Content.EntryType.Type {
			case "user_message":
				b.WriteString("User: " + text + "\n")
			case "assistant_message":
				b.WriteString("Assistant: " + text + "\n")
			case "tool_use":
				at := entry.Content.EntryType.ActionType
				if at != nil && at.Action == "plan_presentation" {
					b.WriteString("Plan:\n" + text + "\n")
				}
			}
		}
	}

	out := b.String()
	// Truncation is a plain byte prefix; it can split a multi-byte rune.
	if len(out) > MaxContextChars {
		out = out[:MaxContextChars]
	}
	return out
}

func decodeNormalizedEntry(raw json.RawMessage) *domain.NormalizedEntry {
	if len(raw) == 0 {
		return nil
	}
	var entry domain.NormalizedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}
	if entry.Type != "NORMALIZED_ENTRY" {
		return nil
	}
	return &entry
}
