package store

import (
	"encoding/json"
	"fmt"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// actionJSON is the on-disk shape of domain.ExecutorAction: a discriminator
// plus one populated payload field, recursively for NextAction. Using a
// plain struct (rather than json.RawMessage per variant) keeps the stored
// column human-readable, which matters for ad-hoc debugging of a production
// SQLite file.
type actionJSON struct {
	Kind                       domain.ActionKind                  `json:"kind"`
	CodingAgentInitialRequest  *domain.CodingAgentInitialRequest  `json:"coding_agent_initial_request,omitempty"`
	CodingAgentFollowUpRequest *domain.CodingAgentFollowUpRequest `json:"coding_agent_follow_up_request,omitempty"`
	ScriptRequest              *domain.ScriptRequest               `json:"script_request,omitempty"`
	NextAction                 *actionJSON                         `json:"next_action,omitempty"`
}

func toActionJSON(a domain.ExecutorAction) *actionJSON {
	j := &actionJSON{
		Kind:                       a.Kind,
		CodingAgentInitialRequest:  a.CodingAgentInitialRequest,
		CodingAgentFollowUpRequest: a.CodingAgentFollowUpRequest,
		ScriptRequest:              a.ScriptRequest,
	}
	if a.NextAction != nil {
		j.NextAction = toActionJSON(*a.NextAction)
	}
	return j
}

func fromActionJSON(j *actionJSON) domain.ExecutorAction {
	a := domain.ExecutorAction{
		Kind:                       j.Kind,
		CodingAgentInitialRequest:  j.CodingAgentInitialRequest,
		CodingAgentFollowUpRequest: j.CodingAgentFollowUpRequest,
		ScriptRequest:              j.ScriptRequest,
	}
	if j.NextAction != nil {
		next := fromActionJSON(j.NextAction)
		a.NextAction = &next
	}
	return a
}

func marshalAction(a domain.ExecutorAction) (string, error) {
	b, err := json.Marshal(toActionJSON(a))
	if err != nil {
		return "", fmt.Errorf("marshal executor action: %w", err)
	}
	return string(b), nil
}

func unmarshalAction(s string) (domain.ExecutorAction, error) {
	var j actionJSON
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return domain.ExecutorAction{}, fmt.Errorf("unmarshal executor action: %w", err)
	}
	return fromActionJSON(&j), nil
}
