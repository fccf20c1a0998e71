package gitops

import (
	"fmt"
	"strings"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// Kind classifies a git failure by what the caller can do about it, not by
// the underlying Go error type.
type Kind string

const (
	KindBranchNotFound Kind = "branch_not_found"
	KindPushFailed     Kind = "push_failed"
	KindAuth           Kind = "auth"
	KindOther          Kind = "other"
)

// Error is the categorised git failure GitOps returns, always wrapped in a
// domain.Error of kind External-service so callers can branch on either
// level: domain.KindOf for broad handling, or errors.As(&gitops.Error{})
// for git-specific detail.
type Error struct {
	Kind   Kind
	Op     string
	Output string
	Cause  error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Op, e.Cause, e.Output)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// classify inspects combined command output to assign a Kind. Substring
// sniffing is the only option git's CLI leaves; the patterns cover the
// stock wording of current git releases.
func classify(output string) Kind {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "did not match any"), strings.Contains(lower, "not a valid ref"),
		strings.Contains(lower, "unknown revision"), strings.Contains(lower, "branch not found"):
		return KindBranchNotFound
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"), strings.Contains(lower, "invalid credentials"),
		strings.Contains(lower, "403"), strings.Contains(lower, "401"):
		return KindAuth
	case strings.Contains(lower, "failed to push"), strings.Contains(lower, "rejected"),
		strings.Contains(lower, "non-fast-forward"):
		return KindPushFailed
	default:
		return KindOther
	}
}

// wrapf builds the double-wrapped error GitOps returns for every failed
// operation: an *Error (git-specific Kind + raw output) wrapped in a
// domain.Error of kind External-service.
func wrapf(op string, cause error, output []byte) error {
	out := strings.TrimSpace(string(output))
	gitErr := &Error{Kind: classify(out), Op: op, Output: out, Cause: cause}
	return domain.WrapError(domain.KindExternalService, fmt.Sprintf("git %s failed", op), gitErr)
}
