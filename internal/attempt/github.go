package attempt

import (
	"context"

	"github.com/alekspetrov/kanbanforge/internal/domain"
)

// PullRequest is the slice of GitHub PR state the engine records.
type PullRequest struct {
	Number int
	URL    string
	Base   string
	Status domain.PRStatus
}

// GitHubClient is the external collaborator contract for the PR surface.
// The real REST client lives outside the engine; tests supply fakes.
type GitHubClient interface {
	// Token returns the credential used for pushes and API calls. Errors of
	// kind Validation are API-data errors (bad/expired token payloads) and
	// are surfaced; any other kind is masked by the open-PR scan.
	Token(ctx context.Context) (string, error)

	// FindOpenPRForBranch returns the open PR whose head is headBranch, or
	// nil when none exists.
	FindOpenPRForBranch(ctx context.Context, owner, repoName, headBranch string) (*PullRequest, error)

	// CreatePR opens a pull request and returns its recorded state.
	CreatePR(ctx context.Context, owner, repoName, title, body, headBranch, baseBranch string) (*PullRequest, error)
}
