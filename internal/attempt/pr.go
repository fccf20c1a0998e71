package attempt

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alekspetrov/kanbanforge/internal/domain"
	"github.com/alekspetrov/kanbanforge/internal/gitops"
	"github.com/alekspetrov/kanbanforge/internal/logging"
)

// CreatePRRequest is the input to CreatePR.
type CreatePRRequest struct {
	AttemptID  uuid.UUID
	Title      string
	Body       string
	BaseBranch string // optional override of the attempt's base
}

// CreatePR returns the URL of an existing open PR for the attempt, adopts
// one found on the remote, or pushes the branch and opens a new one.
func (s *Service) CreatePR(ctx context.Context, req CreatePRRequest) (string, error) {
	if s.github == nil {
		return "", domain.NewError(domain.KindValidation, "no GitHub client configured")
	}

	attempt, task, project, err := s.resolve(ctx, req.AttemptID)
	if err != nil {
		return "", err
	}
	if attempt.Branch == nil || attempt.ContainerRef == nil {
		return "", domain.NewError(domain.KindValidation, "attempt has no branch to open a PR for")
	}

	// (i) The DB already records an open PR.
	if existing, err := s.store.OpenPRForAttempt(ctx, attempt.ID); err != nil {
		return "", err
	} else if existing != nil {
		return existing.PR.URL, nil
	}

	// (ii) The remote may already have an open PR for this head branch.
	if url, found := s.adoptRemotePR(ctx, attempt, project.GitRepoPath); found {
		return url, nil
	}

	// (iii) Push and open a new PR.
	if err := s.scanDiffForSecrets(ctx, attempt); err != nil {
		return "", err
	}

	token := s.tokenOrNil(ctx)
	if err := s.git.PushToGithub(ctx, *attempt.ContainerRef, *attempt.Branch, token); err != nil {
		return "", err
	}

	base := req.BaseBranch
	if base == "" {
		base = attempt.BaseBranch
	}
	base = s.normalizeBaseBranch(ctx, project.GitRepoPath, *attempt.ContainerRef, base)

	ahead, _, err := s.git.GetBranchStatus(project.GitRepoPath, *attempt.Branch, base)
	if err != nil {
		return "", err
	}
	if ahead == 0 {
		return "", domain.NewError(domain.KindConflict, "no commits ahead of base; nothing to open a PR for")
	}

	info, err := s.git.GetGithubRepoInfo(ctx, project.GitRepoPath)
	if err != nil {
		return "", err
	}

	title := req.Title
	if title == "" {
		title = task.Title
	}
	pr, err := s.github.CreatePR(ctx, info.Owner, info.RepoName, title, req.Body, *attempt.Branch, base)
	if err != nil {
		return "", err
	}

	merge := domain.NewPRMerge(attempt.ID, domain.PRMerge{Number: pr.Number, URL: pr.URL, Base: base, Status: domain.PRStatusOpen})
	if err := s.store.CreateMerge(ctx, &merge); err != nil {
		return "", err
	}
	s.tracker.Track("pr_created", map[string]any{"base": base})
	s.publishMergeChanged(attempt, &merge)
	return pr.URL, nil
}

// OpenExistingPR is the open-existing entry point of the HTTP surface: it
// returns a recorded or remote open PR's URL without ever creating one.
func (s *Service) OpenExistingPR(ctx context.Context, attemptID uuid.UUID) (string, error) {
	attempt, _, project, err := s.resolve(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if existing, err := s.store.OpenPRForAttempt(ctx, attempt.ID); err != nil {
		return "", err
	} else if existing != nil {
		return existing.PR.URL, nil
	}
	if attempt.Branch == nil {
		return "", domain.NewError(domain.KindNotFound, "no open pull request for attempt")
	}
	if url, found := s.adoptRemotePR(ctx, attempt, project.GitRepoPath); found {
		return url, nil
	}
	return "", domain.NewError(domain.KindNotFound, "no open pull request for attempt")
}

// adoptRemotePR scans the remote for an open PR on the attempt's head
// branch and records it when found. A token check that fails with a
// non-API-data error falls through silently; only Validation-kind (API
// data) errors would surface, and the scan swallows even those into a
// logged miss to keep PR creation available offline.
func (s *Service) adoptRemotePR(ctx context.Context, attempt *domain.TaskAttempt, repoPath string) (string, bool) {
	if s.github == nil || attempt.Branch == nil {
		return "", false
	}
	ctx = logging.ContextWithScope(ctx, logging.Scope{AttemptID: attempt.ID})
	if _, err := s.github.Token(ctx); err != nil {
		if !domain.IsKind(err, domain.KindValidation) {
			logging.Scoped(ctx, s.log).Debug("token check failed during open-PR scan", slog.Any("error", err))
			return "", false
		}
		return "", false
	}

	info, err := s.git.GetGithubRepoInfo(ctx, repoPath)
	if err != nil {
		return "", false
	}
	pr, err := s.github.FindOpenPRForBranch(ctx, info.Owner, info.RepoName, *attempt.Branch)
	if err != nil || pr == nil {
		return "", false
	}

	merge := domain.NewPRMerge(attempt.ID, domain.PRMerge{Number: pr.Number, URL: pr.URL, Base: pr.Base, Status: domain.PRStatusOpen})
	if err := s.store.CreateMerge(ctx, &merge); err != nil {
		logging.Scoped(ctx, s.log).Warn("record adopted PR failed", slog.Any("error", err))
		return pr.URL, true
	}
	s.publishMergeChanged(attempt, &merge)
	return pr.URL, true
}

// normalizeBaseBranch strips the "<remote>/" prefix when the configured
// base names a remote-tracking branch, since the PR API wants a bare
// branch name.
func (s *Service) normalizeBaseBranch(ctx context.Context, repoPath, worktreePath, base string) string {
	// A base that resolves as a local branch passes through untouched.
	if kind, err := s.git.FindBranchType(repoPath, base); err == nil && kind == gitops.BranchTypeLocal {
		return base
	}
	remote, err := s.git.GetRemoteNameFromBranchName(ctx, worktreePath, base)
	if err != nil {
		return base
	}
	return strings.TrimPrefix(base, remote+"/")
}
