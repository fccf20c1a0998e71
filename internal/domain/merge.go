package domain

import (
	"time"

	"github.com/google/uuid"
)

// MergeKind discriminates the payload carried by a Merge row.
type MergeKind string

const (
	MergeKindDirect MergeKind = "direct"
	MergeKindPR     MergeKind = "pr"
)

// PRStatus is the remote lifecycle state of a pull request merge record.
type PRStatus string

const (
	PRStatusOpen    PRStatus = "open"
	PRStatusMerged  PRStatus = "merged"
	PRStatusClosed  PRStatus = "closed"
	PRStatusUnknown PRStatus = "unknown"
)

// DirectMerge is a fast-forward/no-PR merge straight onto the base branch.
type DirectMerge struct {
	CommitOID string
	Base      string
}

// PRMerge tracks a pull request opened for an attempt's branch. At most one
// PRMerge exists per (attempt, Number) pair.
type PRMerge struct {
	Number int
	URL    string
	Base   string
	Status PRStatus
}

// Merge is a tagged variant over how an attempt's branch was integrated.
type Merge struct {
	ID        uuid.UUID
	AttemptID uuid.UUID
	Kind      MergeKind
	Direct    *DirectMerge
	PR        *PRMerge
	CreatedAt time.Time
}

// NewDirectMerge builds a Kind-tagged Direct merge record.
func NewDirectMerge(attemptID uuid.UUID, m DirectMerge) Merge {
	return Merge{ID: uuid.New(), AttemptID: attemptID, Kind: MergeKindDirect, Direct: &m}
}

// NewPRMerge builds a Kind-tagged Pr merge record.
func NewPRMerge(attemptID uuid.UUID, m PRMerge) Merge {
	return Merge{ID: uuid.New(), AttemptID: attemptID, Kind: MergeKindPR, PR: &m}
}
