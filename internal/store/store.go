// Package store persists tracked pull request records.
package store

import (
	"context"
	"errors"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("pull request not found")

// RepoSummary is one tracked repository with its open PR count.
type RepoSummary struct {
	Owner   string `json:"repo_owner"`
	Name    string `json:"repo_name"`
	PRCount int    `json:"pr_count"`
}

// PRStore persists tracked pull requests. Upsert keys on the PR URL,
// so re-adding a tracked PR refreshes it instead of duplicating it.
type PRStore interface {
	Upsert(ctx context.Context, pr *types.PullRequest) (*types.PullRequest, error)
	Get(ctx context.Context, id int64) (*types.PullRequest, error)
	GetByURL(ctx context.Context, url string) (*types.PullRequest, error)
	// List returns open, unmerged PRs ordered by most recently updated.
	// Owner and repo filter when both are non-empty.
	List(ctx context.Context, owner, repo string) ([]*types.PullRequest, error)
	Delete(ctx context.Context, id int64) error
	// Repos lists distinct repositories with open PR counts.
	Repos(ctx context.Context) ([]RepoSummary, error)
}
