// Package types contains shared data structures used across the readiness system.
//
//nolint:revive // "types" is a standard Go package name for shared data structures
package types

import "time"

// EventKind identifies the kind of a timeline event.
type EventKind string

// Timeline event kinds.
const (
	KindCommit          EventKind = "commit"
	KindReviewSubmitted EventKind = "review_submitted"
	KindReviewComment   EventKind = "review_comment"
	KindIssueComment    EventKind = "issue_comment"
	KindCheckRun        EventKind = "check_run"
	KindStateChange     EventKind = "state_change"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindCommit, KindReviewSubmitted, KindReviewComment, KindIssueComment, KindCheckRun, KindStateChange:
		return true
	default:
		return false
	}
}

// Event is a single item in a pull request's history. Events are
// immutable once constructed.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"kind"`
	Actor     string            `json:"actor"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// Timeline is the merged, chronologically ordered history of all
// tracked events for one pull request.
type Timeline []Event

// ReviewState is the state of the most recent review on a pull request.
type ReviewState string

// Review states.
const (
	ReviewNone             ReviewState = "none"
	ReviewPending          ReviewState = "pending"
	ReviewChangesRequested ReviewState = "changes_requested"
	ReviewApproved         ReviewState = "approved"
	ReviewDismissed        ReviewState = "dismissed"
)

// ReviewClassification buckets the health of a PR's review cycle.
type ReviewClassification string

// Review health classifications.
const (
	ReviewHealthy        ReviewClassification = "healthy"
	ReviewSlow           ReviewClassification = "slow"
	ReviewStalled        ReviewClassification = "stalled"
	ReviewNeedsAttention ReviewClassification = "needs_attention"
)

// ReviewProgress holds feedback-loop metrics derived from a Timeline.
// It is never mutated after computation.
type ReviewProgress struct {
	LoopCount           int                  `json:"loop_count"`
	MeanResponseSeconds float64              `json:"mean_response_seconds"`
	LongestGapSeconds   float64              `json:"longest_gap_seconds"`
	LatestReviewState   ReviewState          `json:"latest_review_state"`
	Classification      ReviewClassification `json:"classification"`
}

// CheckConclusion is the terminal result of a CI check run.
type CheckConclusion string

// Check run conclusions.
const (
	CheckSuccess   CheckConclusion = "success"
	CheckFailure   CheckConclusion = "failure"
	CheckSkipped   CheckConclusion = "skipped"
	CheckNeutral   CheckConclusion = "neutral"
	CheckCancelled CheckConclusion = "cancelled"
	CheckTimedOut  CheckConclusion = "timed_out"
)

// CheckResult is the outcome of one named CI check.
type CheckResult struct {
	CompletedAt time.Time       `json:"completed_at"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Conclusion  CheckConclusion `json:"conclusion"`
}

// CIConfidence summarises check results into a bounded confidence value.
type CIConfidence struct {
	Score   int `json:"score"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Mergeability is the merge signal sourced from the persisted-record store.
type Mergeability string

// Mergeability signals.
const (
	Mergeable   Mergeability = "mergeable"
	Conflicting Mergeability = "conflicting"
	// MergeabilityUnknown is the neutral default: the upstream signal is
	// often transiently unavailable while GitHub recomputes it.
	MergeabilityUnknown Mergeability = "unknown"
)

// MergeabilityFromState maps GitHub's mergeable_state strings onto the
// three-valued signal used by the readiness calculator.
func MergeabilityFromState(state string) Mergeability {
	switch state {
	case "clean", "mergeable", "has_hooks", "unstable":
		return Mergeable
	case "dirty":
		return Conflicting
	default:
		return MergeabilityUnknown
	}
}

// ReadinessScore is the composite readiness assessment for one PR.
type ReadinessScore struct {
	ComputedAt            time.Time `json:"computed_at"`
	Overall               int       `json:"overall"`
	ReviewComponent       int       `json:"review_component"`
	CIComponent           int       `json:"ci_component"`
	MergeabilityComponent int       `json:"mergeability_component"`
}

// PullRequest is the persisted record of a tracked pull request.
type PullRequest struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	URL            string    `json:"pr_url"`
	Owner          string    `json:"repo_owner"`
	Repo           string    `json:"repo_name"`
	Title          string    `json:"title"`
	State          string    `json:"state"`
	Author         string    `json:"author_login"`
	MergeableState string    `json:"mergeable_state"`
	ID             int64     `json:"id"`
	Number         int       `json:"pr_number"`
	FilesChanged   int       `json:"files_changed"`
	Merged         bool      `json:"is_merged"`
	Draft          bool      `json:"is_draft"`
}

// Mergeability returns the merge signal for this record.
func (p *PullRequest) Mergeability() Mergeability {
	return MergeabilityFromState(p.MergeableState)
}
