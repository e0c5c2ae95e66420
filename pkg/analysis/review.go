// Package analysis derives review health, CI confidence, and composite
// readiness from a pull request's merged timeline. Everything in this
// package is pure computation: no I/O, no suspension points.
package analysis

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// Review pacing thresholds.
const (
	// DefaultSlowResponseThreshold is the mean author response gap above
	// which a review cycle is classified as slow.
	DefaultSlowResponseThreshold = 24 * time.Hour

	// needsAttentionAfter is how long an unanswered changes_requested
	// review may sit before the PR needs attention.
	needsAttentionAfter = 24 * time.Hour

	// stalledAfter is how long an unanswered changes_requested review
	// may sit before the PR counts as stalled.
	stalledAfter = 7 * 24 * time.Hour

	// minLoopsForSlow is the minimum number of completed feedback loops
	// required before the slow classification applies. A single long gap
	// is not a pattern.
	minLoopsForSlow = 2
)

// Analyzer walks a timeline and computes feedback-loop metrics and a
// review-health classification. The slow threshold may be swapped at
// runtime via SetSlowThreshold.
type Analyzer struct {
	now       func() time.Time
	slowNanos atomic.Int64
}

// NewAnalyzer creates an analyzer. A non-positive slowThreshold selects
// the default.
func NewAnalyzer(slowThreshold time.Duration) *Analyzer {
	a := &Analyzer{now: time.Now}
	a.SetSlowThreshold(slowThreshold)
	return a
}

// SetSlowThreshold replaces the slow-classification threshold. Safe for
// concurrent use; a non-positive value selects the default.
func (a *Analyzer) SetSlowThreshold(slowThreshold time.Duration) {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowResponseThreshold
	}
	a.slowNanos.Store(int64(slowThreshold))
}

func (a *Analyzer) slowThreshold() time.Duration {
	return time.Duration(a.slowNanos.Load())
}

// WithClock overrides the analyzer's clock. Tests use this to simulate
// elapsed time without sleeping.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// feedback is one reviewer action awaiting (or matched with) an author
// response.
type feedback struct {
	at       time.Time
	delay    time.Duration
	answered bool
}

// Analyze computes ReviewProgress for the given timeline. author is the
// pull request author's login; events from the author count as
// responses, events from anyone else count as reviewer actions.
func (a *Analyzer) Analyze(tl types.Timeline, author string) types.ReviewProgress {
	var loops []feedback
	latestState := types.ReviewNone
	var latestStateAt time.Time
	var lastAuthorAction time.Time

	for _, event := range tl {
		ts := event.Timestamp

		switch {
		case isReviewerAction(event, author):
			if event.Kind == types.KindReviewSubmitted {
				if state, ok := reviewStateFromPayload(event.Payload); ok {
					latestState = state
					latestStateAt = ts
				} else if latestState == types.ReviewNone {
					latestState = types.ReviewPending
					latestStateAt = ts
				}
			}
			loops = append(loops, feedback{at: ts})

		case isAuthorResponse(event, author):
			lastAuthorAction = ts
			// An author action answers the most recent unanswered
			// feedback that precedes it.
			for i := len(loops) - 1; i >= 0; i-- {
				if !loops[i].answered && loops[i].at.Before(ts) {
					loops[i].answered = true
					loops[i].delay = ts.Sub(loops[i].at)
					break
				}
			}
		}
	}

	progress := types.ReviewProgress{LatestReviewState: latestState}

	var longest time.Duration
	var total time.Duration
	for _, loop := range loops {
		if !loop.answered {
			continue
		}
		progress.LoopCount++
		total += loop.delay
		if loop.delay > longest {
			longest = loop.delay
		}
	}
	if progress.LoopCount > 0 {
		progress.MeanResponseSeconds = total.Seconds() / float64(progress.LoopCount)
		progress.LongestGapSeconds = longest.Seconds()
	}

	progress.Classification = a.classify(progress, latestState, latestStateAt, lastAuthorAction)
	return progress
}

// classify applies the health policy in order; first match wins.
func (a *Analyzer) classify(
	progress types.ReviewProgress,
	latestState types.ReviewState,
	latestStateAt, lastAuthorAction time.Time,
) types.ReviewClassification {
	changesPending := latestState == types.ReviewChangesRequested &&
		(lastAuthorAction.IsZero() || lastAuthorAction.Before(latestStateAt))

	if changesPending {
		elapsed := a.now().Sub(latestStateAt)
		if elapsed > stalledAfter {
			return types.ReviewStalled
		}
		if elapsed >= needsAttentionAfter {
			return types.ReviewNeedsAttention
		}
	}

	if progress.LoopCount >= minLoopsForSlow &&
		progress.MeanResponseSeconds > a.slowThreshold().Seconds() {
		return types.ReviewSlow
	}

	// Zero review events is healthy too: a PR awaiting first review is
	// not a problem to flag.
	return types.ReviewHealthy
}

// isReviewerAction reports whether the event is review feedback from
// someone other than the PR author.
func isReviewerAction(e types.Event, author string) bool {
	if e.Actor == author {
		return false
	}
	return e.Kind == types.KindReviewSubmitted || e.Kind == types.KindReviewComment
}

// isAuthorResponse reports whether the event is an author action that
// can answer pending feedback.
func isAuthorResponse(e types.Event, author string) bool {
	if e.Actor != author {
		return false
	}
	switch e.Kind {
	case types.KindCommit, types.KindIssueComment, types.KindReviewComment:
		return true
	default:
		return false
	}
}

// reviewStateFromPayload maps the review payload's state field onto the
// ReviewState enum. COMMENTED reviews carry no state transition, so the
// second return is false for them.
func reviewStateFromPayload(payload map[string]string) (types.ReviewState, bool) {
	switch strings.ToUpper(payload["state"]) {
	case "APPROVED":
		return types.ReviewApproved, true
	case "CHANGES_REQUESTED":
		return types.ReviewChangesRequested, true
	case "DISMISSED":
		return types.ReviewDismissed, true
	case "PENDING":
		return types.ReviewPending, true
	default:
		return types.ReviewNone, false
	}
}
