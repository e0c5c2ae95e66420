package analysis

import (
	"fmt"
	"math"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// Readiness component weights. They must sum to 1.0.
const (
	weightReview       = 0.4
	weightCI           = 0.4
	weightMergeability = 0.2
)

// Mergeability component values. Unknown gets a neutral default rather
// than a full penalty: the upstream signal is often transiently absent.
const (
	mergeableComponent    = 100
	conflictingComponent  = 0
	unknownMergeComponent = 60
)

// ComputationError reports a missing or invariant-violating input to
// the readiness calculator. This is a programming-contract failure, not
// a user-facing condition: log it, do not retry it.
type ComputationError struct {
	Missing string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("readiness computation: missing required input: %s", e.Missing)
}

// reviewComponent maps a review classification onto its score component.
func reviewComponent(c types.ReviewClassification) (int, bool) {
	switch c {
	case types.ReviewHealthy:
		return 100, true
	case types.ReviewSlow:
		return 70, true
	case types.ReviewNeedsAttention:
		return 40, true
	case types.ReviewStalled:
		return 10, true
	default:
		return 0, false
	}
}

// mergeabilityComponent maps the merge signal onto its score component.
func mergeabilityComponent(m types.Mergeability) (int, bool) {
	switch m {
	case types.Mergeable:
		return mergeableComponent, true
	case types.Conflicting:
		return conflictingComponent, true
	case types.MergeabilityUnknown:
		return unknownMergeComponent, true
	default:
		return 0, false
	}
}

// CalculateReadiness combines review health, CI confidence, and the
// mergeability signal into one composite score:
//
//	overall = round(0.4*review + 0.4*ci + 0.2*mergeability)
//
// clamped to [0,100]. It is a pure, deterministic function of its
// inputs. All three components are required; a nil or invalid input
// yields a ComputationError and no score.
func CalculateReadiness(
	review *types.ReviewProgress,
	ci *types.CIConfidence,
	merge types.Mergeability,
	computedAt time.Time,
) (types.ReadinessScore, error) {
	if review == nil {
		return types.ReadinessScore{}, &ComputationError{Missing: "review progress"}
	}
	if ci == nil {
		return types.ReadinessScore{}, &ComputationError{Missing: "ci confidence"}
	}

	reviewScore, ok := reviewComponent(review.Classification)
	if !ok {
		return types.ReadinessScore{}, &ComputationError{Missing: fmt.Sprintf("valid review classification (got %q)", review.Classification)}
	}
	mergeScore, ok := mergeabilityComponent(merge)
	if !ok {
		return types.ReadinessScore{}, &ComputationError{Missing: fmt.Sprintf("valid mergeability signal (got %q)", merge)}
	}
	ciScore := clampScore(ci.Score)

	overall := int(math.Round(
		weightReview*float64(reviewScore) +
			weightCI*float64(ciScore) +
			weightMergeability*float64(mergeScore)))

	return types.ReadinessScore{
		Overall:               clampScore(overall),
		ReviewComponent:       reviewScore,
		CIComponent:           ciScore,
		MergeabilityComponent: mergeScore,
		ComputedAt:            computedAt,
	}, nil
}
