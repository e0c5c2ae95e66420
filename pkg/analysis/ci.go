package analysis

import (
	"math"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// failedScoreCap bounds the CI score whenever any check has hard-failed:
// a large number of unrelated passing checks must never outweigh a real
// failure.
const failedScoreCap = 49

// ScoreChecks reduces check-run results into a bounded CI confidence
// value. Only the most recent conclusion per distinct check name counts;
// superseding reruns replace earlier results. With no checks configured
// the score is 100 — neutral-pass, so repositories without CI are not
// penalized.
func ScoreChecks(checks []types.CheckResult) types.CIConfidence {
	latest := make(map[string]types.CheckResult, len(checks))
	for _, check := range checks {
		prev, ok := latest[check.Name]
		if !ok || check.CompletedAt.After(prev.CompletedAt) {
			latest[check.Name] = check
		}
	}

	var confidence types.CIConfidence
	for _, check := range latest {
		switch check.Conclusion {
		case types.CheckSuccess:
			confidence.Passed++
		case types.CheckFailure, types.CheckCancelled, types.CheckTimedOut:
			confidence.Failed++
		case types.CheckSkipped, types.CheckNeutral:
			confidence.Skipped++
		}
	}

	total := confidence.Passed + confidence.Failed + confidence.Skipped
	if total == 0 {
		confidence.Score = 100
		return confidence
	}

	score := int(math.Round(100 * (float64(confidence.Passed) + 0.5*float64(confidence.Skipped)) / float64(total)))
	if confidence.Failed > 0 && score > failedScoreCap {
		score = failedScoreCap
	}
	confidence.Score = clampScore(score)
	return confidence
}

// clampScore bounds a score to [0,100].
func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
