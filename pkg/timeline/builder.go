// Package timeline merges heterogeneous pull request event pages into a
// single chronologically ordered timeline.
package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// RawEvent is an event as delivered by the collector, before timestamp
// parsing and kind validation.
type RawEvent struct {
	Kind      string
	Actor     string
	Timestamp string
	Payload   map[string]string
}

// Page is one page of raw events from a single upstream endpoint.
type Page []RawEvent

// Result is a built timeline plus the count of malformed events that
// were dropped along the way.
type Result struct {
	Timeline types.Timeline
	Dropped  int
}

// MalformedEventError describes a single event that could not be
// parsed. It is non-fatal: the event is dropped and the build proceeds.
type MalformedEventError struct {
	Reason string
	Kind   string
	Actor  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event (kind=%q actor=%q): %s", e.Kind, e.Actor, e.Reason)
}

// kindPriority orders events that share an exact timestamp. Lower
// sorts first.
func kindPriority(k types.EventKind) int {
	switch k {
	case types.KindStateChange:
		return 0
	case types.KindReviewSubmitted:
		return 1
	case types.KindCheckRun:
		return 2
	case types.KindReviewComment, types.KindIssueComment:
		return 3
	case types.KindCommit:
		return 4
	default:
		return 5
	}
}

// parseEvent validates and converts a raw event.
func parseEvent(raw RawEvent) (types.Event, error) {
	kind := types.EventKind(raw.Kind)
	if !kind.Valid() {
		return types.Event{}, &MalformedEventError{Reason: "unknown kind", Kind: raw.Kind, Actor: raw.Actor}
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return types.Event{}, &MalformedEventError{
			Reason: fmt.Sprintf("invalid timestamp %q", raw.Timestamp),
			Kind:   raw.Kind,
			Actor:  raw.Actor,
		}
	}

	return types.Event{
		Kind:      kind,
		Actor:     raw.Actor,
		Timestamp: ts.UTC(),
		Payload:   raw.Payload,
	}, nil
}

// Build merges one or more unordered pages into a Timeline sorted
// ascending by timestamp, with exact-timestamp ties broken by a fixed
// kind priority (state_change < review_submitted < check_run < comment
// < commit). Duplicate events (same kind, actor, and timestamp) are
// collapsed to one. Malformed events are dropped and counted rather
// than failing the whole build.
func Build(pages ...Page) Result {
	var events types.Timeline
	dropped := 0
	seen := make(map[string]struct{})

	for _, page := range pages {
		for _, raw := range page {
			event, err := parseEvent(raw)
			if err != nil {
				dropped++
				continue
			}

			key := identityKey(event)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			events = append(events, event)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return kindPriority(events[i].Kind) < kindPriority(events[j].Kind)
	})

	return Result{Timeline: events, Dropped: dropped}
}

// identityKey derives the dedup key for an event.
func identityKey(e types.Event) string {
	return string(e.Kind) + "|" + e.Actor + "|" + e.Timestamp.Format(time.RFC3339Nano)
}
