// Package service orchestrates the readiness pipeline: collect events,
// build the timeline, analyze review health and CI confidence, and
// combine them into a readiness score, behind the TTL cache.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/internal/store"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/analysis"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/cache"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/github"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/timeline"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
	"go.uber.org/zap"
)

// Default cache TTLs applied when Config leaves them unset.
const (
	DefaultTimelineTTL  = 30 * time.Minute
	DefaultReadinessTTL = 10 * time.Minute
	DefaultQuotaTTL     = 5 * time.Minute
)

// CacheStatus reports whether a readiness response was served from
// cache or computed on this request.
const (
	CacheFresh      = "fresh"
	CacheRecomputed = "recomputed"
)

// ErrClosedPR is returned when adding a merged or closed PR.
var ErrClosedPR = errors.New("cannot add merged or closed PRs")

// Collector fetches pull request data from GitHub.
type Collector interface {
	Snapshot(ctx context.Context, owner, repo string, number int) (*github.Snapshot, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (*types.PullRequest, error)
	OpenPullRequests(ctx context.Context, owner, repo string) ([]*types.PullRequest, error)
	RateLimit(ctx context.Context) (*github.Quota, error)
}

// Config wires a Service.
type Config struct {
	Store        store.PRStore
	Collector    Collector
	Cache        *cache.Cache
	Logger       *zap.Logger
	Analyzer     *analysis.Analyzer
	TimelineTTL  time.Duration
	ReadinessTTL time.Duration
	QuotaTTL     time.Duration
}

// Service implements the tracker's operations over the store,
// collector, and cache.
type Service struct {
	store        store.PRStore
	collector    Collector
	cache        *cache.Cache
	logger       *zap.Logger
	analyzer     *analysis.Analyzer
	now          func() time.Time
	timelineTTL  time.Duration
	readinessTTL time.Duration
	quotaTTL     time.Duration
}

// New creates a Service. Zero TTLs select the defaults.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = analysis.NewAnalyzer(0)
	}
	if cfg.TimelineTTL <= 0 {
		cfg.TimelineTTL = DefaultTimelineTTL
	}
	if cfg.ReadinessTTL <= 0 {
		cfg.ReadinessTTL = DefaultReadinessTTL
	}
	if cfg.QuotaTTL <= 0 {
		cfg.QuotaTTL = DefaultQuotaTTL
	}
	return &Service{
		store:        cfg.Store,
		collector:    cfg.Collector,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		analyzer:     cfg.Analyzer,
		now:          time.Now,
		timelineTTL:  cfg.TimelineTTL,
		readinessTTL: cfg.ReadinessTTL,
		quotaTTL:     cfg.QuotaTTL,
	}
}

// WithClock overrides the service's time source. For tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AddPR validates and tracks a single pull request by URL.
func (s *Service) AddPR(ctx context.Context, prURL string) (*types.PullRequest, error) {
	owner, repo, number, err := github.ParsePRURL(prURL)
	if err != nil {
		return nil, err
	}

	pr, err := s.collector.PullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	if pr.Merged || pr.State == "closed" {
		return nil, ErrClosedPR
	}

	stored, err := s.store.Upsert(ctx, pr)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tracking pull request",
		zap.String("repo", owner+"/"+repo), zap.Int("number", number), zap.Int64("id", stored.ID))
	return stored, nil
}

// AddAllOpen tracks every open PR of a repository. Returns the number
// of PRs added.
func (s *Service) AddAllOpen(ctx context.Context, repoURL string) (int, error) {
	owner, repo, err := github.ParseRepoURL(repoURL)
	if err != nil {
		return 0, err
	}

	prs, err := s.collector.OpenPullRequests(ctx, owner, repo)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, pr := range prs {
		if pr.Draft {
			// drafts are listed but not ready for review tracking
			continue
		}
		if _, err := s.store.Upsert(ctx, pr); err != nil {
			return added, err
		}
		added++
	}
	s.logger.Info("imported open pull requests",
		zap.String("repo", owner+"/"+repo), zap.Int("added", added))
	return added, nil
}

// ListPRs returns tracked open PRs, optionally filtered by owner/repo.
func (s *Service) ListPRs(ctx context.Context, owner, repo string) ([]*types.PullRequest, error) {
	return s.store.List(ctx, owner, repo)
}

// Repos returns distinct tracked repositories with open PR counts.
func (s *Service) Repos(ctx context.Context) ([]store.RepoSummary, error) {
	return s.store.Repos(ctx)
}

// RefreshPR refetches a PR's metadata. Merged and closed PRs are
// removed from tracking; removed reports which happened. Both paths
// invalidate the PR's cached timeline and readiness.
func (s *Service) RefreshPR(ctx context.Context, id int64) (pr *types.PullRequest, removed bool, err error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	fresh, err := s.collector.PullRequest(ctx, current.Owner, current.Repo, current.Number)
	if err != nil {
		return nil, false, err
	}

	s.invalidatePR(current)

	if fresh.Merged || fresh.State == "closed" {
		if err := s.store.Delete(ctx, id); err != nil {
			return nil, false, err
		}
		s.logger.Info("removed finished pull request",
			zap.Int64("id", id), zap.Bool("merged", fresh.Merged))
		return fresh, true, nil
	}

	stored, err := s.store.Upsert(ctx, fresh)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// RemoveByURL drops a tracked PR by its URL and invalidates its cache
// entries. Used by the webhook path. Unknown URLs are not an error.
func (s *Service) RemoveByURL(ctx context.Context, prURL string) (bool, error) {
	pr, err := s.store.GetByURL(ctx, prURL)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.invalidatePR(pr)
	if err := s.store.Delete(ctx, pr.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// RefreshByURL refetches a tracked PR by its URL. Used by the webhook
// path; unknown URLs are ignored.
func (s *Service) RefreshByURL(ctx context.Context, prURL string) error {
	pr, err := s.store.GetByURL(ctx, prURL)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, _, err = s.RefreshPR(ctx, pr.ID)
	return err
}

// TimelineResult is the merged history of one PR.
type TimelineResult struct {
	PR       *types.PullRequest
	Timeline types.Timeline
	Checks   []types.CheckResult
	Dropped  int
}

// clone deep-copies a cached result so callers can mutate their copy
// without corrupting the cache entry.
func (r *TimelineResult) clone() *TimelineResult {
	out := &TimelineResult{Dropped: r.Dropped}
	if r.PR != nil {
		pr := *r.PR
		out.PR = &pr
	}
	if r.Timeline != nil {
		out.Timeline = make(types.Timeline, len(r.Timeline))
		copy(out.Timeline, r.Timeline)
		for i, e := range r.Timeline {
			if e.Payload == nil {
				continue
			}
			payload := make(map[string]string, len(e.Payload))
			for k, v := range e.Payload {
				payload[k] = v
			}
			out.Timeline[i].Payload = payload
		}
	}
	if r.Checks != nil {
		out.Checks = append([]types.CheckResult(nil), r.Checks...)
	}
	return out
}

// Timeline returns the PR's merged timeline, served from cache within
// the timeline TTL. The result is the caller's to mutate.
func (s *Service) Timeline(ctx context.Context, id int64) (*TimelineResult, error) {
	pr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result, _, err := s.snapshot(ctx, pr)
	if err != nil {
		return nil, err
	}
	return result.clone(), nil
}

// ReviewAnalysis computes review progress from the PR's timeline.
func (s *Service) ReviewAnalysis(ctx context.Context, id int64) (*types.ReviewProgress, error) {
	pr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.snapshot(ctx, pr)
	if err != nil {
		return nil, err
	}
	progress := s.analyzer.Analyze(snap.Timeline, pr.Author)
	return &progress, nil
}

// Readiness returns the PR's composite readiness score and whether it
// was served from cache ("fresh") or computed now ("recomputed").
func (s *Service) Readiness(ctx context.Context, id int64) (*types.ReadinessScore, string, error) {
	pr, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	key := fmt.Sprintf("readiness:%d", id)
	value, hit, err := s.cache.GetOrCompute(ctx, key, s.readinessTTL, func(ctx context.Context) (any, error) {
		return s.computeReadiness(ctx, pr)
	})
	if err != nil {
		return nil, "", err
	}

	score, ok := value.(*types.ReadinessScore)
	if !ok {
		return nil, "", fmt.Errorf("unexpected cache value for %s", key)
	}
	status := CacheRecomputed
	if hit {
		status = CacheFresh
	}
	// Copy so the caller cannot mutate the cached score.
	out := *score
	return &out, status, nil
}

func (s *Service) computeReadiness(ctx context.Context, pr *types.PullRequest) (*types.ReadinessScore, error) {
	snap, fromSnapshot, err := s.snapshot(ctx, pr)
	if err != nil {
		return nil, err
	}

	progress := s.analyzer.Analyze(snap.Timeline, pr.Author)
	confidence := analysis.ScoreChecks(snap.Checks)

	// Prefer the snapshot's mergeable_state when the snapshot was
	// fetched live; the stored record may lag a refresh behind.
	merge := pr.Mergeability()
	if fromSnapshot && snap.PR != nil {
		merge = snap.PR.Mergeability()
	}

	score, err := analysis.CalculateReadiness(&progress, &confidence, merge, s.now().UTC())
	if err != nil {
		s.logger.Error("readiness computation failed",
			zap.Int64("id", pr.ID), zap.Error(err))
		return nil, err
	}
	return &score, nil
}

// Quota returns the upstream GitHub API quota, cached briefly to keep
// dashboard polling from consuming the quota it reports.
func (s *Service) Quota(ctx context.Context) (*github.Quota, error) {
	value, _, err := s.cache.GetOrCompute(ctx, "github:rate_limit", s.quotaTTL, func(ctx context.Context) (any, error) {
		return s.collector.RateLimit(ctx)
	})
	if err != nil {
		return nil, err
	}
	quota, ok := value.(*github.Quota)
	if !ok {
		return nil, errors.New("unexpected cache value for github:rate_limit")
	}
	out := *quota
	return &out, nil
}

// snapshot fetches (or serves from cache) the PR's collected event
// data. The bool result reports whether the snapshot came from a live
// fetch on this call.
func (s *Service) snapshot(ctx context.Context, pr *types.PullRequest) (*TimelineResult, bool, error) {
	key := fmt.Sprintf("timeline:%s/%s#%d", pr.Owner, pr.Repo, pr.Number)
	value, hit, err := s.cache.GetOrCompute(ctx, key, s.timelineTTL, func(ctx context.Context) (any, error) {
		snap, err := s.collector.Snapshot(ctx, pr.Owner, pr.Repo, pr.Number)
		if err != nil {
			return nil, err
		}
		built := timeline.Build(snap.Pages...)
		if built.Dropped > 0 {
			s.logger.Warn("dropped malformed events",
				zap.String("pr", key), zap.Int("dropped", built.Dropped))
		}
		return &TimelineResult{
			PR:       snap.PR,
			Timeline: built.Timeline,
			Checks:   snap.Checks,
			Dropped:  built.Dropped,
		}, nil
	})
	if err != nil {
		return nil, false, err
	}
	result, ok := value.(*TimelineResult)
	if !ok {
		return nil, false, fmt.Errorf("unexpected cache value for %s", key)
	}
	return result, !hit, nil
}

// invalidatePR drops the PR's cached timeline and readiness entries.
func (s *Service) invalidatePR(pr *types.PullRequest) {
	s.cache.Invalidate(fmt.Sprintf("timeline:%s/%s#%d", pr.Owner, pr.Repo, pr.Number))
	s.cache.Invalidate(fmt.Sprintf("readiness:%d", pr.ID))
}
