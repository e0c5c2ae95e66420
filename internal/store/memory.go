package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// MemoryStore is an in-memory PRStore for development and tests.
type MemoryStore struct {
	now    func() time.Time
	byID   map[int64]*types.PullRequest
	byURL  map[string]int64
	nextID int64
	mu     sync.RWMutex
}

var _ PRStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		byID:   make(map[int64]*types.PullRequest),
		byURL:  make(map[string]int64),
		nextID: 1,
	}
}

// WithClock overrides the store's time source. For tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Upsert inserts or refreshes a record keyed by PR URL.
func (s *MemoryStore) Upsert(_ context.Context, pr *types.PullRequest) (*types.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *pr
	if id, ok := s.byURL[pr.URL]; ok {
		stored.ID = id
		stored.CreatedAt = s.byID[id].CreatedAt
	} else {
		stored.ID = s.nextID
		s.nextID++
		stored.CreatedAt = s.now()
		s.byURL[stored.URL] = stored.ID
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	s.byID[stored.ID] = &stored

	out := stored
	return &out, nil
}

// Get returns the record with the given ID.
func (s *MemoryStore) Get(_ context.Context, id int64) (*types.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *pr
	return &out, nil
}

// GetByURL returns the record with the given PR URL.
func (s *MemoryStore) GetByURL(_ context.Context, url string) (*types.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byURL[url]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s.byID[id]
	return &out, nil
}

// List returns open, unmerged PRs, newest activity first.
func (s *MemoryStore) List(_ context.Context, owner, repo string) ([]*types.PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prs := make([]*types.PullRequest, 0, len(s.byID))
	for _, pr := range s.byID {
		if pr.Merged || pr.State != "open" {
			continue
		}
		if owner != "" && repo != "" && (pr.Owner != owner || pr.Repo != repo) {
			continue
		}
		out := *pr
		prs = append(prs, &out)
	}
	sort.Slice(prs, func(i, j int) bool {
		if !prs[i].UpdatedAt.Equal(prs[j].UpdatedAt) {
			return prs[i].UpdatedAt.After(prs[j].UpdatedAt)
		}
		return prs[i].ID < prs[j].ID
	})
	return prs, nil
}

// Delete removes a record by ID.
func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byURL, pr.URL)
	delete(s.byID, id)
	return nil
}

// Repos lists distinct repositories with open PR counts.
func (s *MemoryStore) Repos(_ context.Context) ([]RepoSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[[2]string]int)
	for _, pr := range s.byID {
		if pr.Merged || pr.State != "open" {
			continue
		}
		counts[[2]string{pr.Owner, pr.Repo}]++
	}

	repos := make([]RepoSummary, 0, len(counts))
	for key, count := range counts {
		repos = append(repos, RepoSummary{Owner: key[0], Name: key[1], PRCount: count})
	}
	sort.Slice(repos, func(i, j int) bool {
		if repos[i].Owner != repos[j].Owner {
			return repos[i].Owner < repos[j].Owner
		}
		return repos[i].Name < repos[j].Name
	})
	return repos, nil
}
