package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OWASP-BLT/BLT-Leaf/internal/service"
	"github.com/OWASP-BLT/BLT-Leaf/internal/store"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/cache"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/github"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/ratelimit"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/timeline"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// stubCollector serves canned GitHub data to the service under test.
type stubCollector struct {
	prs       map[string]*types.PullRequest
	snapshots map[string]*github.Snapshot
	quota     *github.Quota
}

func stubKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (s *stubCollector) Snapshot(_ context.Context, owner, repo string, number int) (*github.Snapshot, error) {
	snap, ok := s.snapshots[stubKey(owner, repo, number)]
	if !ok {
		return nil, &github.FetchError{URL: "snapshot", StatusCode: 404}
	}
	return snap, nil
}

func (s *stubCollector) PullRequest(_ context.Context, owner, repo string, number int) (*types.PullRequest, error) {
	pr, ok := s.prs[stubKey(owner, repo, number)]
	if !ok {
		return nil, &github.FetchError{URL: "pr", StatusCode: 404}
	}
	out := *pr
	return &out, nil
}

func (s *stubCollector) OpenPullRequests(context.Context, string, string) ([]*types.PullRequest, error) {
	return nil, nil
}

func (s *stubCollector) RateLimit(context.Context) (*github.Quota, error) {
	return s.quota, nil
}

type fixture struct {
	server    *httptest.Server
	collector *stubCollector
	store     *store.MemoryStore
	limiter   *ratelimit.Limiter
}

func trackedPR() *types.PullRequest {
	return &types.PullRequest{
		URL:            "https://github.com/octo/widgets/pull/5",
		Owner:          "octo",
		Repo:           "widgets",
		Number:         5,
		Title:          "change",
		State:          "open",
		Author:         "alice",
		MergeableState: "clean",
		CreatedAt:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func greenSnapshot(pr *types.PullRequest) *github.Snapshot {
	return &github.Snapshot{
		PR: pr,
		Pages: []timeline.Page{{
			{Kind: "state_change", Actor: pr.Author, Timestamp: "2026-08-01T10:00:00Z", Payload: map[string]string{"state": "opened"}},
			{Kind: "check_run", Actor: "build", Timestamp: "2026-08-01T10:20:00Z", Payload: map[string]string{"name": "build", "conclusion": "success"}},
		}},
		Checks: []types.CheckResult{
			{Name: "build", Status: "completed", Conclusion: types.CheckSuccess, CompletedAt: time.Date(2026, 8, 1, 10, 20, 0, 0, time.UTC)},
		},
	}
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()

	pr := trackedPR()
	collector := &stubCollector{
		prs:       map[string]*types.PullRequest{stubKey("octo", "widgets", 5): pr},
		snapshots: map[string]*github.Snapshot{stubKey("octo", "widgets", 5): greenSnapshot(pr)},
		quota:     &github.Quota{Limit: 5000, Remaining: 4999},
	}
	memory := store.NewMemoryStore()
	limiter := ratelimit.New(time.Minute, 30)

	svc := service.New(service.Config{
		Store:     memory,
		Collector: collector,
		Cache:     cache.New(time.Minute),
	})
	handler := NewHandler(Config{
		Service:       svc,
		Limiter:       limiter,
		Registry:      prometheus.NewRegistry(),
		WebhookSecret: secret,
	})

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)
	return &fixture{server: server, collector: collector, store: memory, limiter: limiter}
}

func (f *fixture) addTrackedPR(t *testing.T) int64 {
	t.Helper()
	resp := f.postJSON(t, "/api/prs", map[string]any{"pr_url": "https://github.com/octo/widgets/pull/5"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add PR status = %d", resp.StatusCode)
	}
	var body struct {
		Data types.PullRequest `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode add response: %v", err)
	}
	return body.Data.ID
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	resp := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAddPRValidation(t *testing.T) {
	f := newFixture(t, "")

	resp := f.postJSON(t, "/api/prs", map[string]any{"pr_url": "https://github.com/octo/widgets/pull/5/files"})
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed URL status = %d, want 400", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Error("missing error message")
	}

	resp = f.postJSON(t, "/api/prs", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty URL status = %d, want 400", resp.StatusCode)
	}

	raw, err := http.Post(f.server.URL+"/api/prs", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", raw.StatusCode)
	}
}

func TestListPRsAndRepos(t *testing.T) {
	f := newFixture(t, "")
	f.addTrackedPR(t)

	body := decodeBody(t, f.get(t, "/api/prs"))
	prs, ok := body["prs"].([]any)
	if !ok || len(prs) != 1 {
		t.Errorf("prs = %v, want one entry", body["prs"])
	}

	body = decodeBody(t, f.get(t, "/api/repos"))
	repos, ok := body["repos"].([]any)
	if !ok || len(repos) != 1 {
		t.Fatalf("repos = %v, want one entry", body["repos"])
	}
	summary := repos[0].(map[string]any)
	if summary["repo_owner"] != "octo" || summary["pr_count"] != float64(1) {
		t.Errorf("repo summary = %v", summary)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	f := newFixture(t, "")
	id := f.addTrackedPR(t)

	resp := f.get(t, fmt.Sprintf("/api/prs/%d/readiness", id))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["cache_status"] != service.CacheRecomputed {
		t.Errorf("first cache_status = %v, want recomputed", body["cache_status"])
	}
	if body["overall"] != float64(100) {
		t.Errorf("overall = %v, want 100 (all green)", body["overall"])
	}

	body = decodeBody(t, f.get(t, fmt.Sprintf("/api/prs/%d/readiness", id)))
	if body["cache_status"] != service.CacheFresh {
		t.Errorf("second cache_status = %v, want fresh", body["cache_status"])
	}
}

func TestReadinessNotFound(t *testing.T) {
	f := newFixture(t, "")
	resp := f.get(t, "/api/prs/999/readiness")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTimelineEndpoint(t *testing.T) {
	f := newFixture(t, "")
	id := f.addTrackedPR(t)

	body := decodeBody(t, f.get(t, fmt.Sprintf("/api/prs/%d/timeline", id)))
	events, ok := body["timeline"].([]any)
	if !ok || len(events) != 2 {
		t.Errorf("timeline = %v, want 2 events", body["timeline"])
	}
	if body["dropped_events"] != float64(0) {
		t.Errorf("dropped_events = %v, want 0", body["dropped_events"])
	}
}

func TestRateLimitRejection(t *testing.T) {
	f := newFixture(t, "")
	id := f.addTrackedPR(t)

	path := fmt.Sprintf("/api/prs/%d/review-analysis", id)
	var last *http.Response
	for i := 0; i < 31; i++ {
		if last != nil {
			last.Body.Close()
		}
		last = f.get(t, path)
	}

	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("31st call status = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	body := decodeBody(t, last)
	if body["error"] != "rate_limited" {
		t.Errorf("error = %v, want rate_limited", body["error"])
	}
	if _, ok := body["retry_after_seconds"].(float64); !ok {
		t.Errorf("retry_after_seconds missing: %v", body)
	}
}

func TestRefreshRemovesMergedPR(t *testing.T) {
	f := newFixture(t, "")
	id := f.addTrackedPR(t)

	merged := trackedPR()
	merged.State = "closed"
	merged.Merged = true
	f.collector.prs[stubKey("octo", "widgets", 5)] = merged

	body := decodeBody(t, f.postJSON(t, fmt.Sprintf("/api/prs/%d/refresh", id), nil))
	if body["removed"] != true {
		t.Errorf("removed = %v, want true", body["removed"])
	}

	resp := f.get(t, fmt.Sprintf("/api/prs/%d/readiness", id))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("readiness after removal = %d, want 404", resp.StatusCode)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	f := newFixture(t, "")
	body := decodeBody(t, f.get(t, "/api/rate-limit"))
	if body["limit"] != float64(5000) {
		t.Errorf("limit = %v, want 5000", body["limit"])
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookPayload(state string, merged bool) []byte {
	payload, _ := json.Marshal(map[string]any{
		"action": "closed",
		"pull_request": map[string]any{
			"number": 5,
			"state":  state,
			"merged": merged,
		},
		"repository": map[string]any{
			"name":  "widgets",
			"owner": map[string]any{"login": "octo"},
		},
	})
	return payload
}

func postWebhook(t *testing.T, f *fixture, payload []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/github/webhook", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	return resp
}

func TestWebhookSignature(t *testing.T) {
	const secret = "hook-secret"
	f := newFixture(t, secret)
	f.addTrackedPR(t)
	payload := webhookPayload("closed", true)

	// Bad signature rejected.
	resp := postWebhook(t, f, payload, map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", resp.StatusCode)
	}

	// Missing signature rejected.
	resp = postWebhook(t, f, payload, map[string]string{"X-GitHub-Event": "pull_request"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing signature status = %d, want 401", resp.StatusCode)
	}

	// Valid signature removes the merged PR.
	resp = postWebhook(t, f, payload, map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-Hub-Signature-256": sign(secret, payload),
	})
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["removed"] != true {
		t.Errorf("valid webhook = %d %v, want 200 removed", resp.StatusCode, body)
	}

	if _, err := f.store.GetByURL(context.Background(), "https://github.com/octo/widgets/pull/5"); err == nil {
		t.Error("PR still tracked after merge webhook")
	}
}

func checkRunPayload(prNumbers ...int) []byte {
	refs := make([]map[string]any, 0, len(prNumbers))
	for _, n := range prNumbers {
		refs = append(refs, map[string]any{"number": n})
	}
	payload, _ := json.Marshal(map[string]any{
		"action": "completed",
		"check_run": map[string]any{
			"name":          "build",
			"status":        "completed",
			"conclusion":    "success",
			"pull_requests": refs,
		},
		"repository": map[string]any{
			"name":  "widgets",
			"owner": map[string]any{"login": "octo"},
		},
	})
	return payload
}

// check_run deliveries carry their PR reference nested under
// check_run.pull_requests, not as a top-level pull_request object.
func TestWebhookCheckRun(t *testing.T) {
	f := newFixture(t, "")
	f.addTrackedPR(t)

	resp := postWebhook(t, f, checkRunPayload(5), map[string]string{"X-GitHub-Event": "check_run"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("check_run status = %d, want 200", resp.StatusCode)
	}

	// A check run on a commit outside any PR is acknowledged, not rejected.
	resp = postWebhook(t, f, checkRunPayload(), map[string]string{"X-GitHub-Event": "check_run"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("check_run without PR refs status = %d, want 200", resp.StatusCode)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t, "")
	payload := []byte(`{"zen":"Keep it logically awesome."}`)

	resp := postWebhook(t, f, payload, map[string]string{"X-GitHub-Event": "star"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unknown event status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	f.addTrackedPR(t)

	resp := f.get(t, "/metrics")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}
