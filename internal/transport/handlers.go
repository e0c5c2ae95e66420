package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/OWASP-BLT/BLT-Leaf/internal/service"
	"github.com/OWASP-BLT/BLT-Leaf/internal/store"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/analysis"
	"github.com/OWASP-BLT/BLT-Leaf/pkg/github"
	"go.uber.org/zap"
)

func (*Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAddPR tracks a single PR by URL, or every open PR of a
// repository when add_all is set.
func (h *Handler) handleAddPR(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PRURL  string `json:"pr_url"`
		AddAll bool   `json:"add_all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON payload")
		return
	}
	if body.PRURL == "" {
		writeError(w, http.StatusBadRequest, "a valid GitHub PR URL is required")
		return
	}

	if body.AddAll {
		added, err := h.service.AddAllOpen(r.Context(), body.PRURL)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("imported %d open PRs", added),
		})
		return
	}

	pr, err := h.service.AddPR(r.Context(), body.PRURL)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": pr})
}

func (h *Handler) handleListPRs(w http.ResponseWriter, r *http.Request) {
	var owner, repo string
	if filter := r.URL.Query().Get("repo"); filter != "" {
		var err error
		owner, repo, err = github.ParseRepoURL("https://github.com/" + filter)
		if err != nil {
			writeError(w, http.StatusBadRequest, "repo filter must be owner/name")
			return
		}
	}

	prs, err := h.service.ListPRs(r.Context(), owner, repo)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prs": prs})
}

func (h *Handler) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.service.Repos(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

func (h *Handler) handleRefreshPR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	pr, removed, err := h.service.RefreshPR(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if removed {
		status := "closed"
		if pr.Merged {
			status = "merged"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"removed": true,
			"message": fmt.Sprintf("PR has been %s and removed from tracking", status),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": pr})
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Timeline(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timeline":       result.Timeline,
		"dropped_events": result.Dropped,
	})
}

func (h *Handler) handleReviewAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	progress, err := h.service.ReviewAnalysis(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	score, cacheStatus, err := h.service.Readiness(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.metrics.CacheStatusTotal.WithLabelValues(cacheStatus).Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"overall":                score.Overall,
		"review_component":       score.ReviewComponent,
		"ci_component":           score.CIComponent,
		"mergeability_component": score.MergeabilityComponent,
		"computed_at":            score.ComputedAt,
		"cache_status":           cacheStatus,
	})
}

func (h *Handler) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	quota, err := h.service.Quota(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

// pathID parses the {id} route parameter.
func (*Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "PR ID must be a positive integer")
		return 0, false
	}
	return id, true
}

// writeServiceError maps pipeline errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var fetchErr *github.FetchError
	var compErr *analysis.ComputationError

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "PR not found")
	case errors.Is(err, github.ErrInvalidPRURL), errors.Is(err, github.ErrInvalidRepoURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrClosedPR):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &fetchErr):
		h.logger.Warn("upstream fetch failed", zap.Error(err))
		if fetchErr.StatusCode == http.StatusNotFound || fetchErr.StatusCode == http.StatusForbidden {
			writeError(w, http.StatusBadGateway, "failed to fetch PR data from GitHub")
			return
		}
		writeError(w, http.StatusBadGateway, "GitHub is unavailable")
	case errors.As(err, &compErr):
		h.logger.Error("readiness computation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
