package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// verifySignature checks the X-Hub-Signature-256 header against the
// HMAC-SHA256 of the body. An empty secret disables verification.
func verifySignature(secret string, body []byte, signatureHeader string) bool {
	if secret == "" {
		return true
	}
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// handleWebhook processes GitHub webhook deliveries. PRs closed or
// merged upstream are dropped from tracking; updated PRs get refreshed
// and their cache entries invalidated.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	if h.webhookSecret == "" {
		h.logger.Warn("webhook secret not configured, skipping signature verification")
	}
	if !verifySignature(h.webhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var payload struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number int    `json:"number"`
			State  string `json:"state"`
			Merged bool   `json:"merged"`
		} `json:"pull_request"`
		// check_run deliveries nest PR references inside the check run
		// rather than carrying a top-level pull_request object.
		CheckRun struct {
			PullRequests []struct {
				Number int `json:"number"`
			} `json:"pull_requests"`
		} `json:"check_run"`
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "pull_request":
	case "pull_request_review", "check_run":
		// Review and check activity invalidates the PR's caches via the
		// refresh path below when the payload names a tracked PR.
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	owner := payload.Repository.Owner.Login
	repo := payload.Repository.Name
	number := payload.PullRequest.Number
	if event == "check_run" {
		if number == 0 && len(payload.CheckRun.PullRequests) > 0 {
			number = payload.CheckRun.PullRequests[0].Number
		}
		if number == 0 {
			// Check runs on commits outside any PR carry no PR reference.
			writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
			return
		}
	}
	if owner == "" || repo == "" || number == 0 {
		writeError(w, http.StatusBadRequest, "missing required PR data")
		return
	}
	prURL := fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, number)

	finished := event == "pull_request" &&
		(payload.PullRequest.Merged || payload.PullRequest.State == "closed")
	if finished {
		removed, err := h.service.RemoveByURL(r.Context(), prURL)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		if !removed {
			writeJSON(w, http.StatusOK, map[string]string{"message": "PR not tracked"})
			return
		}
		h.logger.Info("webhook removed finished PR",
			zap.String("pr", prURL), zap.String("action", payload.Action))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": true})
		return
	}

	if err := h.service.RefreshByURL(r.Context(), prURL); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
