// Package github fetches pull request event data from the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
)

const (
	apiBase    = "https://api.github.com"
	apiVersion = "2022-11-28"
	userAgent  = "BLT-Leaf/1.0"

	perPageLimit = 100
	maxPages     = 50 // hard ceiling so a runaway Link chain cannot loop forever
)

// Retry constants.
const (
	defaultMaxAttempts = 3
	initialRetryDelay  = 1 * time.Second
	maxRetryDelay      = 30 * time.Second
)

// Client talks to the GitHub REST API with bounded retries. One Client
// is shared by all request goroutines.
type Client struct {
	httpClient  HTTPDoer
	logger      *zap.Logger
	token       string
	appID       string
	privateKey  []byte
	tokenMu     sync.RWMutex // guards jwtToken and jwtExpiry
	jwtToken    string
	jwtExpiry   time.Time
	maxAttempts uint
	isAppAuth   bool
}

// Config holds configuration for creating a new GitHub client.
type Config struct {
	HTTPClient  HTTPDoer // optional, defaults to a timeout-bounded http.Client
	Logger      *zap.Logger
	Token       string // personal access token
	AppID       string // GitHub App ID (app auth)
	AppKeyPath  string // path to the App private key PEM (app auth)
	HTTPTimeout time.Duration
	MaxAttempts uint // retry attempts per request, 0 means default
	UseAppAuth  bool
}

// New creates a GitHub API client using a personal token or GitHub App
// authentication.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	if cfg.UseAppAuth {
		return newAppAuthClient(cfg, httpClient)
	}
	return newPersonalTokenClient(cfg, httpClient)
}

// FetchError reports a failed upstream request. StatusCode is zero when
// the request never produced a response.
type FetchError struct {
	Err        error
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("github fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("github fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// drainAndCloseBody drains and closes a response body so the underlying
// connection can be reused.
func drainAndCloseBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// doRequest makes an HTTP request to the GitHub API with retry on rate
// limiting and server errors. The caller owns the returned body.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body any) (*http.Response, error) {
	if c.isAppAuth {
		if err := c.refreshJWTIfNeeded(); err != nil {
			return nil, fmt.Errorf("refresh JWT: %w", err)
		}
	}

	sanitized := sanitizeURL(apiURL)
	c.logger.Debug("github request", zap.String("method", method), zap.String("url", sanitized))

	var resp *http.Response
	err := retryWithBackoff(ctx, c.logger, c.maxAttempts, method+" "+sanitized, func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyBytes, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request body: %w", err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.setAuthHeaders(req)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		req.Header.Set("User-Agent", userAgent)
		if method == http.MethodPost || method == http.MethodPatch || method == http.MethodPut {
			req.Header.Set("Content-Type", "application/json")
		}

		localResp, err := c.httpClient.Do(req) //nolint:bodyclose // closed below or handed to the caller
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if localResp.StatusCode == http.StatusTooManyRequests {
			drainAndCloseBody(localResp.Body)
			c.logger.Warn("github rate limited, retrying",
				zap.String("method", method), zap.String("url", sanitized))
			return fmt.Errorf("http %d: rate limited", localResp.StatusCode)
		}
		if localResp.StatusCode >= http.StatusInternalServerError && localResp.StatusCode < 600 {
			drainAndCloseBody(localResp.Body)
			c.logger.Warn("github server error, retrying",
				zap.String("method", method), zap.String("url", sanitized),
				zap.Int("status", localResp.StatusCode))
			return fmt.Errorf("http %d: server error", localResp.StatusCode)
		}

		resp = localResp
		return nil
	})
	if err != nil {
		return nil, &FetchError{URL: sanitized, Err: err}
	}

	c.logger.Debug("github response", zap.String("method", method),
		zap.String("url", sanitized), zap.Int("status", resp.StatusCode))
	return resp, nil
}

// getJSON performs a GET and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, apiURL string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, apiURL, nil) //nolint:bodyclose // closed via drainAndCloseBody
	if err != nil {
		return err
	}
	defer drainAndCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &FetchError{URL: sanitizeURL(apiURL), StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{URL: sanitizeURL(apiURL), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// fetchPaginated fetches every page of a list endpoint by following
// Link rel="next" headers.
func (c *Client) fetchPaginated(ctx context.Context, apiURL string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	current := apiURL

	for page := 0; current != "" && page < maxPages; page++ {
		items, next, err := func() ([]json.RawMessage, string, error) {
			resp, err := c.doRequest(ctx, http.MethodGet, current, nil)
			if err != nil {
				return nil, "", err
			}
			defer drainAndCloseBody(resp.Body)

			if resp.StatusCode != http.StatusOK {
				return nil, "", &FetchError{URL: sanitizeURL(current), StatusCode: resp.StatusCode}
			}
			var items []json.RawMessage
			if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
				return nil, "", &FetchError{URL: sanitizeURL(current), Err: fmt.Errorf("decode page: %w", err)}
			}
			return items, nextPageURL(resp.Header.Get("Link")), nil
		}()
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		current = next
	}

	return all, nil
}

// nextPageURL extracts the rel="next" target from a Link header, or
// returns "" when there is no next page.
func nextPageURL(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for _, link := range strings.Split(linkHeader, ",") {
		if !strings.Contains(link, `rel="next"`) {
			continue
		}
		target := strings.TrimSpace(strings.SplitN(link, ";", 2)[0])
		if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
			return target[1 : len(target)-1]
		}
	}
	return ""
}

// sanitizeURL strips query parameters from a URL for logging.
func sanitizeURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "(unparsable url)"
	}
	u.RawQuery = ""
	return u.String()
}

// retryWithBackoff executes fn with exponential backoff and jitter,
// retrying only on rate limits, server errors, and transient network
// failures.
func retryWithBackoff(ctx context.Context, logger *zap.Logger, attempts uint, operation string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(initialRetryDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(initialRetryDelay/4),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("retrying github request",
				zap.String("operation", operation),
				zap.Uint("attempt", n+1),
				zap.Uint("max_attempts", attempts),
				zap.Error(err))
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if err == nil {
				return false
			}
			errStr := err.Error()
			return strings.Contains(errStr, "rate limited") ||
				strings.Contains(errStr, "server error") ||
				strings.Contains(errStr, "connection refused") ||
				strings.Contains(errStr, "timeout") ||
				strings.Contains(errStr, "EOF")
		}),
	)
}
