package github

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// prURLPattern is anchored so URLs with trailing junk are rejected.
var prURLPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/pull/(\d+)$`)

// repoURLPattern accepts a repository URL with any trailing path.
var repoURLPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)(?:/.*)?$`)

// ErrInvalidPRURL is returned when a URL does not name a GitHub PR.
var ErrInvalidPRURL = errors.New("invalid GitHub PR URL, expected https://github.com/OWNER/REPO/pull/NUMBER")

// ErrInvalidRepoURL is returned when a URL does not name a GitHub repository.
var ErrInvalidRepoURL = errors.New("invalid GitHub repository URL, expected https://github.com/OWNER/REPO")

// ParsePRURL extracts owner, repo, and PR number from a GitHub pull
// request URL. A single trailing slash is tolerated.
func ParsePRURL(prURL string) (owner, repo string, number int, err error) {
	prURL = strings.TrimRight(strings.TrimSpace(prURL), "/")
	if prURL == "" {
		return "", "", 0, ErrInvalidPRURL
	}

	m := prURLPattern.FindStringSubmatch(prURL)
	if m == nil {
		return "", "", 0, ErrInvalidPRURL
	}
	number, err = strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, ErrInvalidPRURL
	}
	return m[1], m[2], number, nil
}

// ParseRepoURL extracts owner and repo from a GitHub repository URL.
// Trailing path segments are ignored, so a PR URL also parses as its
// repository.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return "", "", ErrInvalidRepoURL
	}

	m := repoURLPattern.FindStringSubmatch(repoURL)
	if m == nil {
		return "", "", ErrInvalidRepoURL
	}
	return m[1], m[2], nil
}
