package github

import "net/http"

// HTTPDoer is the transport used for API requests. It allows HTTP
// calls to be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
