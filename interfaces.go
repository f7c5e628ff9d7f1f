package gatewaybridge

import "net/http"

// Doer sends a single HTTP request. *http.Client implements it; tests and callers with
// their own transport stack can supply another via WithHTTPClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
