package gatewaybridge

// NormalizedRequest is one logical operation after body serialization and URL resolution.
type NormalizedRequest struct {
	Method  string
	Path    string // operation path as supplied by the caller
	URL     string // absolute URL produced by GatewayTarget.Resolve
	Headers map[string]string
	Body    []byte
}

// NormalizedResponse is the raw result of one attempt.
type NormalizedResponse struct {
	StatusCode int
	Headers    map[string]string // lower-cased names, first value only
	Data       []byte
	Truncated  bool // body exceeded the policy's MaxResponseBytes
}

// NormalizedRateLimitInfo is the last rate-limit state the gateway reported.
type NormalizedRateLimitInfo struct {
	MaxRequests       *int
	RemainingRequests *int
	ResetRequestsAt   *int64 // unix milliseconds
}
