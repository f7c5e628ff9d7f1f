// sdk.go
// ------
// The sdk.go file contains the Client, the main entry point of the SDK for users.
//
// Key functionalities include:
// - Constructing a client with NewClient() from a GatewayTarget, a CredentialHolder and a
//   RequestPolicy. Configuration errors are returned here and nowhere else.
// - Running logical operations via client.Execute(), which never fails with a plain error:
//   every call ends in exactly one classified Outcome.
// - Reporting request statistics and the last rate-limit info the gateway sent.
//
// The Client relies on a RateLimiter and a RequestExecutor to handle rate limiting and
// retries. One Client is safe for concurrent use by any number of goroutines.
package gatewaybridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	headerRequestID   = "X-Request-ID"
	headerContextPath = "X-ProxyContextPath"
	headerUserAgent   = "User-Agent"
	defaultUserAgent  = "gateway-bridge/1"
)

type Client struct {
	target      *GatewayTarget
	credentials *CredentialHolder
	policy      RequestPolicy
	httpClient  Doer
	rateLimiter *RateLimiter
	executor    *RequestExecutor
	logger      *slog.Logger
	now         func() time.Time

	sendContextHeader bool
	userAgent         string

	stats clientStats
}

// NewClient validates its inputs and returns a ready client. The policy is copied; later
// changes to the caller's value have no effect.
func NewClient(target *GatewayTarget, credentials *CredentialHolder, policy RequestPolicy, opts ...Option) (*Client, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: gateway target is required", ErrInvalidConfig)
	}
	if credentials == nil || credentials.Current() == nil {
		return nil, fmt.Errorf("%w: credential holder is required", ErrInvalidConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		target:      target,
		credentials: credentials,
		policy:      policy,
		rateLimiter: NewRateLimiter(policy.RequestsPerSec, policy.burst()),
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		userAgent:   defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(policy)
	}
	c.executor = NewRequestExecutor(c)

	if exp, ok := credentials.Current().Expiry(); ok {
		c.logger.Debug("client ready", "target", target.Base()+target.ContextPath(), "credential_expires", exp)
	} else {
		c.logger.Debug("client ready", "target", target.Base()+target.ContextPath())
	}
	return c, nil
}

// Execute runs one logical operation: method against the operation path relative to the
// gateway context, with body (if non-nil) sent as JSON. The context bounds the whole
// operation including rate-limit waits and retries.
func (c *Client) Execute(ctx context.Context, method, path string, body any) Outcome {
	requestID := uuid.NewString()
	c.stats.operations.Add(1)

	req := &NormalizedRequest{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		Path:   path,
		Headers: map[string]string{
			headerRequestID: requestID,
			headerUserAgent: c.userAgent,
		},
	}
	if c.sendContextHeader && c.target.ContextPath() != "" {
		req.Headers[headerContextPath] = c.target.ContextPath()
	}

	outcome := c.prepare(req, body)
	if outcome == nil {
		if _, ok := ctx.Deadline(); !ok && c.policy.OperationTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.policy.OperationTimeout)
			defer cancel()
		}
		o := c.executor.ExecuteWithRetry(ctx, req)
		outcome = &o
	} else {
		*outcome = outcome.finish(0, requestID)
	}

	c.stats.record(outcome.Kind)
	level := slog.LevelDebug
	if !outcome.OK() {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "request finished",
		"request_id", requestID,
		"method", req.Method,
		"path", path,
		"outcome", outcome.Kind.String(),
		"status", outcome.StatusCode,
		"attempts", outcome.Attempts,
		"err", outcome.Err(),
	)
	return *outcome
}

// prepare runs the local checks that must pass before any network call. A non-nil result
// is the terminal outcome.
func (c *Client) prepare(req *NormalizedRequest, body any) *Outcome {
	if c.credentials.IsExpired(c.now()) {
		o := failureOutcome(OutcomeAuthFailure, req, 0, "", ErrCredentialExpired)
		return &o
	}
	if req.Method == "" || strings.ContainsAny(req.Method, " \t/") {
		o := failureOutcome(OutcomeFatalFailure, req, 0, "", fmt.Errorf("%w: invalid method %q", ErrInvalidConfig, req.Method))
		return &o
	}

	url, err := c.target.Resolve(req.Path)
	if err != nil {
		o := failureOutcome(OutcomeFatalFailure, req, 0, "", err)
		return &o
	}
	req.URL = url

	payload, err := encodeBody(body)
	if err != nil {
		o := failureOutcome(OutcomeFatalFailure, req, 0, "", err)
		return &o
	}
	req.Body = payload
	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("encode request body: raw message is not valid JSON")
		}
		return b, nil
	case []byte:
		if !json.Valid(b) {
			return nil, fmt.Errorf("encode request body: bytes are not valid JSON")
		}
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}

// Get is Execute with GET and no body.
func (c *Client) Get(ctx context.Context, path string) Outcome {
	return c.Execute(ctx, http.MethodGet, path, nil)
}

// Post is Execute with POST.
func (c *Client) Post(ctx context.Context, path string, body any) Outcome {
	return c.Execute(ctx, http.MethodPost, path, body)
}

// Policy returns a copy of the client's policy.
func (c *Client) Policy() RequestPolicy {
	return c.policy
}

// Target returns the resolved gateway target.
func (c *Client) Target() *GatewayTarget {
	return c.target
}

// Credentials returns the holder, for rotation by the caller.
func (c *Client) Credentials() *CredentialHolder {
	return c.credentials
}

// RateLimitInfo returns the last rate-limit info the gateway reported, or nil.
func (c *Client) RateLimitInfo() *NormalizedRateLimitInfo {
	return c.rateLimiter.GetRateLimitInfo()
}

// Stats holds request counters.
type Stats struct {
	Operations        uint64
	Attempts          uint64
	Retries           uint64
	Successes         uint64
	AuthFailures      uint64
	NotFound          uint64
	RateLimited       uint64
	TransientFailures uint64
	FatalFailures     uint64
}

type clientStats struct {
	operations atomic.Uint64
	attempts   atomic.Uint64
	retries    atomic.Uint64
	byKind     [OutcomeFatalFailure + 1]atomic.Uint64
}

func (s *clientStats) record(kind OutcomeKind) {
	if kind >= 0 && int(kind) < len(s.byKind) {
		s.byKind[kind].Add(1)
	}
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	s := &c.stats
	return Stats{
		Operations:        s.operations.Load(),
		Attempts:          s.attempts.Load(),
		Retries:           s.retries.Load(),
		Successes:         s.byKind[OutcomeSuccess].Load(),
		AuthFailures:      s.byKind[OutcomeAuthFailure].Load(),
		NotFound:          s.byKind[OutcomeNotFound].Load(),
		RateLimited:       s.byKind[OutcomeRateLimited].Load(),
		TransientFailures: s.byKind[OutcomeTransientFailure].Load(),
		FatalFailures:     s.byKind[OutcomeFatalFailure].Load(),
	}
}
