// request_executor.go
// -------------------
// This file defines the RequestExecutor, which runs one logical operation to completion:
// acquire a rate-limit slot, dispatch with the per-attempt timeout, classify the result,
// and retry RateLimited / TransientFailure outcomes with exponential backoff and jitter.
//
// Exhausting the retry budget returns the last classified Outcome unchanged. When the
// caller's deadline passes, in-flight work is abandoned and a timeout TransientFailure is
// returned.
package gatewaybridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// RequestExecutor handles retry logic, backoff, and consulting the RateLimiter.
type RequestExecutor struct {
	client *Client
}

func NewRequestExecutor(client *Client) *RequestExecutor {
	return &RequestExecutor{client: client}
}

func (re *RequestExecutor) ExecuteWithRetry(ctx context.Context, req *NormalizedRequest) Outcome {
	c := re.client
	policy := c.policy
	log := c.logger.With("request_id", req.Headers[headerRequestID], "method", req.Method, "path", req.Path)

	var last Outcome
	attempts := 0
	for {
		if err := c.rateLimiter.Acquire(ctx); err != nil {
			log.Debug("gave up waiting for rate limit slot", "attempt", attempts+1, "err", err)
			return re.abandon(req, err, last).finish(attempts, req.Headers[headerRequestID])
		}

		cred := c.credentials.Current()
		if cred.IsExpired(c.now()) {
			return failureOutcome(OutcomeAuthFailure, req, 0, "", ErrCredentialExpired).finish(attempts, req.Headers[headerRequestID])
		}

		attempts++
		c.stats.attempts.Add(1)
		log.Debug("sending request", "attempt", attempts)

		resp, err := re.dispatch(ctx, req, cred)
		var hint *NormalizedRateLimitInfo
		if resp != nil {
			hint = c.rateLimiter.UpdateRateLimits(resp, c.now())
		}
		outcome := re.classify(ctx, req, resp, err)

		if !outcome.Kind.Retryable() {
			return outcome.finish(attempts, req.Headers[headerRequestID])
		}
		if ctx.Err() != nil {
			if err != nil {
				// the attempt itself was cut off by the caller's deadline
				return outcome.finish(attempts, req.Headers[headerRequestID])
			}
			return re.abandon(req, ctx.Err(), outcome).finish(attempts, req.Headers[headerRequestID])
		}
		if attempts > policy.MaxRetries {
			log.Debug("max retries reached", "attempts", attempts, "outcome", outcome.Kind)
			return outcome.finish(attempts, req.Headers[headerRequestID])
		}

		wait := re.calculateBackoff(attempts - 1)
		if outcome.Kind == OutcomeRateLimited {
			wait = re.waitForRateLimit(wait, hint)
		}
		log.Debug("retrying", "attempt", attempts, "outcome", outcome.Kind, "status", outcome.StatusCode, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return re.abandon(req, ctx.Err(), outcome).finish(attempts, req.Headers[headerRequestID])
		case <-timer.C:
		}
		c.stats.retries.Add(1)
		last = outcome
	}
}

// dispatch sends one attempt under the per-attempt timeout with the given credential snapshot.
func (re *RequestExecutor) dispatch(ctx context.Context, req *NormalizedRequest, cred *Credential) (*NormalizedResponse, error) {
	c := re.client
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFatal, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token())
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := c.policy.maxResponseBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	truncated := int64(len(data)) > limit
	if truncated {
		data = data[:limit]
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[strings.ToLower(k)] = vals[0]
		}
	}

	return &NormalizedResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Data:       data,
		Truncated:  truncated,
	}, nil
}

// classify maps one attempt's result to exactly one Outcome.
func (re *RequestExecutor) classify(ctx context.Context, req *NormalizedRequest, resp *NormalizedResponse, err error) Outcome {
	if err != nil {
		switch {
		case errors.Is(err, ErrFatal):
			return failureOutcome(OutcomeFatalFailure, req, 0, "", err)
		case ctx.Err() != nil:
			return failureOutcome(OutcomeTransientFailure, req, 0, "", contextCause(ctx.Err()))
		case isTimeout(err):
			return failureOutcome(OutcomeTransientFailure, req, 0, "", fmt.Errorf("%w: attempt exceeded %v: %v", ErrTimeout, re.client.policy.Timeout, err))
		case isTLSConfigError(err):
			return failureOutcome(OutcomeFatalFailure, req, 0, "", err)
		default:
			return failureOutcome(OutcomeTransientFailure, req, 0, "", err)
		}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		if resp.Truncated {
			return failureOutcome(OutcomeFatalFailure, req, status, "", fmt.Errorf("response exceeds %d bytes", re.client.policy.maxResponseBytes()))
		}
		data := bytes.TrimSpace(resp.Data)
		if len(data) == 0 {
			return successOutcome(status, nil)
		}
		if !json.Valid(data) {
			return failureOutcome(OutcomeFatalFailure, req, status, "", errors.New("response body is not valid JSON"))
		}
		return successOutcome(status, data)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failureOutcome(OutcomeAuthFailure, req, status, upstreamMessage(resp.Data), nil)
	case status == http.StatusNotFound:
		return failureOutcome(OutcomeNotFound, req, status, upstreamMessage(resp.Data), nil)
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return failureOutcome(OutcomeRateLimited, req, status, upstreamMessage(resp.Data), nil)
	case status >= 500:
		return failureOutcome(OutcomeTransientFailure, req, status, upstreamMessage(resp.Data), nil)
	default:
		msg := upstreamMessage(resp.Data)
		if loc := resp.Headers["location"]; loc != "" && status >= 300 && status < 400 {
			msg = "redirected to " + loc
		}
		return failureOutcome(OutcomeFatalFailure, req, status, msg, nil)
	}
}

// abandon builds the outcome for an operation whose context ended, or whose slot wait
// could not fit in the deadline.
func (re *RequestExecutor) abandon(req *NormalizedRequest, err error, last Outcome) Outcome {
	cause := contextCause(err)
	if last.err != nil {
		cause = fmt.Errorf("%w (last attempt: %s)", cause, last.err.Error())
	}
	return failureOutcome(OutcomeTransientFailure, req, 0, "", cause)
}

func contextCause(err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: deadline exceeded", ErrTimeout)
	default:
		return err
	}
}

// waitForRateLimit stretches a backoff to the reset advertised by the attempt's own response,
// within BackoffMax.
func (re *RequestExecutor) waitForRateLimit(backoff time.Duration, hint *NormalizedRateLimitInfo) time.Duration {
	c := re.client
	delay := hint.resetDelay(c.now())
	delay = min(delay, c.policy.BackoffMax)
	return max(backoff, delay)
}

// calculateBackoff returns base * 2^attempt, capped at BackoffMax, plus up to 25% jitter.
func (re *RequestExecutor) calculateBackoff(attempt int) time.Duration {
	p := re.client.policy
	backoff := p.BackoffMax
	if attempt < 32 {
		if d := p.BackoffBase << attempt; d > 0 && d < p.BackoffMax {
			backoff = d
		}
	}
	if quarter := int64(backoff / 4); quarter > 0 {
		backoff += time.Duration(rand.Int64N(quarter + 1))
	}
	return backoff
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isTLSConfigError reports failures that retrying cannot fix: untrusted certificates and
// plain-HTTP endpoints addressed as https.
func isTLSConfigError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

// upstreamMessage extracts the service's error text from a response body.
func upstreamMessage(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err == nil {
		for _, key := range []string{"error_message", "message", "error"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	const maxText = 256
	text := string(data)
	if len(text) > maxText {
		text = text[:maxText] + "..."
	}
	return text
}
