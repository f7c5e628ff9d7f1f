// rate_limiter.go
// ----------------
// This file defines the RateLimiter type, the single shared mutable resource of a client.
//
// Responsibilities:
// - Handing out dispatch slots from a token bucket sized by the RequestPolicy. Waiting callers
//   are suspended (not spinning) until a slot frees up or their context ends.
// - Storing the last rate-limit info the gateway reported in response headers, for
//   Client.RateLimitInfo.
// - Calculating how long a throttled operation should wait before its next attempt when its
//   own response said when the window resets. Another operation's hint never applies.
package gatewaybridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opengovern/gateway-bridge/internal"
)

type RateLimiter struct {
	limiter *rate.Limiter

	mu   sync.Mutex
	info *NormalizedRateLimitInfo
}

func NewRateLimiter(requestsPerSec float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
	}
}

// Acquire blocks until a slot is available. It fails with ErrTimeout when the context's
// deadline would pass first, or with the context's error when it is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		// rate.Limiter reports "would exceed context deadline" before the deadline passes.
		return fmt.Errorf("%w: waiting for rate limit slot: %v", ErrTimeout, err)
	}
	return nil
}

// UpdateRateLimits parses the gateway's rate-limit headers and stores them if present. The
// parsed info of this response is returned so the caller can act on it alone; nil when the
// response carried no rate-limit headers.
func (r *RateLimiter) UpdateRateLimits(resp *NormalizedResponse, now time.Time) *NormalizedRateLimitInfo {
	info := parseRateLimitInfo(resp, now)
	if info == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *info
	r.info = &stored
	return info
}

// resetDelay returns how long to wait until the advertised window resets, or 0 if it has
// not been exhausted.
func (i *NormalizedRateLimitInfo) resetDelay(now time.Time) time.Duration {
	if i == nil || i.RemainingRequests == nil || *i.RemainingRequests > 0 || i.ResetRequestsAt == nil {
		return 0
	}
	if !internal.IsInFuture(*i.ResetRequestsAt, now) {
		return 0
	}
	return time.UnixMilli(*i.ResetRequestsAt).Sub(now)
}

// GetRateLimitInfo returns a copy of the last reported rate-limit info, or nil.
func (r *RateLimiter) GetRateLimitInfo() *NormalizedRateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.info == nil {
		return nil
	}
	copyInfo := *r.info
	return &copyInfo
}

func parseRateLimitInfo(resp *NormalizedResponse, now time.Time) *NormalizedRateLimitInfo {
	if resp == nil {
		return nil
	}
	h := resp.Headers
	parseInt := func(key string) *int {
		if val, ok := h[key]; ok {
			if i, err := strconv.Atoi(val); err == nil {
				return &i
			}
		}
		return nil
	}

	info := &NormalizedRateLimitInfo{
		MaxRequests:       parseInt("x-ratelimit-limit"),
		RemainingRequests: parseInt("x-ratelimit-remaining"),
	}
	if val, ok := h["x-ratelimit-reset"]; ok {
		if ms, ok := internal.ParseResetHeader(val, now); ok {
			info.ResetRequestsAt = &ms
		}
	}

	// retry-after only comes with 429/503; it wins if it points further out.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d := internal.ParseRetryAfter(h["retry-after"], now); d > 0 {
			future := now.Add(d).UnixMilli()
			if info.ResetRequestsAt == nil || future > *info.ResetRequestsAt {
				info.ResetRequestsAt = &future
			}
			if info.RemainingRequests == nil {
				zero := 0
				info.RemainingRequests = &zero
			}
		}
	}

	if info.MaxRequests == nil && info.RemainingRequests == nil && info.ResetRequestsAt == nil {
		return nil
	}
	return info
}
