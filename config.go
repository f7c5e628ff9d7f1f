// config.go
// ----------
// This file defines the RequestPolicy structure: the timeout, retry, backoff and rate-limit
// settings applied uniformly to every request one client issues.
//
// A policy is copied into the client at construction and never changes afterwards, so all
// concurrent requests share the same limiter sizing and retry budget.
package gatewaybridge

import (
	"crypto/x509"
	"fmt"
	"time"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffMax       = 5 * time.Second
	DefaultRequestsPerSec   = 5.0
	DefaultMaxResponseBytes = 10 << 20
)

// RequestPolicy is immutable configuration attached to a Client at construction.
type RequestPolicy struct {
	Timeout          time.Duration // per-attempt timeout
	OperationTimeout time.Duration // default overall deadline when the caller's context has none; 0 disables
	MaxRetries       int           // retries after the first attempt
	BackoffBase      time.Duration // delay before the first retry, doubled per attempt
	BackoffMax       time.Duration // cap on a single backoff delay (jitter excluded)
	RequestsPerSec   float64       // sustained token bucket refill rate
	Burst            int           // token bucket capacity; 0 means 1
	VerifyTLS        bool
	RootCAs          *x509.CertPool // used when VerifyTLS is set; nil means system roots
	MaxResponseBytes int64          // 0 means DefaultMaxResponseBytes
}

// DefaultRequestPolicy returns the policy used by the streaming-SQL client scripts.
func DefaultRequestPolicy() RequestPolicy {
	return RequestPolicy{
		Timeout:          DefaultTimeout,
		MaxRetries:       DefaultMaxRetries,
		BackoffBase:      DefaultBackoffBase,
		BackoffMax:       DefaultBackoffMax,
		RequestsPerSec:   DefaultRequestsPerSec,
		Burst:            1,
		VerifyTLS:        true,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

// Validate reports the first invalid field.
func (p RequestPolicy) Validate() error {
	switch {
	case p.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %v", ErrInvalidConfig, p.Timeout)
	case p.OperationTimeout < 0:
		return fmt.Errorf("%w: operation timeout must not be negative, got %v", ErrInvalidConfig, p.OperationTimeout)
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, p.MaxRetries)
	case p.BackoffBase <= 0:
		return fmt.Errorf("%w: backoff base must be positive, got %v", ErrInvalidConfig, p.BackoffBase)
	case p.BackoffMax < p.BackoffBase:
		return fmt.Errorf("%w: backoff max %v is below backoff base %v", ErrInvalidConfig, p.BackoffMax, p.BackoffBase)
	case p.RequestsPerSec <= 0:
		return fmt.Errorf("%w: requests per second must be positive, got %v", ErrInvalidConfig, p.RequestsPerSec)
	case p.Burst < 0:
		return fmt.Errorf("%w: burst must not be negative, got %d", ErrInvalidConfig, p.Burst)
	case p.MaxResponseBytes < 0:
		return fmt.Errorf("%w: max response bytes must not be negative, got %d", ErrInvalidConfig, p.MaxResponseBytes)
	}
	return nil
}

func (p RequestPolicy) burst() int {
	if p.Burst == 0 {
		return 1
	}
	return p.Burst
}

func (p RequestPolicy) maxResponseBytes() int64 {
	if p.MaxResponseBytes == 0 {
		return DefaultMaxResponseBytes
	}
	return p.MaxResponseBytes
}
