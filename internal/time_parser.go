// internal/time_parser.go
// ------------------------
// This internal package parses the timing headers a gateway attaches to throttled responses.
//
// Functions:
// - ParseRetryAfter: Retry-After in delta-seconds or HTTP-date form, as a duration from now.
// - ParseResetHeader: x-ratelimit-reset style values (unix seconds, unix ms, or "1m30s") as unix ms.
// - UnixToMs: Convert a UNIX timestamp in seconds to milliseconds.
// - IsInFuture: Check if a given timestamp (ms) is after now.
package internal

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter returns the wait a Retry-After value asks for, or 0 if it is absent,
// unparseable or already past.
func ParseRetryAfter(val string, now time.Time) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}

	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0
		}
		if secs >= math.MaxInt64/float64(time.Second) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(math.Ceil(secs)) * time.Second
	}

	t, err := http.ParseTime(val)
	if err != nil {
		return 0
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ParseResetHeader interprets a reset header relative to now and returns unix milliseconds.
// Large integers are treated as absolute timestamps (seconds or milliseconds), small ones
// and Go-style durations as an offset from now.
func ParseResetHeader(val string, now time.Time) (int64, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}

	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		switch {
		case n < 0:
			return 0, false
		case n > 1e12:
			return n, true
		case n > 1e9:
			return UnixToMs(n), true
		default:
			return now.UnixMilli() + n*1000, true
		}
	}

	if d, err := time.ParseDuration(val); err == nil && d >= 0 {
		return now.Add(d).UnixMilli(), true
	}
	return 0, false
}

// UnixToMs converts a UNIX timestamp in seconds to milliseconds.
func UnixToMs(timestamp int64) int64 {
	return timestamp * 1000
}

// IsInFuture checks if a timestamp (in ms) is after now.
func IsInFuture(ms int64, now time.Time) bool {
	return ms > now.UnixMilli()
}
