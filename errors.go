// errors.go
// ---------
// This file defines the error taxonomy shared by the credential holder and the request engine.
//
// Every non-successful Outcome carries a *RequestError whose kind sentinel can be matched with
// errors.Is, e.g. errors.Is(outcome.Err(), ErrAuthFailure). Construction-time problems
// (bad gateway base, corrupt token, invalid policy) are returned directly as wrapped sentinels.
package gatewaybridge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCorruptCredential indicates a malformed bearer token. It is neither "expired" nor
	// "valid" and the token must be replaced before any request is attempted.
	ErrCorruptCredential = errors.New("corrupt credential")

	// ErrCredentialExpired indicates the held token's exp claim is in the past.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrInvalidConfig indicates a client could not be constructed from the supplied values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidPath indicates an operation path was empty, absolute, or escaped the context path.
	ErrInvalidPath = errors.New("invalid operation path")

	// ErrTimeout indicates the overall deadline or a per-attempt timeout elapsed.
	ErrTimeout = errors.New("request timeout")
)

// Kind sentinels, one per non-success Outcome variant.
var (
	ErrAuthFailure = errors.New("authentication failed")
	ErrNotFound    = errors.New("resource not found")
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient failure")
	ErrFatal       = errors.New("fatal failure")
)

// RequestError describes a classified request failure.
type RequestError struct {
	Kind       OutcomeKind
	Method     string
	Path       string
	StatusCode int    // 0 when no response was received
	Message    string // upstream error_message / message field, if any
	Attempts   int
	Cause      error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d %s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

// Is matches the sentinel belonging to the error's kind.
func (e *RequestError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}
