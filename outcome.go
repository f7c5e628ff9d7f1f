package gatewaybridge

import (
	"encoding/json"
	"fmt"
)

// OutcomeKind tags the result of one logical operation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeAuthFailure
	OutcomeNotFound
	OutcomeRateLimited
	OutcomeTransientFailure
	OutcomeFatalFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthFailure:
		return "auth failure"
	case OutcomeNotFound:
		return "not found"
	case OutcomeRateLimited:
		return "rate limited"
	case OutcomeTransientFailure:
		return "transient failure"
	case OutcomeFatalFailure:
		return "fatal failure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Retryable reports whether the engine retries this kind.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeRateLimited || k == OutcomeTransientFailure
}

func (k OutcomeKind) sentinel() error {
	switch k {
	case OutcomeAuthFailure:
		return ErrAuthFailure
	case OutcomeNotFound:
		return ErrNotFound
	case OutcomeRateLimited:
		return ErrRateLimited
	case OutcomeTransientFailure:
		return ErrTransient
	case OutcomeFatalFailure:
		return ErrFatal
	default:
		return nil
	}
}

// Outcome is the classified result of Client.Execute. Exactly one Kind applies; Body is set
// only for OutcomeSuccess.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       json.RawMessage
	Attempts   int
	RequestID  string

	err *RequestError
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// Err returns nil on success and a *RequestError otherwise.
func (o Outcome) Err() error {
	if o.Kind == OutcomeSuccess || o.err == nil {
		return nil
	}
	return o.err
}

// Decode unmarshals a successful body into v. Non-success outcomes return Err().
func (o Outcome) Decode(v any) error {
	if err := o.Err(); err != nil {
		return err
	}
	if len(o.Body) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(o.Body, v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrFatal, err)
	}
	return nil
}

func successOutcome(status int, body []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, StatusCode: status, Body: json.RawMessage(body)}
}

func failureOutcome(kind OutcomeKind, req *NormalizedRequest, status int, message string, cause error) Outcome {
	return Outcome{
		Kind:       kind,
		StatusCode: status,
		err: &RequestError{
			Kind:       kind,
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: status,
			Message:    message,
			Cause:      cause,
		},
	}
}

// finish stamps the attempt count and request id on the outcome and its error.
func (o Outcome) finish(attempts int, requestID string) Outcome {
	o.Attempts = attempts
	o.RequestID = requestID
	if o.err != nil {
		e := *o.err
		e.Attempts = attempts
		o.err = &e
	}
	return o
}
