// Package mock provides a scripted gateway upstream for tests.
package mock

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Response is one scripted reply.
type Response struct {
	Status  int
	Body    string
	Headers map[string]string
	Delay   time.Duration // held before replying, abandoned if the client gives up
}

// OK replies 200 with a JSON body.
func OK(body string) Response {
	return Response{Status: http.StatusOK, Body: body}
}

// Status replies with code and a JSON error body.
func Status(code int) Response {
	return Response{Status: code, Body: `{"error_message":"` + http.StatusText(code) + `"}`}
}

// RateLimited replies 429 with a Retry-After header.
func RateLimited(retryAfter string) Response {
	return Response{
		Status:  http.StatusTooManyRequests,
		Body:    `{"error":"Rate limited"}`,
		Headers: map[string]string{"Retry-After": retryAfter},
	}
}

// RecordedRequest is what the upstream saw.
type RecordedRequest struct {
	Method      string
	Path        string
	EscapedPath string
	RawQuery    string
	Header      http.Header
	Body        []byte
	At          time.Time
}

// Upstream replays its script in order; once exhausted it repeats the last entry, or
// replies 200 {} if the script was empty.
type Upstream struct {
	*httptest.Server

	mu       sync.Mutex
	script   []Response
	requests []RecordedRequest
}

// NewUpstream starts a plain-HTTP upstream. Close it when done.
func NewUpstream(script ...Response) *Upstream {
	u := &Upstream{script: script}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// NewTLSUpstream starts an upstream with a self-signed certificate.
func NewTLSUpstream(script ...Response) *Upstream {
	u := &Upstream{script: script}
	u.Server = httptest.NewTLSServer(http.HandlerFunc(u.serve))
	return u
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	n := len(u.requests)
	u.requests = append(u.requests, RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		EscapedPath: r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		Header:      r.Header.Clone(),
		Body:        body,
		At:          time.Now(),
	})
	resp := Response{Status: http.StatusOK, Body: `{}`}
	switch {
	case n < len(u.script):
		resp = u.script[n]
	case len(u.script) > 0:
		resp = u.script[len(u.script)-1]
	}
	u.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(resp.Delay):
		}
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Body != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, resp.Body)
}

// Calls returns how many requests arrived.
func (u *Upstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

// Requests returns a copy of everything received so far.
func (u *Upstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]RecordedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}
