package gatewaybridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengovern/gateway-bridge/mock"
)

const testContextPath = "/gateway/cdp-proxy-api/ssb-sse-api/api/v1"

func testPolicy() RequestPolicy {
	p := DefaultRequestPolicy()
	p.Timeout = 2 * time.Second
	p.BackoffBase = 10 * time.Millisecond
	p.BackoffMax = 100 * time.Millisecond
	p.RequestsPerSec = 1000
	p.Burst = 100
	return p
}

func newTestClient(t *testing.T, baseURL string, policy RequestPolicy, opts ...Option) (*Client, string) {
	t.Helper()
	token := mock.TokenExpiringAt(time.Now().Add(time.Hour))
	holder, err := NewCredentialHolderFromToken(token)
	require.NoError(t, err)
	target, err := NewGatewayTarget(baseURL, testContextPath)
	require.NoError(t, err)
	c, err := NewClient(target, holder, policy, opts...)
	require.NoError(t, err)
	return c, token
}

func TestExecute_Success(t *testing.T) {
	up := mock.NewUpstream(mock.OK(`{"jobs":[{"job_id":1,"name":"orders"}]}`))
	defer up.Close()
	c, token := newTestClient(t, up.URL, testPolicy())

	out := c.Execute(context.Background(), "get", "jobs", nil)
	require.Equal(t, OutcomeSuccess, out.Kind, "err = %v", out.Err())
	require.NoError(t, out.Err())
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.RequestID)

	var body struct {
		Jobs []struct {
			JobID int    `json:"job_id"`
			Name  string `json:"name"`
		} `json:"jobs"`
	}
	require.NoError(t, out.Decode(&body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "orders", body.Jobs[0].Name)

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, testContextPath+"/jobs", reqs[0].Path)
	assert.Equal(t, "Bearer "+token, reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
	assert.Empty(t, reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, out.RequestID, reqs[0].Header.Get("X-Request-ID"))
	assert.Empty(t, reqs[0].Header.Get("X-ProxyContextPath"))
}

func TestExecute_PostSendsJSON(t *testing.T) {
	up := mock.NewUpstream(mock.OK(`{"type":"job","job_id":7}`))
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	out := c.Post(context.Background(), "/sql/execute", map[string]string{"sql": "SELECT 1;"})
	require.True(t, out.OK(), "err = %v", out.Err())

	reqs := up.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"sql":"SELECT 1;"}`, string(reqs[0].Body))
}

func TestExecute_RawJSONBody(t *testing.T) {
	up := mock.NewUpstream(mock.OK(`{}`))
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	out := c.Execute(context.Background(), http.MethodPut, "user/settings", json.RawMessage(`{"theme":"dark"}`))
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.JSONEq(t, `{"theme":"dark"}`, string(up.Requests()[0].Body))

	out = c.Execute(context.Background(), http.MethodPut, "user/settings", []byte(`{not json`))
	assert.Equal(t, OutcomeFatalFailure, out.Kind)
	assert.Equal(t, 1, up.Calls())
}

func TestExecute_ProxyContextHeader(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy(), WithProxyContextHeader(), WithUserAgent("ssb-probe/test"))

	require.True(t, c.Get(context.Background(), "heartbeat").OK())
	h := up.Requests()[0].Header
	assert.Equal(t, testContextPath, h.Get("X-ProxyContextPath"))
	assert.Equal(t, "ssb-probe/test", h.Get("User-Agent"))
}

func TestExecute_TerminalStatusesAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   OutcomeKind
		target error
	}{
		{"unauthorized", http.StatusUnauthorized, OutcomeAuthFailure, ErrAuthFailure},
		{"forbidden", http.StatusForbidden, OutcomeAuthFailure, ErrAuthFailure},
		{"not found", http.StatusNotFound, OutcomeNotFound, ErrNotFound},
		{"bad request", http.StatusBadRequest, OutcomeFatalFailure, ErrFatal},
		{"conflict", http.StatusConflict, OutcomeFatalFailure, ErrFatal},
		{"not implemented is transient", http.StatusNotImplemented, OutcomeTransientFailure, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := mock.NewUpstream(mock.Status(tt.status))
			defer up.Close()
			policy := testPolicy()
			policy.MaxRetries = 3
			if tt.kind.Retryable() {
				policy.MaxRetries = 0
			}
			c, _ := newTestClient(t, up.URL, policy)

			out := c.Get(context.Background(), "jobs")
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.status, out.StatusCode)
			assert.Equal(t, 1, up.Calls(), "terminal outcomes must not be retried")
			assert.Equal(t, 1, out.Attempts)

			err := out.Err()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "err = %v", err)

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, http.StatusText(tt.status), reqErr.Message)
			assert.Nil(t, out.Body)
			assert.ErrorIs(t, out.Decode(&struct{}{}), tt.target)
		})
	}
}

func TestExecute_AuthFailureIssuesZeroRetries(t *testing.T) {
	up := mock.NewUpstream(mock.Status(http.StatusUnauthorized))
	defer up.Close()
	policy := testPolicy()
	policy.MaxRetries = 5
	c, _ := newTestClient(t, up.URL, policy)

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeAuthFailure, out.Kind)
	assert.Equal(t, 1, up.Calls())
	assert.Equal(t, uint64(0), c.Stats().Retries)
}

func TestExecute_RetriesServiceUnavailableThenSucceeds(t *testing.T) {
	up := mock.NewUpstream(
		mock.Status(http.StatusServiceUnavailable),
		mock.Status(http.StatusServiceUnavailable),
		mock.OK(`{"status":"ok"}`),
	)
	defer up.Close()
	policy := testPolicy()
	policy.MaxRetries = 2
	policy.BackoffBase = 50 * time.Millisecond
	policy.BackoffMax = time.Second
	c, _ := newTestClient(t, up.URL, policy)

	start := time.Now()
	out := c.Get(context.Background(), "heartbeat")
	elapsed := time.Since(start)

	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Equal(t, 3, up.Calls())
	assert.Equal(t, 3, out.Attempts)
	// two backoff delays: 50ms then 100ms
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Operations)
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(1), stats.Successes)
}

func TestExecute_ExhaustedRetriesReturnLastOutcome(t *testing.T) {
	tests := []struct {
		name   string
		resp   mock.Response
		kind   OutcomeKind
		status int
	}{
		{"server error", mock.Status(http.StatusBadGateway), OutcomeTransientFailure, http.StatusBadGateway},
		{"too many requests", mock.Status(http.StatusTooManyRequests), OutcomeRateLimited, http.StatusTooManyRequests},
		{"service unavailable", mock.Status(http.StatusServiceUnavailable), OutcomeRateLimited, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := mock.NewUpstream(tt.resp)
			defer up.Close()
			policy := testPolicy()
			policy.MaxRetries = 2
			c, _ := newTestClient(t, up.URL, policy)

			out := c.Get(context.Background(), "jobs")
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.status, out.StatusCode)
			assert.Equal(t, 3, up.Calls())
			assert.Equal(t, 3, out.Attempts)
			assert.Contains(t, out.Err().Error(), "after 3 attempts")
		})
	}
}

func TestExecute_HonoursRetryAfter(t *testing.T) {
	up := mock.NewUpstream(mock.RateLimited("1"), mock.OK(`{}`))
	defer up.Close()
	policy := testPolicy()
	policy.BackoffMax = 2 * time.Second
	c, _ := newTestClient(t, up.URL, policy)

	start := time.Now()
	out := c.Get(context.Background(), "jobs")
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	info := c.RateLimitInfo()
	require.NotNil(t, info)
	require.NotNil(t, info.ResetRequestsAt)
}

func TestExecute_RetryAfterIsCappedByBackoffMax(t *testing.T) {
	up := mock.NewUpstream(mock.RateLimited("3600"), mock.OK(`{}`))
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	start := time.Now()
	out := c.Get(context.Background(), "jobs")
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_RetryAfterOnlyDelaysItsOwnOperation(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := path.Base(r.URL.Path)
		mu.Lock()
		calls[op]++
		n := calls[op]
		mu.Unlock()

		switch {
		case op == "throttled" && n == 1:
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		case op == "unavailable" && n == 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	policy := testPolicy()
	policy.BackoffMax = 3 * time.Second
	c, _ := newTestClient(t, srv.URL, policy)

	throttled := make(chan Outcome, 1)
	go func() { throttled <- c.Get(context.Background(), "throttled") }()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	out := c.Get(context.Background(), "unavailable")
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Equal(t, 2, out.Attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	first := <-throttled
	require.True(t, first.OK(), "err = %v", first.Err())
	assert.Equal(t, 2, first.Attempts)
}

func TestExecute_SuccessBodyMustBeJSON(t *testing.T) {
	up := mock.NewUpstream(mock.Response{Status: http.StatusOK, Body: "<html>login</html>", Headers: map[string]string{"Content-Type": "text/html"}})
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeFatalFailure, out.Kind)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, 1, up.Calls())
}

func TestExecute_EmptySuccessBody(t *testing.T) {
	up := mock.NewUpstream(mock.Response{Status: http.StatusNoContent})
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	out := c.Execute(context.Background(), http.MethodDelete, "api-keys/3", nil)
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Empty(t, out.Body)
	var v map[string]any
	require.NoError(t, out.Decode(&v))
	assert.Nil(t, v)
}

func TestExecute_RedirectIsFatal(t *testing.T) {
	up := mock.NewUpstream(mock.Response{
		Status:  http.StatusFound,
		Headers: map[string]string{"Location": "https://sso.example.com/login"},
	})
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeFatalFailure, out.Kind)
	assert.Contains(t, out.Err().Error(), "redirected to https://sso.example.com/login")
}

func TestExecute_ResponseSizeLimit(t *testing.T) {
	up := mock.NewUpstream(mock.OK(`{"data":"` + strings.Repeat("x", 64) + `"}`))
	defer up.Close()
	policy := testPolicy()
	policy.MaxResponseBytes = 16
	c, _ := newTestClient(t, up.URL, policy)

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeFatalFailure, out.Kind)
	assert.Contains(t, out.Err().Error(), "exceeds 16 bytes")
}

func TestExecute_PreflightRejectsExpiredCredential(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())
	require.NoError(t, c.Credentials().Rotate(mock.TokenExpiringAt(time.Now().Add(-time.Minute))))

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeAuthFailure, out.Kind)
	assert.ErrorIs(t, out.Err(), ErrCredentialExpired)
	assert.ErrorIs(t, out.Err(), ErrAuthFailure)
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, 0, up.Calls())
}

func TestExecute_PreflightUsesClock(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	exp := time.Now().Add(time.Hour)
	later := func() time.Time { return exp.Add(time.Second) }
	c, _ := newTestClient(t, up.URL, testPolicy(), WithClock(later))
	require.NoError(t, c.Credentials().Rotate(mock.TokenExpiringAt(exp)))

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeAuthFailure, out.Kind)
	assert.Equal(t, 0, up.Calls())
}

func TestExecute_EscapedSlashStaysInOneSegment(t *testing.T) {
	up := mock.NewUpstream(mock.OK(`{}`))
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	out := c.Get(context.Background(), "samples/a%2Fb")
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Equal(t, testContextPath+"/samples/a%2Fb", up.Requests()[0].EscapedPath)
}

func TestExecute_RejectedBeforeDispatch(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		target error
	}{
		{"empty path", http.MethodGet, "", nil, ErrInvalidPath},
		{"whitespace path", http.MethodGet, "   ", nil, ErrInvalidPath},
		{"absolute url", http.MethodGet, "https://evil.example.com/jobs", nil, ErrInvalidPath},
		{"escaping path", http.MethodGet, "../admin", nil, ErrInvalidPath},
		{"unserializable body", http.MethodPost, "jobs", map[string]any{"ch": make(chan int)}, nil},
		{"empty method", "", "jobs", nil, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := c.Execute(context.Background(), tt.method, tt.path, tt.body)
			assert.Equal(t, OutcomeFatalFailure, out.Kind)
			assert.ErrorIs(t, out.Err(), ErrFatal)
			if tt.target != nil {
				assert.ErrorIs(t, out.Err(), tt.target)
			}
			assert.Equal(t, 0, out.Attempts)
		})
	}
	assert.Equal(t, 0, up.Calls())
}

func TestExecute_DeadlineShorterThanRetries(t *testing.T) {
	up := mock.NewUpstream(mock.Status(http.StatusServiceUnavailable))
	defer up.Close()
	policy := testPolicy()
	policy.MaxRetries = 10
	policy.BackoffBase = 200 * time.Millisecond
	policy.BackoffMax = 2 * time.Second
	c, _ := newTestClient(t, up.URL, policy)

	const deadline = 300 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	start := time.Now()
	out := c.Get(ctx, "jobs")
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err(), ErrTimeout)
	assert.Less(t, elapsed, deadline+200*time.Millisecond)
	assert.Less(t, up.Calls(), 11)
}

func TestExecute_DeadlineAbandonsHangingAttempt(t *testing.T) {
	up := mock.NewUpstream(mock.Response{Status: http.StatusOK, Body: `{}`, Delay: 5 * time.Second})
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := c.Get(ctx, "jobs")
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err(), ErrTimeout)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecute_OperationTimeoutFromPolicy(t *testing.T) {
	up := mock.NewUpstream(mock.Response{Status: http.StatusOK, Body: `{}`, Delay: 5 * time.Second})
	defer up.Close()
	policy := testPolicy()
	policy.OperationTimeout = 100 * time.Millisecond
	c, _ := newTestClient(t, up.URL, policy)

	start := time.Now()
	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err(), ErrTimeout)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestExecute_PerAttemptTimeoutIsRetried(t *testing.T) {
	up := mock.NewUpstream(
		mock.Response{Status: http.StatusOK, Body: `{}`, Delay: 2 * time.Second},
		mock.OK(`{"second":true}`),
	)
	defer up.Close()
	policy := testPolicy()
	policy.Timeout = 100 * time.Millisecond
	policy.MaxRetries = 1
	c, _ := newTestClient(t, up.URL, policy)

	out := c.Get(context.Background(), "jobs")
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Equal(t, 2, out.Attempts)
	assert.JSONEq(t, `{"second":true}`, string(out.Body))
}

func TestExecute_CancelledContext(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Get(ctx, "jobs")
	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err(), context.Canceled)
	assert.Equal(t, 0, up.Calls())
}

func TestExecute_ConnectionRefusedIsTransient(t *testing.T) {
	up := mock.NewUpstream()
	addr := up.URL
	up.Close()

	policy := testPolicy()
	policy.MaxRetries = 1
	c, _ := newTestClient(t, addr, policy)

	out := c.Get(context.Background(), "jobs")
	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.Equal(t, 0, out.StatusCode)
	assert.Equal(t, 2, out.Attempts)
}

func TestExecute_TLSVerification(t *testing.T) {
	up := mock.NewTLSUpstream(mock.OK(`{"ok":true}`))
	defer up.Close()

	t.Run("self-signed certificate is fatal", func(t *testing.T) {
		c, _ := newTestClient(t, up.URL, testPolicy())
		out := c.Get(context.Background(), "jobs")
		assert.Equal(t, OutcomeFatalFailure, out.Kind)
		assert.Equal(t, 1, out.Attempts)
	})

	t.Run("verification disabled", func(t *testing.T) {
		policy := testPolicy()
		policy.VerifyTLS = false
		c, _ := newTestClient(t, up.URL, policy)
		out := c.Get(context.Background(), "jobs")
		require.True(t, out.OK(), "err = %v", out.Err())
	})

	t.Run("custom root pool", func(t *testing.T) {
		policy := testPolicy()
		policy.RootCAs = up.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
		c, _ := newTestClient(t, up.URL, policy)
		out := c.Get(context.Background(), "jobs")
		require.True(t, out.OK(), "err = %v", out.Err())
	})
}

func TestExecute_RotationAppliesToNewRequests(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	c, first := newTestClient(t, up.URL, testPolicy())

	require.True(t, c.Get(context.Background(), "jobs").OK())
	second := mock.TokenExpiringAt(time.Now().Add(2 * time.Hour))
	require.NoError(t, c.Credentials().Rotate(second))
	require.True(t, c.Get(context.Background(), "jobs").OK())

	reqs := up.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer "+first, reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "Bearer "+second, reqs[1].Header.Get("Authorization"))
}

func TestExecute_InFlightRequestKeepsSnapshot(t *testing.T) {
	up := mock.NewUpstream(mock.Response{Status: http.StatusOK, Body: `{}`, Delay: 200 * time.Millisecond})
	defer up.Close()
	c, first := newTestClient(t, up.URL, testPolicy())

	done := make(chan Outcome)
	go func() { done <- c.Get(context.Background(), "jobs") }()

	require.Eventually(t, func() bool { return up.Calls() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Credentials().Rotate(mock.TokenWithoutExpiry()))

	out := <-done
	require.True(t, out.OK(), "err = %v", out.Err())
	assert.Equal(t, "Bearer "+first, up.Requests()[0].Header.Get("Authorization"))
}

func TestExecute_ConcurrentCallers(t *testing.T) {
	up := mock.NewUpstream(mock.OK(`{"ok":true}`))
	defer up.Close()
	c, _ := newTestClient(t, up.URL, testPolicy())

	const n = 50
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Get(context.Background(), "jobs")
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool, n)
	for _, out := range results {
		assert.True(t, out.OK())
		ids[out.RequestID] = true
	}
	assert.Len(t, ids, n)
	assert.Equal(t, n, up.Calls())
	assert.Equal(t, uint64(n), c.Stats().Successes)
}

func TestExecute_RateLimiterThrottlesConcurrentCallers(t *testing.T) {
	if testing.Short() {
		t.Skip("takes ~3s")
	}
	up := mock.NewUpstream(mock.OK(`{}`))
	defer up.Close()

	const rps = 5
	policy := testPolicy()
	policy.RequestsPerSec = rps
	policy.Burst = 1
	c, _ := newTestClient(t, up.URL, policy)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3*rps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, c.Get(context.Background(), "jobs").OK())
		}()
	}
	wg.Wait()

	// 15 slots at 5/s with a burst of one: the last slot is granted at 2.8s.
	assert.GreaterOrEqual(t, time.Since(start), 2700*time.Millisecond)
	assert.Equal(t, 3*rps, up.Calls())
}

func TestExecute_SlotWaitBeyondDeadlineFailsFast(t *testing.T) {
	up := mock.NewUpstream()
	defer up.Close()
	policy := testPolicy()
	policy.RequestsPerSec = 0.5
	policy.Burst = 1
	c, _ := newTestClient(t, up.URL, policy)

	require.True(t, c.Get(context.Background(), "jobs").OK())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	out := c.Get(ctx, "jobs")

	assert.Equal(t, OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err(), ErrTimeout)
	assert.Equal(t, 0, out.Attempts)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 1, up.Calls())
}

func TestNewClient_InvalidConfig(t *testing.T) {
	holder, err := NewCredentialHolderFromToken(mock.TokenWithoutExpiry())
	require.NoError(t, err)
	target, err := NewGatewayTarget("https://gw.example.com", "ssb/api/v1")
	require.NoError(t, err)

	mutate := []struct {
		name string
		fn   func(p *RequestPolicy)
	}{
		{"zero timeout", func(p *RequestPolicy) { p.Timeout = 0 }},
		{"negative retries", func(p *RequestPolicy) { p.MaxRetries = -1 }},
		{"zero backoff", func(p *RequestPolicy) { p.BackoffBase = 0 }},
		{"cap below base", func(p *RequestPolicy) { p.BackoffMax = p.BackoffBase / 2 }},
		{"zero rps", func(p *RequestPolicy) { p.RequestsPerSec = 0 }},
		{"negative burst", func(p *RequestPolicy) { p.Burst = -1 }},
		{"negative operation timeout", func(p *RequestPolicy) { p.OperationTimeout = -time.Second }},
	}
	for _, tt := range mutate {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRequestPolicy()
			tt.fn(&p)
			_, err := NewClient(target, holder, p)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err = NewClient(nil, holder, DefaultRequestPolicy())
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewClient(target, nil, DefaultRequestPolicy())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClient_PolicyIsACopy(t *testing.T) {
	holder, err := NewCredentialHolderFromToken(mock.TokenWithoutExpiry())
	require.NoError(t, err)
	target, err := NewGatewayTarget("https://gw.example.com", "ssb/api/v1")
	require.NoError(t, err)

	p := DefaultRequestPolicy()
	c, err := NewClient(target, holder, p)
	require.NoError(t, err)

	p.MaxRetries = 99
	assert.Equal(t, DefaultMaxRetries, c.Policy().MaxRetries)
}

func TestCalculateBackoff(t *testing.T) {
	holder, err := NewCredentialHolderFromToken(mock.TokenWithoutExpiry())
	require.NoError(t, err)
	target, err := NewGatewayTarget("https://gw.example.com", "")
	require.NoError(t, err)
	p := DefaultRequestPolicy()
	p.BackoffBase = 100 * time.Millisecond
	p.BackoffMax = time.Second
	c, err := NewClient(target, holder, p)
	require.NoError(t, err)

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := c.executor.calculateBackoff(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.base, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.base+tt.base/4, "attempt %d", tt.attempt)
		}
	}
}

func TestOutcomeKind_Retryable(t *testing.T) {
	retryable := map[OutcomeKind]bool{
		OutcomeSuccess:          false,
		OutcomeAuthFailure:      false,
		OutcomeNotFound:         false,
		OutcomeRateLimited:      true,
		OutcomeTransientFailure: true,
		OutcomeFatalFailure:     false,
	}
	for kind, want := range retryable {
		assert.Equal(t, want, kind.Retryable(), kind.String())
	}
}
