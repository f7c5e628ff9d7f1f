package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	gatewaybridge "github.com/opengovern/gateway-bridge"
)

// Sampling defaults used by the streaming-SQL console. A query run with these values gets no
// explicit job_config.
const (
	DefaultSampleInterval = 1000
	DefaultSampleCount    = 100
	DefaultWindowSize     = 100

	sampleAllCount = 10000
)

// SSBAdapter exposes the streaming-SQL service's REST operations on top of a gateway client.
// Each operation maps to one REST call; a non-success outcome is returned as its
// *gatewaybridge.RequestError.
type SSBAdapter struct {
	client *gatewaybridge.Client
}

func NewSSBAdapter(client *gatewaybridge.Client) *SSBAdapter {
	return &SSBAdapter{client: client}
}

// Client returns the underlying gateway client.
func (s *SSBAdapter) Client() *gatewaybridge.Client {
	return s.client
}

type Job struct {
	JobID      int    `json:"job_id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	SampleID   string `json:"sample_id,omitempty"`
	FlinkJobID string `json:"flink_job_id,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
	SQL        string `json:"sql,omitempty"`
}

// Running reports whether the job state is RUNNING.
func (j Job) Running() bool {
	return strings.EqualFold(j.State, "RUNNING")
}

type JobList struct {
	Jobs []Job `json:"jobs"`
}

// Sampling configures how a SQL job samples its output. The zero value means console
// defaults.
type Sampling struct {
	Interval    int
	Count       int
	WindowSize  int
	AllMessages bool
	JobName     string // generated when empty
}

type runtimeConfig struct {
	ExecutionMode      string `json:"execution_mode"`
	Parallelism        int    `json:"parallelism"`
	SampleInterval     int    `json:"sample_interval"`
	SampleCount        int    `json:"sample_count"`
	WindowSize         int    `json:"window_size"`
	StartWithSavepoint bool   `json:"start_with_savepoint"`
}

type jobConfig struct {
	JobName       string        `json:"job_name"`
	RuntimeConfig runtimeConfig `json:"runtime_config"`
}

type sqlRequest struct {
	SQL       string     `json:"sql"`
	JobConfig *jobConfig `json:"job_config,omitempty"`
}

// SQLResult is the response of sql/execute. Type is "job" when a streaming job was started.
type SQLResult struct {
	Type       string          `json:"type"`
	JobID      int             `json:"job_id,omitempty"`
	FlinkJobID string          `json:"flink_job_id,omitempty"`
	SampleID   string          `json:"sample_id,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// IsJob reports whether the statement started a streaming job.
func (r *SQLResult) IsJob() bool {
	return r.Type == "job"
}

type Sample struct {
	JobStatus string            `json:"job_status"`
	Records   []json.RawMessage `json:"records"`
}

// ListJobs returns all jobs visible to the caller.
func (s *SSBAdapter) ListJobs(ctx context.Context) (*JobList, error) {
	var out JobList
	if err := s.do(ctx, http.MethodGet, "jobs", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob finds a job by id in the job list. A missing id is reported as ErrNotFound.
func (s *SSBAdapter) GetJob(ctx context.Context, jobID int) (*Job, error) {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs.Jobs {
		if jobs.Jobs[i].JobID == jobID {
			return &jobs.Jobs[i], nil
		}
	}
	return nil, fmt.Errorf("job %d: %w", jobID, gatewaybridge.ErrNotFound)
}

// JobSampleSummary is a job together with the state of its sample.
type JobSampleSummary struct {
	Job
	SampleRecords int
	SampleStatus  string // job_status reported by the sample, "no_sample_id" or "error"
}

// ListJobsWithSamples lists jobs and fetches each job's sample with at most maxParallel
// requests in flight. A failed sample fetch marks that job "error"; an auth failure aborts.
func (s *SSBAdapter) ListJobsWithSamples(ctx context.Context, maxParallel int) ([]JobSampleSummary, error) {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	if maxParallel < 1 {
		maxParallel = 1
	}

	out := make([]JobSampleSummary, len(jobs.Jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, job := range jobs.Jobs {
		out[i].Job = job
		if job.SampleID == "" {
			out[i].SampleStatus = "no_sample_id"
			continue
		}
		g.Go(func() error {
			sample, err := s.GetSample(ctx, job.SampleID)
			switch {
			case errors.Is(err, gatewaybridge.ErrAuthFailure):
				return fmt.Errorf("sample for job %d: %w", job.JobID, err)
			case err != nil:
				out[i].SampleStatus = "error"
				return nil
			}
			out[i].SampleRecords = len(sample.Records)
			out[i].SampleStatus = sample.JobStatus
			if out[i].SampleStatus == "" {
				out[i].SampleStatus = "unknown"
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// StopJob stops a job, optionally taking a savepoint first.
func (s *SSBAdapter) StopJob(ctx context.Context, jobID int, savepoint bool) (json.RawMessage, error) {
	var out json.RawMessage
	body := map[string]bool{"savepoint": savepoint}
	if err := s.do(ctx, http.MethodPost, jobPath(jobID, "stop"), body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteJob restarts a job with new SQL.
func (s *SSBAdapter) ExecuteJob(ctx context.Context, jobID int, sql string) (json.RawMessage, error) {
	stmt, err := normalizeSQL(sql)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := s.do(ctx, http.MethodPost, jobPath(jobID, "execute"), sqlRequest{SQL: stmt}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SSBAdapter) JobEvents(ctx context.Context, jobID int) (json.RawMessage, error) {
	return s.getRaw(ctx, jobPath(jobID, "events"))
}

func (s *SSBAdapter) JobState(ctx context.Context, jobID int) (json.RawMessage, error) {
	return s.getRaw(ctx, jobPath(jobID, "state"))
}

// ExecuteSQL runs a statement. A trailing semicolon is added when missing; non-default
// sampling adds a session job_config.
func (s *SSBAdapter) ExecuteSQL(ctx context.Context, sql string, sampling Sampling) (*SQLResult, error) {
	stmt, err := normalizeSQL(sql)
	if err != nil {
		return nil, err
	}
	req := sqlRequest{SQL: stmt, JobConfig: sampling.jobConfig()}

	var raw json.RawMessage
	if err := s.do(ctx, http.MethodPost, "sql/execute", req, &raw); err != nil {
		return nil, err
	}
	out := &SQLResult{Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("%w: decode sql result: %v", gatewaybridge.ErrFatal, err)
		}
	}
	return out, nil
}

// AnalyzeSQL asks the service to validate a statement without running it.
func (s *SSBAdapter) AnalyzeSQL(ctx context.Context, sql string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.do(ctx, http.MethodPost, "sql/analyze", map[string]string{"sql": sql}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SSBAdapter) ListTables(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "tables")
}

func (s *SSBAdapter) TableTree(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "tables/tree")
}

func (s *SSBAdapter) ListConnectors(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "ddl/connectors")
}

func (s *SSBAdapter) ListDataSources(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "data-sources")
}

// GetSample fetches the sampled output of a job.
func (s *SSBAdapter) GetSample(ctx context.Context, sampleID string) (*Sample, error) {
	seg, err := pathSegment(sampleID)
	if err != nil {
		return nil, err
	}
	var out Sample
	if err := s.do(ctx, http.MethodGet, "samples/"+seg, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SSBAdapter) DiagnosticCounters(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "diag/counters")
}

// Heartbeat is the cheapest authenticated call the service offers.
func (s *SSBAdapter) Heartbeat(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "heartbeat")
}

// CurrentUser returns the user the bearer token belongs to.
func (s *SSBAdapter) CurrentUser(ctx context.Context) (json.RawMessage, error) {
	return s.getRaw(ctx, "user")
}

func (s *SSBAdapter) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SSBAdapter) do(ctx context.Context, method, path string, body, v any) error {
	outcome := s.client.Execute(ctx, method, path, body)
	if err := outcome.Err(); err != nil {
		return err
	}
	return outcome.Decode(v)
}

func (sm Sampling) jobConfig() *jobConfig {
	rc := runtimeConfig{ExecutionMode: "SESSION", Parallelism: 1}
	switch {
	case sm.AllMessages:
		rc.SampleInterval = 0
		rc.SampleCount = sampleAllCount
		rc.WindowSize = sampleAllCount
	case sm.custom():
		rc.SampleInterval = orDefault(sm.Interval, DefaultSampleInterval)
		rc.SampleCount = orDefault(sm.Count, DefaultSampleCount)
		rc.WindowSize = orDefault(sm.WindowSize, DefaultWindowSize)
	default:
		return nil
	}
	name := sm.JobName
	if name == "" {
		name = "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return &jobConfig{JobName: name, RuntimeConfig: rc}
}

func (sm Sampling) custom() bool {
	return orDefault(sm.Interval, DefaultSampleInterval) != DefaultSampleInterval ||
		orDefault(sm.Count, DefaultSampleCount) != DefaultSampleCount ||
		orDefault(sm.WindowSize, DefaultWindowSize) != DefaultWindowSize
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func normalizeSQL(sql string) (string, error) {
	stmt := strings.TrimSpace(sql)
	if stmt == "" {
		return "", fmt.Errorf("%w: empty SQL statement", gatewaybridge.ErrFatal)
	}
	if !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	return stmt, nil
}

func jobPath(jobID int, action string) string {
	return "jobs/" + strconv.Itoa(jobID) + "/" + action
}

// pathSegment escapes an identifier for use as a single path segment.
func pathSegment(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: bad identifier %q", gatewaybridge.ErrInvalidPath, id)
	}
	return url.PathEscape(id), nil
}
