package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivanvanderbyl/magreflow"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []magreflow.Mode
	err   error
}

func (f *fakeRunner) RunJob(ctx context.Context, mode magreflow.Mode, ref string, cfg magreflow.JobConfig) (*magreflow.JobResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, mode)
	f.mu.Unlock()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &magreflow.JobResult{Status: "success", Mode: mode, Slug: magreflow.Slugify(cfg.IssueNumber), PageCount: 3}, nil
}

const validBody = `{
  "pdf_file_id": "1AbCdEfGhIjKlMnOpQrStUv",
  "config": {
    "issue_number": "Issue 42",
    "publication_date": "2024-05-01",
    "table_of_contents": [{"page": 1, "section": "Cover", "title": "Spring"}]
  }
}`

func newTestServer(t *testing.T, runner Runner) (*httptest.Server, *Dispatcher) {
	t.Helper()
	d := NewDispatcher(runner, nil)
	srv := httptest.NewServer(New(d, nil))
	t.Cleanup(srv.Close)
	return srv, d
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_SubmitAcceptsAndRuns(t *testing.T) {
	runner := &fakeRunner{}
	srv, d := newTestServer(t, runner)

	for _, tc := range []struct {
		path string
		mode magreflow.Mode
	}{
		{"/reflow", magreflow.ModeReflow},
		{"/process-pdf", magreflow.ModeInteractive},
	} {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tc.path, "application/json", strings.NewReader(validBody))
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusAccepted, resp.StatusCode)
			var accepted AcceptedResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
			assert.Equal(t, "Processing job accepted", accepted.Message)
			assert.Equal(t, "Issue 42", accepted.IssueNumber)
			require.NotEmpty(t, accepted.JobID)

			d.Wait()

			statusResp, err := http.Get(srv.URL + "/jobs/" + accepted.JobID)
			require.NoError(t, err)
			defer statusResp.Body.Close()
			require.Equal(t, http.StatusOK, statusResp.StatusCode)

			var job Job
			require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&job))
			assert.Equal(t, StatusSucceeded, job.Status)
			assert.Equal(t, tc.mode, job.Mode)
			require.NotNil(t, job.Result)
			assert.Equal(t, "issue-42", job.Result.Slug)
		})
	}

	assert.Len(t, runner.calls, 2)
}

func TestServer_RejectsInvalidRequests(t *testing.T) {
	runner := &fakeRunner{}
	srv, _ := newTestServer(t, runner)

	cases := map[string]string{
		"malformed":         `{`,
		"missing file id":   `{"config": {"issue_number": "1", "publication_date": "2024", "table_of_contents": []}}`,
		"missing issue":     `{"pdf_file_id": "x", "config": {"publication_date": "2024", "table_of_contents": []}}`,
		"missing toc":       `{"pdf_file_id": "x", "config": {"issue_number": "1", "publication_date": "2024"}}`,
		"invalid toc entry": `{"pdf_file_id": "x", "config": {"issue_number": "1", "publication_date": "2024", "table_of_contents": [{"page": 0, "section": "a", "title": "b"}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/reflow", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Empty(t, runner.calls)
}

func TestServer_FailedJob(t *testing.T) {
	srv, d := newTestServer(t, &fakeRunner{err: errors.New("document not found")})

	resp, err := http.Post(srv.URL+"/reflow", "application/json", strings.NewReader(validBody))
	require.NoError(t, err)
	var accepted AcceptedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()

	d.Wait()

	job, ok := d.Get(accepted.JobID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "document not found")
	assert.NotNil(t, job.FinishedAt)
}

func TestServer_UnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	resp, err := http.Get(srv.URL + "/jobs/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatcher_JobOutlivesRequestContext(t *testing.T) {
	runner := &fakeRunner{}
	d := NewDispatcher(runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	job := d.Submit(ctx, magreflow.ModeReflow, "ref", magreflow.JobConfig{IssueNumber: "7"})
	cancel()
	d.Wait()

	got, ok := d.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, got.Status)
}

type panickingRunner struct{}

func (panickingRunner) RunJob(context.Context, magreflow.Mode, string, magreflow.JobConfig) (*magreflow.JobResult, error) {
	panic("boom")
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(panickingRunner{}, nil)
	job := d.Submit(context.Background(), magreflow.ModeInteractive, "ref", magreflow.JobConfig{IssueNumber: "7"})
	d.Wait()

	got, ok := d.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "boom")
}

// poolRunner behaves like a processor backed by a pdfium pool of size
// len(instances): a job that finds no free instance fails at once.
type poolRunner struct {
	instances chan struct{}
	started   chan struct{}
	release   chan struct{}
}

func newPoolRunner(size int) *poolRunner {
	return &poolRunner{
		instances: make(chan struct{}, size),
		started:   make(chan struct{}, 8),
		release:   make(chan struct{}),
	}
}

func (p *poolRunner) RunJob(ctx context.Context, mode magreflow.Mode, ref string, cfg magreflow.JobConfig) (*magreflow.JobResult, error) {
	select {
	case p.instances <- struct{}{}:
	default:
		return nil, errors.New("failed to get pdfium instance")
	}
	defer func() { <-p.instances }()

	p.started <- struct{}{}
	<-p.release
	return &magreflow.JobResult{Status: "success", Mode: mode, Slug: magreflow.Slugify(cfg.IssueNumber)}, nil
}

func TestDispatcher_QueuesJobsBeyondPool(t *testing.T) {
	runner := newPoolRunner(1)
	d := NewDispatcher(runner, nil, WithMaxConcurrent(1))

	first := d.Submit(context.Background(), magreflow.ModeReflow, "a", magreflow.JobConfig{IssueNumber: "1"})
	second := d.Submit(context.Background(), magreflow.ModeReflow, "b", magreflow.JobConfig{IssueNumber: "2"})

	<-runner.started
	statuses := map[JobStatus]int{}
	for _, id := range []string{first.ID, second.ID} {
		job, ok := d.Get(id)
		require.True(t, ok)
		statuses[job.Status]++
	}
	assert.Equal(t, map[JobStatus]int{StatusRunning: 1, StatusQueued: 1}, statuses)

	close(runner.release)
	d.Wait()

	for _, id := range []string{first.ID, second.ID} {
		job, ok := d.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusSucceeded, job.Status, job.Error)
	}
}

func TestDispatcher_RunsUpToLimitAtOnce(t *testing.T) {
	runner := newPoolRunner(2)
	d := NewDispatcher(runner, nil, WithMaxConcurrent(2))

	d.Submit(context.Background(), magreflow.ModeReflow, "a", magreflow.JobConfig{IssueNumber: "1"})
	d.Submit(context.Background(), magreflow.ModeInteractive, "b", magreflow.JobConfig{IssueNumber: "2"})

	// both jobs hold an instance before either is released
	<-runner.started
	<-runner.started
	close(runner.release)
	d.Wait()
}
