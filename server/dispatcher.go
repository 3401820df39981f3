// Package server exposes processing jobs over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ivanvanderbyl/magreflow"
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Runner runs one processing job to completion.
type Runner interface {
	RunJob(ctx context.Context, mode magreflow.Mode, documentRef string, cfg magreflow.JobConfig) (*magreflow.JobResult, error)
}

// Job is a snapshot of a submitted job.
type Job struct {
	ID          string               `json:"job_id"`
	Mode        magreflow.Mode       `json:"mode"`
	DocumentRef string               `json:"pdf_file_id"`
	IssueNumber string               `json:"issue_number"`
	Status      JobStatus            `json:"status"`
	Result      *magreflow.JobResult `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

// Dispatcher runs jobs in background goroutines and remembers their
// outcome. Jobs are never cancelled once submitted.
type Dispatcher struct {
	runner Runner
	logger *slog.Logger

	// nil means unbounded
	slots chan struct{}

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxConcurrent caps the number of jobs running at once. Further jobs stay
// queued until a running one finishes. Use the pdfium pool size so a waiting
// job never times out on instance checkout.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.slots = make(chan struct{}, n)
		}
	}
}

// NewDispatcher creates a dispatcher that hands jobs to runner.
func NewDispatcher(runner Runner, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		runner: runner,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit records a job and starts it. The job runs on a context detached from
// ctx, so it outlives the request that submitted it.
func (d *Dispatcher) Submit(ctx context.Context, mode magreflow.Mode, documentRef string, cfg magreflow.JobConfig) Job {
	job := &Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Mode:        mode,
		DocumentRef: documentRef,
		IssueNumber: cfg.IssueNumber,
		Status:      StatusQueued,
		SubmittedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.jobs[job.ID] = job
	snapshot := *job
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(runCtx, job.ID, mode, documentRef, cfg)
	}()

	return snapshot
}

func (d *Dispatcher) run(ctx context.Context, id string, mode magreflow.Mode, documentRef string, cfg magreflow.JobConfig) {
	if d.slots != nil {
		d.slots <- struct{}{}
		defer func() { <-d.slots }()
	}

	d.update(id, func(j *Job) { j.Status = StatusRunning })
	logger := d.logger.With("job_id", id)

	var (
		result *magreflow.JobResult
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		result, err = d.runner.RunJob(ctx, mode, documentRef, cfg)
	}()

	finished := time.Now().UTC()
	if err != nil {
		logger.Error("job failed", "error", err)
		d.update(id, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
			j.FinishedAt = &finished
		})
		return
	}

	logger.Info("job succeeded", "slug", result.Slug, "pages", result.PageCount)
	d.update(id, func(j *Job) {
		j.Status = StatusSucceeded
		j.Result = result
		j.FinishedAt = &finished
	})
}

func (d *Dispatcher) update(id string, fn func(*Job)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job, ok := d.jobs[id]; ok {
		fn(job)
	}
}

// Get returns a snapshot of the job with the given id.
func (d *Dispatcher) Get(id string) (Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	job, ok := d.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("job panicked: %v", p.value) }
