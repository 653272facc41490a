// Package orchestrator implements the bounded worker pool that drives jobs
// from the inbound queue to a terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archival-systems/fetcherd/internal/fetch"
	"github.com/archival-systems/fetcherd/internal/metrics"
)

// Processor drives one job to a terminal status.
type Processor interface {
	Process(ctx context.Context, job fetch.Job) fetch.Job
}

// Config controls pool sizing and job deadlines.
type Config struct {
	Workers int
	// JobTimeout is applied when a submitted job carries no deadline.
	JobTimeout time.Duration
	// ReportTimeout bounds the fire-and-forget status sink call.
	ReportTimeout time.Duration
}

// Orchestrator owns the worker pool, in-flight tracking and run statistics.
// Statistics are initialized at construction and reset explicitly on
// shutdown; they are exposed only through Stats().
type Orchestrator struct {
	queue  fetch.Queue
	store  fetch.MetadataStore
	proc   Processor
	sink   fetch.StatusSink
	clock  fetch.Clock
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	inflight  map[string]struct{}
	submitted int
	running   int
	succeeded int
	failed    int
}

// New constructs an Orchestrator.
func New(
	queue fetch.Queue,
	store fetch.MetadataStore,
	proc Processor,
	sink fetch.StatusSink,
	clock fetch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Minute
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 2 * time.Second
	}
	return &Orchestrator{
		queue:    queue,
		store:    store,
		proc:     proc,
		sink:     sink,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Submit records and enqueues a job. Blocks only when the bounded inbound
// queue is full (backpressure). A job id already queued or running is
// rejected rather than run twice.
func (o *Orchestrator) Submit(ctx context.Context, job fetch.Job, done func(err error)) error {
	o.mu.Lock()
	if _, dup := o.inflight[job.ID]; dup {
		o.mu.Unlock()
		return fmt.Errorf("job %s is already queued or running", job.ID)
	}
	o.inflight[job.ID] = struct{}{}
	o.mu.Unlock()

	job.Status = fetch.JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = o.clock.Now()
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.forget(job.ID)
		return fmt.Errorf("create job: %w", err)
	}

	item := fetch.QueueItem{Job: job, Submitted: o.clock.Now().UnixMilli(), Done: done}
	if err := o.queue.Enqueue(ctx, item); err != nil {
		o.forget(job.ID)
		return fmt.Errorf("enqueue job: %w", err)
	}

	o.mu.Lock()
	o.submitted++
	o.mu.Unlock()
	metrics.SetQueueDepth(o.queue.Depth())
	o.logger.Debug("job submitted", zap.String("job_id", job.ID))
	return nil
}

// Run blocks, fanning queue work out to the worker pool until the context
// finishes, then resets statistics.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	o.resetStats()
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		item, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(o.queue.Depth())
		o.processItem(ctx, item)
	}
}

// processItem drives one dequeued job to exactly one terminal status, then
// acknowledges the inbound source.
func (o *Orchestrator) processItem(ctx context.Context, item fetch.QueueItem) {
	job := item.Job
	o.markRunning()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := o.store.UpdateJobStatus(ctx, job.ID, fetch.JobStatusRunning, "", job.Retries); err != nil {
		o.logger.Error("update job status failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	deadline := job.Deadline
	if deadline.IsZero() {
		deadline = o.clock.Now().Add(o.cfg.JobTimeout)
	}
	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	final := o.proc.Process(jobCtx, job)
	cancel()

	if !final.Status.IsTerminal() {
		// The processor must terminate every job; treat anything else as a
		// failure so no job is left ambiguous.
		final.Status = fetch.JobStatusFailed
		if final.ErrorText == "" {
			final.ErrorText = "job ended without terminal status"
		}
	}

	recordErr := o.store.UpdateJobStatus(ctx, job.ID, final.Status, final.ErrorText, final.Retries)
	if recordErr != nil {
		o.logger.Error("final job status update failed", zap.String("job_id", job.ID), zap.Error(recordErr))
	}

	o.finishStats(final.Status)
	metrics.ObserveJob(string(job.SourceType), string(final.Status))
	o.report(final)
	o.forget(job.ID)

	if item.Done != nil {
		item.Done(recordErr)
	}
}

// report notifies the status sink without letting it hold a worker.
func (o *Orchestrator) report(job fetch.Job) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReportTimeout)
	defer cancel()
	o.sink.Report(ctx, job.ID, job.Status, map[string]string{
		"channel_id":   job.ChannelID,
		"source_type":  string(job.SourceType),
		"error":        job.ErrorText,
		"human_review": fmt.Sprintf("%t", job.HumanReview),
	})
}

// QueryStatus returns the persisted job state.
func (o *Orchestrator) QueryStatus(ctx context.Context, jobID string) (fetch.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// Stats returns a point-in-time snapshot of the run counters.
func (o *Orchestrator) Stats() fetch.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fetch.Stats{
		Submitted: o.submitted,
		Running:   o.running,
		Succeeded: o.succeeded,
		Failed:    o.failed,
		Queued:    o.queue.Depth(),
	}
}

func (o *Orchestrator) markRunning() {
	o.mu.Lock()
	o.running++
	o.mu.Unlock()
}

func (o *Orchestrator) finishStats(status fetch.JobStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running--
	if status == fetch.JobStatusSucceeded {
		o.succeeded++
	} else {
		o.failed++
	}
}

func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	delete(o.inflight, jobID)
	o.mu.Unlock()
}

func (o *Orchestrator) resetStats() {
	o.mu.Lock()
	o.submitted = 0
	o.running = 0
	o.succeeded = 0
	o.failed = 0
	o.mu.Unlock()
}
