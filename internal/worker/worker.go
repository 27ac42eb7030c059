package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchLimit   = 25
)

// Queue is the part of the job queue a worker needs.
type Queue interface {
	ClaimNext(ctx context.Context, filter repository.ClaimFilter) (*domain.Job, error)
	Complete(ctx context.Context, id string, result interface{}) error
	Fail(ctx context.Context, id string, cause error) (*domain.Job, error)
}

// Options configures a Worker.
type Options struct {
	Name         string
	Filter       repository.ClaimFilter
	BatchLimit   int
	PollInterval time.Duration
}

// Worker runs the claim, dispatch and reconcile loop. Workers share nothing in
// memory; the queue's atomic claim is the only coordination between them.
type Worker struct {
	queue  Queue
	router *Router
	opts   Options
}

// BatchResult counts what one ProcessBatch call did.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (b *BatchResult) add(o BatchResult) {
	b.Claimed += o.Claimed
	b.Completed += o.Completed
	b.Retried += o.Retried
	b.Failed += o.Failed
}

// New creates a Worker.
// Parameters:
//   - queue: the durable job queue.
//   - router: the job type routing table.
//   - opts: claim filter, batch limit and idle poll interval.
// Returns:
//   - *Worker: worker instance.
func New(queue Queue, router *Router, opts Options) *Worker {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	return &Worker{queue: queue, router: router, opts: opts}
}

// ProcessBatch claims and handles up to limit jobs, one at a time. It stops
// early when nothing is eligible. Only claim errors are returned; handler
// failures are reported to the queue and counted.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	var result BatchResult
	for result.Claimed < limit {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		job, err := w.queue.ClaimNext(ctx, w.opts.Filter)
		if err != nil {
			return result, fmt.Errorf("claim job: %w", err)
		}
		if job == nil {
			break
		}
		result.Claimed++

		switch w.process(ctx, job) {
		case domain.JobStatusCompleted:
			result.Completed++
		case domain.JobStatusPending:
			result.Retried++
		case domain.JobStatusFailed:
			result.Failed++
		}
	}
	return result, nil
}

// process dispatches one job and reconciles the queue. It returns the status
// the job was moved to, or processing when reconciliation itself failed.
func (w *Worker) process(ctx context.Context, job *domain.Job) domain.JobStatus {
	jctx := logger.SetJob(logger.SetTenantID(ctx, job.TenantID), job.ID, string(job.Type))
	jctx = logger.SetComponent(jctx, w.opts.Name)
	start := time.Now()

	result, err := w.dispatch(jctx, job)
	elapsed := time.Since(start)

	// Reconcile even when shutdown cancelled the handler; otherwise the job
	// stays in processing until stuck-job recovery picks it up.
	rctx := context.WithoutCancel(jctx)

	if err == nil {
		if cerr := w.queue.Complete(rctx, job.ID, result); cerr != nil {
			logger.CtxError(rctx, "Failed to complete job: %v", cerr)
			return domain.JobStatusProcessing
		}
		logger.With(logger.Fields{}).
			WithDuration(elapsed).
			WithJobOutcome(string(domain.JobStatusCompleted), job.Attempts).
			Info(rctx, "Job completed")
		return domain.JobStatusCompleted
	}

	failed, ferr := w.queue.Fail(rctx, job.ID, err)
	if ferr != nil {
		logger.CtxError(rctx, "Failed to record job failure %q: %v", err.Error(), ferr)
		return domain.JobStatusProcessing
	}

	entry := logger.With(logger.Fields{"error": err.Error()}).
		WithDuration(elapsed).
		WithJobOutcome(string(failed.Status), failed.Attempts)
	if failed.Status == domain.JobStatusFailed {
		entry.Error(rctx, "Job failed permanently")
	} else {
		entry.WithField("retry_at", failed.ScheduledAt).Warn(rctx, "Job failed, retry scheduled")
	}
	return failed.Status
}

// dispatch runs the handler and turns a panic into a transient error so the
// job is not left in processing.
func (w *Worker) dispatch(ctx context.Context, job *domain.Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.CtxError(ctx, "Handler panic: %v\n%s", r, debug.Stack())
			result = nil
			err = domain.Transient(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.router.Dispatch(ctx, job)
}

// Run pulls batches until ctx is cancelled, sleeping for the poll interval
// whenever the queue has nothing eligible or a claim fails.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, w.opts.Name)
	logger.CtxInfo(ctx, "Worker started")

	for {
		res, err := w.ProcessBatch(ctx, w.opts.BatchLimit)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.CtxWarn(ctx, "Worker batch stopped: %v", err)
		}
		if ctx.Err() != nil {
			logger.CtxInfo(ctx, "Worker stopped")
			return nil
		}
		if err == nil && res.Claimed > 0 {
			continue
		}

		timer := time.NewTimer(w.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.CtxInfo(ctx, "Worker stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Drain processes up to limit jobs and returns the totals. A limit <= 0 drains
// until the queue has nothing eligible.
func (w *Worker) Drain(ctx context.Context, limit int) (BatchResult, error) {
	var total BatchResult
	for limit <= 0 || total.Claimed < limit {
		n := w.opts.BatchLimit
		if limit > 0 && limit-total.Claimed < n {
			n = limit - total.Claimed
		}
		res, err := w.ProcessBatch(ctx, n)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Claimed < n {
			break
		}
	}
	return total, nil
}
