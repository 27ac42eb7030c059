package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

// Recoverer resets work left behind by dead workers.
type Recoverer struct {
	jobs       *repository.JobQueue
	chunks     *repository.ChunkRepository
	stuckAfter time.Duration
}

// RecoverResult reports what one recovery pass did.
type RecoverResult struct {
	repository.RecoveryResult
	AbandonedChunks int64 `json:"abandoned_chunks"`
}

// NewRecoverer creates a Recoverer. Jobs and chunks in processing for longer
// than stuckAfter are considered abandoned.
func NewRecoverer(jobs *repository.JobQueue, chunks *repository.ChunkRepository, stuckAfter time.Duration) *Recoverer {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Recoverer{jobs: jobs, chunks: chunks, stuckAfter: stuckAfter}
}

// Recover requeues stuck jobs and moves stale processing chunks to error.
// A requeued embedding job then resets those chunks on its retry.
func (r *Recoverer) Recover(ctx context.Context) (RecoverResult, error) {
	return r.RecoverOlderThan(ctx, r.stuckAfter)
}

// RecoverOlderThan is Recover with an explicit threshold.
func (r *Recoverer) RecoverOlderThan(ctx context.Context, olderThan time.Duration) (RecoverResult, error) {
	var out RecoverResult

	jobs, err := r.jobs.RequeueStuck(ctx, olderThan)
	if err != nil {
		return out, err
	}
	out.RecoveryResult = jobs

	if r.chunks != nil {
		n, err := r.chunks.AbandonStale(ctx, olderThan)
		if err != nil {
			return out, fmt.Errorf("abandon stale chunks: %w", err)
		}
		out.AbandonedChunks = n
	}

	if out.Requeued+out.Failed+out.AbandonedChunks > 0 {
		logger.With(logger.Fields{
			"requeued":         out.Requeued,
			"failed":           out.Failed,
			"abandoned_chunks": out.AbandonedChunks,
		}).Warn(ctx, "Recovered stuck work")
	}
	return out, nil
}
