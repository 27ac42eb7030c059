package app

import (
	"context"
	"time"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/service"
	"github.com/timmy/triage/internal/worker"
)

// NewWorkerPool builds the pull-loop pool from the worker configuration.
func (a *App) NewWorkerPool() *worker.Pool {
	wc := a.Config.Worker
	return worker.NewPool(a.Store.Jobs, a.Router, wc.Concurrency, wc.Tenants, worker.Options{
		BatchLimit:   wc.BatchLimit,
		PollInterval: wc.PollInterval,
	})
}

// NewWorker builds a single worker claiming across all tenants.
func (a *App) NewWorker() *worker.Worker {
	return worker.New(a.Store.Jobs, a.Router, worker.Options{
		Name:         "drain",
		BatchLimit:   a.Config.Worker.BatchLimit,
		PollInterval: a.Config.Worker.PollInterval,
	})
}

// NewScheduler registers the periodic triggers. The drain trigger is only
// scheduled when no pull loops run, so cron alone moves the queue.
func (a *App) NewScheduler(ctx context.Context, withDrain bool) (*worker.Scheduler, error) {
	wc := a.Config.Worker
	s := worker.NewScheduler(ctx)
	tenants := worker.TenantLister(a.Tenants)

	if withDrain {
		drain := a.NewWorker()
		if err := s.Add("drain", wc.DrainSchedule, func(ctx context.Context) error {
			_, err := drain.Drain(ctx, wc.BatchLimit)
			return err
		}); err != nil {
			return nil, err
		}
	}

	for _, src := range a.Connectors.Sources() {
		jobType, ok := domain.IngestJobType(src)
		if !ok {
			continue
		}
		if err := s.Add("ingest_"+string(src), wc.IngestSchedule, worker.EnqueueForTenants(a.Store.Jobs, tenants, jobType, nil)); err != nil {
			return nil, err
		}
	}

	if a.Provider != nil {
		if err := s.Add("embedding_sweep", wc.EmbeddingSchedule, worker.EnqueueForTenants(a.Store.Jobs, tenants, domain.JobTypeBuildEmbeddings, nil)); err != nil {
			return nil, err
		}
	}

	if err := s.Add("recover", wc.RecoverSchedule, func(ctx context.Context) error {
		_, err := a.Recoverer.Recover(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if a.Config.Digest.Enabled {
		window := a.Config.Digest.Window
		digest := worker.EnqueueForTenants(a.Store.Jobs, tenants, domain.JobTypeGenerateDigest, func(now time.Time) interface{} {
			return service.DigestPayload{Since: now.Add(-window), Until: now}
		})
		if err := s.Add("digest", wc.DigestSchedule, digest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
