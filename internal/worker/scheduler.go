package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

// cronParser accepts standard 5-field expressions, an optional seconds field
// and descriptors such as @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Trigger is a periodic task run by the Scheduler.
type Trigger func(ctx context.Context) error

// Scheduler fires triggers on cron schedules. A trigger that is still running
// when its next tick comes is skipped for that tick.
type Scheduler struct {
	cron  *cron.Cron
	ctx   context.Context
	names []string
}

// NewScheduler creates a stopped Scheduler. Triggers receive ctx.
func NewScheduler(ctx context.Context) *Scheduler {
	l := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx: ctx,
	}
}

// Add registers trigger under name. An empty schedule disables the trigger.
// Parameters:
//   - name: label used in logs.
//   - schedule: cron expression or descriptor.
//   - trigger: the task to run.
// Returns:
//   - error: non-nil if schedule does not parse.
func (s *Scheduler) Add(name, schedule string, trigger Trigger) error {
	if schedule == "" {
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx := logger.SetComponent(s.ctx, "scheduler")
		start := time.Now()
		if err := trigger(ctx); err != nil {
			logger.With(logger.Fields{"trigger": name}).
				WithDuration(time.Since(start)).
				Error(ctx, "Trigger failed: %v", err)
			return
		}
		logger.With(logger.Fields{"trigger": name}).
			WithDuration(time.Since(start)).
			Debug(ctx, "Trigger finished")
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	s.names = append(s.names, name)
	logger.With(logger.Fields{"trigger": name, "schedule": schedule}).Info(s.ctx, "Trigger scheduled")
	return nil
}

// Triggers lists the names of registered triggers.
func (s *Scheduler) Triggers() []string {
	return append([]string(nil), s.names...)
}

// Start begins firing triggers in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running triggers to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// TenantLister returns the tenants periodic jobs are enqueued for.
type TenantLister func(ctx context.Context) ([]string, error)

// StaticTenants lists a fixed set of tenants.
func StaticTenants(tenants ...string) TenantLister {
	return func(context.Context) ([]string, error) {
		return tenants, nil
	}
}

// EnqueueForTenants returns a trigger that enqueues one job of jobType per
// tenant. Tenants that already have a pending job of that type are skipped, so
// a slow worker pool does not pile up identical work.
func EnqueueForTenants(queue *repository.JobQueue, tenants TenantLister, jobType domain.JobType, payload func(now time.Time) interface{}) Trigger {
	return func(ctx context.Context) error {
		ids, err := tenants(ctx)
		if err != nil {
			return fmt.Errorf("list tenants: %w", err)
		}
		queued := 0
		for _, tenant := range ids {
			pending, err := queue.List(ctx, repository.JobFilter{
				TenantID: tenant,
				Type:     jobType,
				Status:   domain.JobStatusPending,
				Limit:    1,
			})
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				continue
			}

			req := repository.EnqueueRequest{TenantID: tenant, Type: jobType}
			if payload != nil {
				req.Payload = payload(time.Now().UTC())
			}
			if _, err := queue.Enqueue(ctx, req); err != nil {
				return fmt.Errorf("enqueue %s for %s: %w", jobType, tenant, err)
			}
			queued++
		}
		if queued > 0 {
			logger.With(logger.Fields{"job_type": string(jobType)}).WithCount(queued).Info(ctx, "Periodic jobs enqueued")
		}
		return nil
	}
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron %s: %v %v", msg, err, keysAndValues)
}
