package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/triage/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxAttempts = 3
	// claimCandidates bounds how many eligible rows the compare-and-swap path
	// tries per round before re-reading the queue.
	claimCandidates = 8
	claimRounds     = 4
	// maxBackoffExponent caps 2^attempts minutes at roughly 45 days.
	maxBackoffExponent = 16

	staleClaimMessage = "stuck in processing past the recovery timeout with no attempts left"
)

// EnqueueRequest describes a job to insert.
// Zero values take the queue defaults: priority 0, scheduled now, three attempts.
type EnqueueRequest struct {
	TenantID    string
	Type        domain.JobType
	Payload     interface{}
	Priority    int
	ScheduledAt time.Time
	MaxAttempts int
}

// ClaimFilter narrows ClaimNext to one tenant and/or one job type.
// Empty fields match everything.
type ClaimFilter struct {
	TenantID string
	Type     domain.JobType
}

// JobFilter narrows List.
type JobFilter struct {
	TenantID string
	Type     domain.JobType
	Status   domain.JobStatus
	Limit    int
}

// RecoveryResult reports what RequeueStuck did.
type RecoveryResult struct {
	Requeued int64 `json:"requeued"`
	Failed   int64 `json:"failed"`
}

// JobQueue is the durable work queue backed by the queue_jobs table.
// All status changes go through ClaimNext, Complete and Fail, plus the
// operator-only RequeueStuck.
type JobQueue struct {
	db          *gorm.DB
	now         func() time.Time
	maxAttempts int
}

// QueueOption configures a JobQueue.
type QueueOption func(*JobQueue)

// WithClock replaces the wall clock used for scheduling and claim eligibility.
func WithClock(now func() time.Time) QueueOption {
	return func(q *JobQueue) {
		q.now = func() time.Time { return now().UTC() }
	}
}

// WithDefaultMaxAttempts sets the retry budget for jobs enqueued without one.
func WithDefaultMaxAttempts(n int) QueueOption {
	return func(q *JobQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// NewJobQueue creates a new JobQueue.
// Parameters:
//   - db: GORM database handle used for queries.
//   - opts: optional clock and default retry budget.
// Returns:
//   - *JobQueue: queue bound to db.
func NewJobQueue(db *gorm.DB, opts ...QueueOption) *JobQueue {
	q := &JobQueue{
		db:          db,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *JobQueue) withDB(db *gorm.DB) *JobQueue {
	return &JobQueue{db: db, now: q.now, maxAttempts: q.maxAttempts}
}

// Enqueue inserts a pending job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: job description; zero values take queue defaults.
// Returns:
//   - *domain.Job: the persisted job.
//   - error: ConfigurationError for an unknown type, or a storage error.
func (q *JobQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Job, error) {
	if !req.Type.Valid() {
		return nil, domain.NewConfigurationError("unknown job type %q", req.Type)
	}
	if req.TenantID == "" {
		return nil, domain.NewConfigurationError("job %s enqueued without tenant", req.Type)
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", req.Type, err)
	}

	now := q.now()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		Type:        req.Type,
		Payload:     payload,
		Status:      domain.JobStatusPending,
		Priority:    req.Priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func encodePayload(payload interface{}) (datatypes.JSON, error) {
	switch p := payload.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case json.RawMessage:
		return datatypes.JSON(p), nil
	case datatypes.JSON:
		return p, nil
	case []byte:
		return datatypes.JSON(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// ClaimNext atomically moves the best eligible pending job to processing.
// Eligible means scheduled_at <= now; best means highest priority, then
// earliest scheduled, then oldest. Attempts increments once per claim.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filter: optional tenant and type restriction.
// Returns:
//   - *domain.Job: the claimed job, or nil when nothing is available.
//   - error: non-nil only on storage failure.
func (q *JobQueue) ClaimNext(ctx context.Context, filter ClaimFilter) (*domain.Job, error) {
	if isPostgres(q.db) {
		return q.claimSkipLocked(ctx, filter)
	}
	return q.claimCompareAndSwap(ctx, filter)
}

func (q *JobQueue) eligible(tx *gorm.DB, filter ClaimFilter, now time.Time) *gorm.DB {
	tx = tx.Model(&domain.Job{}).
		Where("status = ? AND scheduled_at <= ?", domain.JobStatusPending, now)
	if filter.TenantID != "" {
		tx = tx.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Type != "" {
		tx = tx.Where("type = ?", filter.Type)
	}
	return tx.Order("priority DESC").Order("scheduled_at ASC").Order("created_at ASC")
}

func claimUpdates(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":     domain.JobStatusProcessing,
		"attempts":   gorm.Expr("attempts + 1"),
		"started_at": now,
		"updated_at": now,
	}
}

func markClaimed(job *domain.Job, now time.Time) {
	started := now
	job.Status = domain.JobStatusProcessing
	job.Attempts++
	job.StartedAt = &started
	job.UpdatedAt = now
}

// claimSkipLocked uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// claimers never block on, or double-claim, the same row.
func (q *JobQueue) claimSkipLocked(ctx context.Context, filter ClaimFilter) (*domain.Job, error) {
	now := q.now()
	var claimed *domain.Job

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		res := q.eligible(tx, filter, now).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Limit(1).
			Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&domain.Job{}).
			Where("id = ?", job.ID).
			Updates(claimUpdates(now)).Error; err != nil {
			return err
		}
		markClaimed(&job, now)
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// claimCompareAndSwap reads a few candidates and flips the first one whose
// status is still pending. Losing every race in every round means all
// eligible jobs are being claimed elsewhere, which is reported as no job.
func (q *JobQueue) claimCompareAndSwap(ctx context.Context, filter ClaimFilter) (*domain.Job, error) {
	db := q.db.WithContext(ctx)

	for round := 0; round < claimRounds; round++ {
		now := q.now()

		var candidates []domain.Job
		if err := q.eligible(db, filter, now).Limit(claimCandidates).Find(&candidates).Error; err != nil {
			return nil, fmt.Errorf("select claim candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for i := range candidates {
			res := db.Model(&domain.Job{}).
				Where("id = ? AND status = ?", candidates[i].ID, domain.JobStatusPending).
				Updates(claimUpdates(now))
			if res.Error != nil {
				return nil, fmt.Errorf("claim job %s: %w", candidates[i].ID, res.Error)
			}
			if res.RowsAffected == 1 {
				job := candidates[i]
				markClaimed(&job, now)
				return &job, nil
			}
		}
	}
	return nil, nil
}

// Complete marks a processing job completed and stores its result.
// Completing an already completed job is a no-op.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - result: optional result, JSON encoded.
// Returns:
//   - error: ErrNotFound, ErrInvalidTransition for pending/failed jobs, or a storage error.
func (q *JobQueue) Complete(ctx context.Context, id string, result interface{}) error {
	encoded, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("encode result for job %s: %w", id, err)
	}

	now := q.now()
	updates := map[string]interface{}{
		"status":       domain.JobStatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	}
	if encoded != nil {
		updates["result"] = encoded
	}

	res := q.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("complete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusCompleted {
		return nil
	}
	return fmt.Errorf("%w: cannot complete job %s in status %s", domain.ErrInvalidTransition, id, job.Status)
}

func encodeResult(result interface{}) (datatypes.JSON, error) {
	if result == nil {
		return nil, nil
	}
	return encodePayload(result)
}

// Fail records a handler failure.
// A permanent cause, or a job that has used its last attempt, becomes terminal
// failed. Anything else returns to pending with scheduled_at = now + 2^attempts
// minutes. The error message is kept either way.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - cause: the handler error; its classification drives the outcome.
// Returns:
//   - *domain.Job: the job after the transition.
//   - error: ErrNotFound, ErrInvalidTransition if the job is not processing, or a storage error.
func (q *JobQueue) Fail(ctx context.Context, id string, cause error) (*domain.Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, fmt.Errorf("%w: cannot fail job %s in status %s", domain.ErrInvalidTransition, id, job.Status)
	}

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	now := q.now()
	updates := map[string]interface{}{
		"last_error": message,
		"updated_at": now,
	}
	if domain.IsPermanent(cause) || job.Exhausted() {
		updates["status"] = domain.JobStatusFailed
		updates["completed_at"] = now
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
	} else {
		next := now.Add(Backoff(job.Attempts))
		updates["status"] = domain.JobStatusPending
		updates["started_at"] = nil
		updates["scheduled_at"] = next
		job.Status = domain.JobStatusPending
		job.StartedAt = nil
		job.ScheduledAt = next
	}

	res := q.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %s left processing concurrently", domain.ErrInvalidTransition, id)
	}

	job.LastError = message
	job.UpdatedAt = now
	return job, nil
}

// Backoff returns the retry delay after the given number of attempts: 2^attempts minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	return time.Duration(1<<uint(attempts)) * time.Minute
}

// RequeueStuck recovers jobs left in processing by a dead worker.
// Jobs started before now-olderThan go back to pending immediately, or to
// failed when they have no attempts left.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - olderThan: how long a job may stay in processing.
// Returns:
//   - RecoveryResult: counts of requeued and failed jobs.
//   - error: non-nil if the update fails.
func (q *JobQueue) RequeueStuck(ctx context.Context, olderThan time.Duration) (RecoveryResult, error) {
	now := q.now()
	cutoff := now.Add(-olderThan)
	var out RecoveryResult

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stuck := func() *gorm.DB {
			return tx.Model(&domain.Job{}).
				Where("status = ? AND started_at < ?", domain.JobStatusProcessing, cutoff)
		}

		failed := stuck().Where("attempts >= max_attempts").Updates(map[string]interface{}{
			"status":       domain.JobStatusFailed,
			"completed_at": now,
			"last_error":   staleClaimMessage,
			"updated_at":   now,
		})
		if failed.Error != nil {
			return failed.Error
		}
		out.Failed = failed.RowsAffected

		requeued := stuck().Updates(map[string]interface{}{
			"status":       domain.JobStatusPending,
			"started_at":   nil,
			"scheduled_at": now,
			"updated_at":   now,
		})
		if requeued.Error != nil {
			return requeued.Error
		}
		out.Requeued = requeued.RowsAffected
		return nil
	})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	return out, nil
}

// Get retrieves a job by ID.
// Returns domain.ErrNotFound when no row matches.
func (q *JobQueue) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// List returns jobs matching filter, newest first.
func (q *JobQueue) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	tx := q.db.WithContext(ctx).Model(&domain.Job{})
	if filter.TenantID != "" {
		tx = tx.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Type != "" {
		tx = tx.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var jobs []domain.Job
	if err := tx.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Stats counts jobs per status, optionally for one tenant.
func (q *JobQueue) Stats(ctx context.Context, tenantID string) (map[domain.JobStatus]int64, error) {
	type row struct {
		Status domain.JobStatus
		Count  int64
	}
	tx := q.db.WithContext(ctx).Model(&domain.Job{}).Select("status, COUNT(*) AS count")
	if tenantID != "" {
		tx = tx.Where("tenant_id = ?", tenantID)
	}

	var rows []row
	if err := tx.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := make(map[domain.JobStatus]int64, len(rows))
	for _, r := range rows {
		stats[r.Status] = r.Count
	}
	return stats, nil
}
